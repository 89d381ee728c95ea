package fraud

import (
	"context"
	"fmt"
)

const (
	defaultRapidFundingThreshold  = 5
	defaultUnusualStdDevThreshold = 3.0
	minSamplesForOutlier          = 10
)

// RapidFundingRule flags a peer that posts more settlement/funding events
// within a rolling 1h window than threshold allows.
type RapidFundingRule struct {
	threshold int
}

// NewRapidFundingRule builds the rule. A non-positive threshold falls back
// to the package default.
func NewRapidFundingRule(threshold int) *RapidFundingRule {
	if threshold <= 0 {
		threshold = defaultRapidFundingThreshold
	}
	return &RapidFundingRule{threshold: threshold}
}

func (r *RapidFundingRule) Name() string { return "rapid_funding" }

func (r *RapidFundingRule) Check(_ context.Context, ev Event, history *PeerHistory) Detection {
	if ev.Kind != KindSettlement {
		return Detection{}
	}
	count := history.fundingCountInWindow(ev.Timestamp)
	if count <= r.threshold {
		return Detection{}
	}
	return Detection{
		Detected: true,
		Severity: SeverityHigh,
		Details:  fmt.Sprintf("%d funding events within the last hour exceeds threshold %d", count, r.threshold),
	}
}

// StatisticalOutlierRule flags transactions whose amount deviates from a
// peer's historical mean for the same token by more than N standard
// deviations, or flags the first-ever transaction in a brand new token once
// the peer already has history in other tokens.
type StatisticalOutlierRule struct {
	stdDevThreshold float64
}

// NewStatisticalOutlierRule builds the rule. A non-positive threshold falls
// back to the package default.
func NewStatisticalOutlierRule(stdDevThreshold float64) *StatisticalOutlierRule {
	if stdDevThreshold <= 0 {
		stdDevThreshold = defaultUnusualStdDevThreshold
	}
	return &StatisticalOutlierRule{stdDevThreshold: stdDevThreshold}
}

func (r *StatisticalOutlierRule) Name() string { return "statistical_outlier" }

func (r *StatisticalOutlierRule) Check(_ context.Context, ev Event, history *PeerHistory) Detection {
	if ev.Kind != KindPacket {
		return Detection{}
	}

	// ev.priorSameTokenCount reflects history as it stood before this very
	// transaction was recorded, so a brand new token is still detectable
	// here even though history now contains ev itself.
	if ev.priorSameTokenCount == 0 {
		if ev.hadPriorTransactions {
			return Detection{
				Detected: true,
				Severity: SeverityMedium,
				Details:  fmt.Sprintf("first transaction in previously unseen token %q", ev.Token),
			}
		}
		return Detection{}
	}

	count, mean, stddev := history.sameTokenStats(ev.Token)
	if count < minSamplesForOutlier {
		return Detection{}
	}
	if stddev == 0 {
		return Detection{}
	}

	deviations := (ev.Amount - mean) / stddev
	if deviations < 0 {
		deviations = -deviations
	}
	if deviations <= r.stdDevThreshold {
		return Detection{}
	}
	return Detection{
		Detected: true,
		Severity: SeverityHigh,
		Details:  fmt.Sprintf("amount %.2f is %.1f std-deviations from token %q mean %.2f", ev.Amount, deviations, ev.Token, mean),
	}
}

func (h *PeerHistory) hasAnyTransactions() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transactions) > 0
}
