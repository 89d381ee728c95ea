// Package fraud implements the pluggable rule engine that screens
// settlement, packet, and channel events for suspicious peer behavior,
// and the pause/resume bookkeeping described in spec §4.6.
package fraud

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ilp-connector/connector/internal/clock"
)

// ErrPeerPaused is returned by callers that attempt an operation against a
// paused peer outside the normal "ignore silently" fast path.
var ErrPeerPaused = errors.New("fraud: peer is paused")

// Severity is the detection severity reported by a Rule.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// EventKind discriminates the three event shapes rules can be fed.
type EventKind int

const (
	KindSettlement EventKind = iota
	KindPacket
	KindChannel
)

// Event is the tagged union consumed by Rule.Check.
type Event struct {
	Kind      EventKind
	PeerID    string
	Token     string
	Amount    float64
	Timestamp time.Time

	// priorSameTokenCount and hadPriorTransactions snapshot PeerHistory
	// immediately before Analyze records ev into it, so rules that need to
	// tell "token never seen before" apart from "token seen exactly once,
	// namely this transaction" don't see their own event's history.
	priorSameTokenCount int
	hadPriorTransactions bool
}

// Detection is a Rule's verdict on a single Event.
type Detection struct {
	Detected bool
	Severity Severity
	Details  string
}

// Rule is a pluggable fraud-screening strategy.
type Rule interface {
	Name() string
	Check(ctx context.Context, ev Event, history *PeerHistory) Detection
}

// MetricsSink receives telemetry events emitted by the detector.
type MetricsSink interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

type noopSink struct{}

func (noopSink) Emit(string, string, string, map[string]interface{}) {}

// PauseReason records why a peer was paused.
type PauseReason struct {
	Rule     string
	Severity Severity
	Reason   string
	At       time.Time
}

// PeerHistory is the per-peer rolling window state the built-in rules
// consult. Exported so custom Rule implementations can read the same
// signal.
type PeerHistory struct {
	mu             sync.Mutex
	fundingEvents  []time.Time        // rolling 1h window
	transactions   []tokenTransaction // rolling 30-day window
	paused         bool
	pauseReason    *PauseReason
}

type tokenTransaction struct {
	token string
	at    time.Time
	amt   float64
}

func (h *PeerHistory) recordFunding(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fundingEvents = append(h.fundingEvents, now)
	h.pruneFunding(now)
}

func (h *PeerHistory) pruneFunding(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	kept := h.fundingEvents[:0]
	for _, t := range h.fundingEvents {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.fundingEvents = kept
}

func (h *PeerHistory) recordTransaction(token string, amt float64, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transactions = append(h.transactions, tokenTransaction{token: token, at: now, amt: amt})
	h.pruneTransactions(now)
}

func (h *PeerHistory) pruneTransactions(now time.Time) {
	cutoff := now.Add(-30 * 24 * time.Hour)
	kept := h.transactions[:0]
	for _, tx := range h.transactions {
		if tx.at.After(cutoff) {
			kept = append(kept, tx)
		}
	}
	h.transactions = kept
}

func (h *PeerHistory) sameTokenStats(token string) (count int, mean, stddev float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var sum float64
	for _, tx := range h.transactions {
		if tx.token == token {
			count++
			sum += tx.amt
		}
	}
	if count == 0 {
		return 0, 0, 0
	}
	mean = sum / float64(count)

	var variance float64
	for _, tx := range h.transactions {
		if tx.token == token {
			d := tx.amt - mean
			variance += d * d
		}
	}
	variance /= float64(count)
	return count, mean, math.Sqrt(variance)
}

func (h *PeerHistory) fundingCountInWindow(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneFunding(now)
	return len(h.fundingEvents)
}

// Config configures the Detector's auto-pause policy.
type Config struct {
	AutoPauseThreshold     Severity
	RapidFundingThreshold  int
	UnusualStdDevThreshold float64
}

// Detector evaluates events against a set of rules and manages pause state.
type Detector struct {
	cfg    Config
	clock  clock.Clock
	sink   MetricsSink
	logger *slog.Logger
	rules  []Rule

	mu       sync.RWMutex
	peers    map[string]*PeerHistory
}

// New constructs a Detector with the given rules. If rules is empty the
// two built-in rules (rapid funding, statistical outlier) are installed.
func New(cfg Config, c clock.Clock, sink MetricsSink, logger *slog.Logger, rules ...Rule) *Detector {
	if sink == nil {
		sink = noopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AutoPauseThreshold == SeverityNone {
		cfg.AutoPauseThreshold = SeverityHigh
	}
	if len(rules) == 0 {
		rules = []Rule{
			NewRapidFundingRule(cfg.RapidFundingThreshold),
			NewStatisticalOutlierRule(cfg.UnusualStdDevThreshold),
		}
	}
	return &Detector{
		cfg:    cfg,
		clock:  c,
		sink:   sink,
		logger: logger,
		rules:  rules,
		peers:  make(map[string]*PeerHistory),
	}
}

func (d *Detector) historyFor(peerID string) *PeerHistory {
	d.mu.RLock()
	h, ok := d.peers[peerID]
	d.mu.RUnlock()
	if ok {
		return h
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok = d.peers[peerID]; ok {
		return h
	}
	h = &PeerHistory{}
	d.peers[peerID] = h
	return h
}

// Analyze fans the event out to all rules concurrently. Events from
// already-paused peers are ignored (fast path). A rule that panics or
// returns is logged and skipped — it never aborts the others.
func (d *Detector) Analyze(ctx context.Context, ev Event) {
	history := d.historyFor(ev.PeerID)

	history.mu.Lock()
	paused := history.paused
	history.mu.Unlock()
	if paused {
		return
	}

	switch ev.Kind {
	case KindSettlement:
		history.recordFunding(ev.Timestamp)
	case KindPacket:
		// Snapshot same-token history before recording ev itself: once
		// recorded, sameTokenStats(ev.Token) would always see count ≥ 1
		// (ev's own entry), making StatisticalOutlierRule's new-token
		// branch unreachable.
		priorCount, _, _ := history.sameTokenStats(ev.Token)
		ev.priorSameTokenCount = priorCount
		ev.hadPriorTransactions = history.hasAnyTransactions()
		history.recordTransaction(ev.Token, ev.Amount, ev.Timestamp)
	}

	var wg sync.WaitGroup
	detections := make(chan struct {
		rule string
		det  Detection
	}, len(d.rules))

	for _, r := range d.rules {
		wg.Add(1)
		go func(r Rule) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					d.logger.Warn("fraud rule panicked", slog.String("rule", r.Name()), slog.Any("panic", rec))
				}
			}()
			det := r.Check(ctx, ev, history)
			detections <- struct {
				rule string
				det  Detection
			}{rule: r.Name(), det: det}
		}(r)
	}

	go func() {
		wg.Wait()
		close(detections)
	}()

	for result := range detections {
		if !result.det.Detected {
			continue
		}
		d.sink.Emit("FRAUD_DETECTED", "fraud", ev.PeerID, map[string]interface{}{
			"peerId":   ev.PeerID,
			"rule":     result.rule,
			"severity": result.det.Severity.String(),
			"details":  result.det.Details,
		})
		if result.det.Severity >= d.cfg.AutoPauseThreshold {
			d.Pause(ev.PeerID, result.det.Details, result.rule, result.det.Severity)
		}
	}
}

// Pause marks peerID as paused. Idempotent.
func (d *Detector) Pause(peerID, reason, rule string, severity Severity) {
	history := d.historyFor(peerID)
	history.mu.Lock()
	if history.paused {
		history.mu.Unlock()
		return
	}
	history.paused = true
	history.pauseReason = &PauseReason{Rule: rule, Severity: severity, Reason: reason, At: d.clock.Now()}
	history.mu.Unlock()

	d.logger.Warn("peer paused", slog.String("peerId", peerID), slog.String("rule", rule), slog.String("severity", severity.String()))
	d.sink.Emit("PEER_PAUSED", "fraud", peerID, map[string]interface{}{
		"peerId": peerID, "rule": rule, "severity": severity.String(), "reason": reason,
	})
}

// Resume clears a peer's paused state.
func (d *Detector) Resume(peerID string) {
	history := d.historyFor(peerID)
	history.mu.Lock()
	wasPaused := history.paused
	history.paused = false
	history.pauseReason = nil
	history.mu.Unlock()

	if wasPaused {
		d.sink.Emit("PEER_RESUMED", "fraud", peerID, map[string]interface{}{"peerId": peerID})
	}
}

// IsPaused reports whether peerID is currently paused.
func (d *Detector) IsPaused(peerID string) bool {
	history := d.historyFor(peerID)
	history.mu.Lock()
	defer history.mu.Unlock()
	return history.paused
}

// PausedPeers returns every currently-paused peer and its reason.
func (d *Detector) PausedPeers() map[string]PauseReason {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]PauseReason)
	for peerID, h := range d.peers {
		h.mu.Lock()
		if h.paused && h.pauseReason != nil {
			out[peerID] = *h.pauseReason
		}
		h.mu.Unlock()
	}
	return out
}
