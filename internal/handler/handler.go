// Package handler implements the packet-processing state machine: the
// per-hop decision pipeline that turns an inbound Prepare into a
// Fulfill or Reject.
package handler

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"time"

	"github.com/ilp-connector/connector/internal/btp"
	"github.com/ilp-connector/connector/internal/ilp"
	"github.com/ilp-connector/connector/internal/ratelimit"
	"github.com/ilp-connector/connector/internal/routing"
)

// MaxReasonableAmount bounds Prepare.Amount against implausible values
// that no real payment would carry; F08 rejects anything above it.
const MaxReasonableAmount = 1_000_000_000_000

// Outcome tags a PACKET_PROCESSED event with how the packet ultimately
// resolved.
type Outcome string

const (
	OutcomeFulfilled Outcome = "fulfilled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Sender is the collaborator that forwards a Prepare to the next hop and
// waits for its response. Implemented by *btp.Session in production.
type Sender interface {
	Send(ctx context.Context, prepare ilp.Prepare) (ilp.Packet, error)
}

// PeerStatus reports whether fraud screening has paused a peer.
type PeerStatus interface {
	IsPaused(peerID string) bool
}

// EventSink receives structured lifecycle events from the handler. The
// Event Bus (C9) implements this in production.
type EventSink interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Clock is the minimal time source the handler needs; satisfied by
// clock.Clock.
type Clock interface {
	Now() time.Time
}

// Config tunes the handler's timing policy.
type Config struct {
	// MinExpiryBudget is the minimum slack (ε_min) between now and an
	// inbound Prepare's expiresAt for it to be accepted at all.
	MinExpiryBudget time.Duration
	// HopBudget is subtracted from the inbound expiresAt to derive the
	// outbound expiresAt passed to the next hop.
	HopBudget time.Duration
	// MaxHold further bounds the outbound expiry regardless of the
	// inbound one.
	MaxHold time.Duration
	// SelfPrefix is this node's own ILP address prefix; Prepares destined
	// under it with no registered local receiver are rejected F02.
	SelfPrefix ilp.Address
}

func (c Config) withDefaults() Config {
	if c.MinExpiryBudget == 0 {
		c.MinExpiryBudget = 100 * time.Millisecond
	}
	if c.HopBudget == 0 {
		c.HopBudget = 1 * time.Second
	}
	if c.MaxHold == 0 {
		c.MaxHold = 30 * time.Second
	}
	return c
}

// Handler is the core data-plane packet processor.
type Handler struct {
	cfg     Config
	clock   Clock
	limiter *ratelimit.Limiter
	table   *routing.Table
	fraud   PeerStatus
	sink    EventSink
	logger  *slog.Logger

	localReceivers map[string]bool
	sessionFor     func(peerID string) (Sender, bool)
}

// New constructs a Handler. sessionFor resolves a next-hop peer id to its
// live outbound Sender (typically *btp.Session via the Manager).
func New(cfg Config, c Clock, limiter *ratelimit.Limiter, table *routing.Table, fraudDetector PeerStatus,
	sink EventSink, logger *slog.Logger, sessionFor func(peerID string) (Sender, bool)) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:            cfg.withDefaults(),
		clock:          c,
		limiter:        limiter,
		table:          table,
		fraud:          fraudDetector,
		sink:           sink,
		logger:         logger,
		localReceivers: make(map[string]bool),
		sessionFor:     sessionFor,
	}
}

// RegisterLocalReceiver marks destination as served locally, so Prepares
// addressed under SelfPrefix matching it are not rejected F02.
func (h *Handler) RegisterLocalReceiver(destination string) {
	h.localReceivers[destination] = true
}

// Process runs the full pipeline for a Prepare inbound from peerIn and
// returns the Fulfill or Reject to send back on the same requestId.
func (h *Handler) Process(ctx context.Context, peerIn string, prepare ilp.Prepare) ilp.Packet {
	start := h.clock.Now()

	// 1. paused peer
	if h.fraud != nil && h.fraud.IsPaused(peerIn) {
		return h.finish(peerIn, "", prepare, start, OutcomeRejected, ilp.Reject{
			Code: ilp.F99ApplicationError, TriggeredBy: h.cfg.SelfPrefix, Message: "peer is paused",
		})
	}

	// 2. rate limit
	if h.limiter != nil {
		switch h.limiter.Check(ctx, peerIn, ratelimit.ClassILPPacket) {
		case ratelimit.Throttled, ratelimit.Blocked:
			return h.finish(peerIn, "", prepare, start, OutcomeRejected, ilp.Reject{
				Code: ilp.T05RateLimited, TriggeredBy: h.cfg.SelfPrefix, Message: "rate limited",
			})
		}
	}

	// 3. validate
	now := h.clock.Now()
	if !prepare.ExpiresAt.After(now.Add(h.cfg.MinExpiryBudget)) {
		return h.finish(peerIn, "", prepare, start, OutcomeRejected, ilp.Reject{
			Code: ilp.F99ApplicationError, TriggeredBy: h.cfg.SelfPrefix, Message: "insufficient expiry budget",
		})
	}
	if prepare.Amount == 0 {
		return h.finish(peerIn, "", prepare, start, OutcomeRejected, ilp.Reject{
			Code: ilp.F04InsufficientDstAmount, TriggeredBy: h.cfg.SelfPrefix, Message: "amount must be positive",
		})
	}
	if prepare.Amount > MaxReasonableAmount {
		return h.finish(peerIn, "", prepare, start, OutcomeRejected, ilp.Reject{
			Code: ilp.F08AmountTooLarge, TriggeredBy: h.cfg.SelfPrefix, Message: "amount exceeds maximum accepted value",
		})
	}

	// 4. self-destination check
	if prepare.Destination.HasPrefix(h.cfg.SelfPrefix) && !h.localReceivers[prepare.Destination.String()] {
		return h.finish(peerIn, "", prepare, start, OutcomeRejected, ilp.Reject{
			Code: ilp.F02UnreachableDestination, TriggeredBy: h.cfg.SelfPrefix, Message: "no local receiver registered",
		})
	}

	// 5. route lookup
	route, err := h.table.Lookup(prepare.Destination)
	if err != nil {
		return h.finish(peerIn, "", prepare, start, OutcomeRejected, ilp.Reject{
			Code: ilp.F02UnreachableDestination, TriggeredBy: h.cfg.SelfPrefix, Message: "no route",
		})
	}

	sender, ok := h.sessionFor(route.NextHop)
	if !ok {
		return h.finish(peerIn, route.NextHop, prepare, start, OutcomeRejected, ilp.Reject{
			Code: ilp.T01PeerUnreachable, TriggeredBy: h.cfg.SelfPrefix, Message: "next hop session unavailable",
		})
	}

	// 6. forward with derived expiry
	outboundExpiry := prepare.ExpiresAt.Add(-h.cfg.HopBudget)
	maxHold := now.Add(h.cfg.MaxHold)
	if outboundExpiry.After(maxHold) {
		outboundExpiry = maxHold
	}
	outbound := prepare
	outbound.ExpiresAt = outboundExpiry

	resp, sendErr := sender.Send(ctx, outbound)

	// 7. collect response
	if sendErr != nil {
		reject, ok := resp.(ilp.Reject)
		if !ok {
			switch {
			case errors.Is(sendErr, btp.ErrSessionClosed):
				reject = ilp.Reject{Code: ilp.T01PeerUnreachable, TriggeredBy: h.cfg.SelfPrefix, Message: sendErr.Error()}
			default:
				reject = ilp.Reject{Code: ilp.R00TransferTimedOut, TriggeredBy: h.cfg.SelfPrefix, Message: sendErr.Error()}
			}
		}
		h.sink.Emit("PACKET_TIMEOUT", "handler", peerIn, map[string]interface{}{
			"peerIn": peerIn, "peerOut": route.NextHop, "destination": prepare.Destination.String(), "error": sendErr.Error(),
		})
		return h.finish(peerIn, route.NextHop, prepare, start, OutcomeTimedOut, reject)
	}

	switch r := resp.(type) {
	case ilp.Fulfill:
		if sha256.Sum256(r.Fulfillment[:]) != prepare.ExecutionCondition {
			return h.finish(peerIn, route.NextHop, prepare, start, OutcomeRejected, ilp.Reject{
				Code: ilp.F05WrongCondition, TriggeredBy: h.cfg.SelfPrefix, Message: "fulfillment does not match execution condition",
			})
		}
		h.sink.Emit("PACKET_FULFILLED", "handler", peerIn, map[string]interface{}{
			"peerIn": peerIn, "peerOut": route.NextHop, "destination": prepare.Destination.String(),
		})
		return h.finish(peerIn, route.NextHop, prepare, start, OutcomeFulfilled, r)
	case ilp.Reject:
		h.sink.Emit("PACKET_REJECTED", "handler", peerIn, map[string]interface{}{
			"peerIn": peerIn, "peerOut": route.NextHop, "code": string(r.Code), "triggeredBy": r.TriggeredBy.String(),
		})
		return h.finish(peerIn, route.NextHop, prepare, start, OutcomeRejected, r)
	default:
		return h.finish(peerIn, route.NextHop, prepare, start, OutcomeRejected, ilp.Reject{
			Code: ilp.T00InternalError, TriggeredBy: h.cfg.SelfPrefix, Message: "unexpected response packet type",
		})
	}
}

func (h *Handler) finish(peerIn, peerOut string, prepare ilp.Prepare, start time.Time, outcome Outcome, result ilp.Packet) ilp.Packet {
	latency := h.clock.Now().Sub(start)
	h.sink.Emit("PACKET_PROCESSED", "handler", peerIn, map[string]interface{}{
		"peerIn":      peerIn,
		"peerOut":     peerOut,
		"destination": prepare.Destination.String(),
		"amount":      prepare.Amount,
		"latencyMs":   latency.Milliseconds(),
		"outcome":     string(outcome),
	})
	if outcome == OutcomeTimedOut {
		h.logger.Warn("packet timed out", slog.String("peerIn", peerIn), slog.String("peerOut", peerOut))
	}
	return result
}
