package handler

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ilp-connector/connector/internal/btp"
	"github.com/ilp-connector/connector/internal/clock"
	"github.com/ilp-connector/connector/internal/ilp"
	"github.com/ilp-connector/connector/internal/ratelimit"
	"github.com/ilp-connector/connector/internal/routing"
)

type fakeSender struct {
	respond func(ctx context.Context, prepare ilp.Prepare) (ilp.Packet, error)
}

func (f *fakeSender) Send(ctx context.Context, prepare ilp.Prepare) (ilp.Packet, error) {
	return f.respond(ctx, prepare)
}

type fakeSink struct {
	events []string
}

func (f *fakeSink) Emit(eventType, _, _ string, _ map[string]interface{}) {
	f.events = append(f.events, eventType)
}

func (f *fakeSink) has(eventType string) bool {
	for _, e := range f.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type fakePauseStatus struct {
	paused map[string]bool
}

func (f *fakePauseStatus) IsPaused(peerID string) bool { return f.paused[peerID] }

func addr(t *testing.T, s string) ilp.Address {
	t.Helper()
	a, err := ilp.ParseAddress(s)
	require.NoError(t, err)
	return a
}

func newTestHandler(t *testing.T, c clock.Clock, selfPrefix ilp.Address, sender Sender, nextHopPeer string) (*Handler, *fakeSink) {
	t.Helper()
	table := routing.New("self")
	require.NoError(t, table.Add(routing.Route{Prefix: addr(t, "g.connector.dest"), NextHop: nextHopPeer, Priority: 1}))

	limiter := ratelimit.New(ratelimit.Config{
		Default: ratelimit.ClassLimits{MaxRequestsPerSecond: 1000, MaxRequestsPerMinute: 100000, BurstSize: 1000},
	}, c, nil, nil)

	sink := &fakeSink{}
	h := New(Config{SelfPrefix: selfPrefix}, c, limiter, table, &fakePauseStatus{paused: map[string]bool{}}, sink, nil,
		func(peerID string) (Sender, bool) {
			if peerID == nextHopPeer {
				return sender, true
			}
			return nil, false
		})
	return h, sink
}

func TestHandlerFulfillsOnMatchingCondition(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	fulfillment := [32]byte{7, 7, 7}
	condition := sha256.Sum256(fulfillment[:])

	sender := &fakeSender{respond: func(ctx context.Context, prepare ilp.Prepare) (ilp.Packet, error) {
		return ilp.Fulfill{Fulfillment: fulfillment}, nil
	}}

	h, sink := newTestHandler(t, c, addr(t, "g.connector"), sender, "peerB")

	prepare := ilp.Prepare{
		Amount:             50,
		ExpiresAt:          c.Now().Add(time.Minute),
		ExecutionCondition: condition,
		Destination:        addr(t, "g.connector.dest.alice"),
	}

	resp := h.Process(context.Background(), "peerA", prepare)
	fulfill, ok := resp.(ilp.Fulfill)
	require.True(t, ok)
	require.Equal(t, fulfillment, fulfill.Fulfillment)
	require.True(t, sink.has("PACKET_FULFILLED"))
	require.True(t, sink.has("PACKET_PROCESSED"))
}

func TestHandlerRejectsOnConditionMismatch(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	sender := &fakeSender{respond: func(ctx context.Context, prepare ilp.Prepare) (ilp.Packet, error) {
		return ilp.Fulfill{Fulfillment: [32]byte{1}}, nil
	}}
	h, _ := newTestHandler(t, c, addr(t, "g.connector"), sender, "peerB")

	prepare := ilp.Prepare{
		Amount:             50,
		ExpiresAt:          c.Now().Add(time.Minute),
		ExecutionCondition: [32]byte{9, 9, 9}, // does not match any fulfillment hash
		Destination:        addr(t, "g.connector.dest.alice"),
	}

	resp := h.Process(context.Background(), "peerA", prepare)
	reject, ok := resp.(ilp.Reject)
	require.True(t, ok)
	require.Equal(t, ilp.F05WrongCondition, reject.Code)
}

func TestHandlerRejectsNoRoute(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	h, _ := newTestHandler(t, c, addr(t, "g.connector"), &fakeSender{}, "peerB")

	prepare := ilp.Prepare{
		Amount:             50,
		ExpiresAt:          c.Now().Add(time.Minute),
		ExecutionCondition: [32]byte{1},
		Destination:        addr(t, "g.somewhere.else"),
	}
	resp := h.Process(context.Background(), "peerA", prepare)
	reject, ok := resp.(ilp.Reject)
	require.True(t, ok)
	require.Equal(t, ilp.F02UnreachableDestination, reject.Code)
}

func TestHandlerRejectsExpiredBudget(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	h, _ := newTestHandler(t, c, addr(t, "g.connector"), &fakeSender{}, "peerB")

	prepare := ilp.Prepare{
		Amount:             50,
		ExpiresAt:          c.Now().Add(10 * time.Millisecond), // below the 100ms default epsilon
		ExecutionCondition: [32]byte{1},
		Destination:        addr(t, "g.connector.dest.alice"),
	}
	resp := h.Process(context.Background(), "peerA", prepare)
	reject, ok := resp.(ilp.Reject)
	require.True(t, ok)
	require.Equal(t, ilp.F99ApplicationError, reject.Code)
}

func TestHandlerRejectsSelfDestinationWithoutReceiver(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	h, _ := newTestHandler(t, c, addr(t, "g.connector"), &fakeSender{}, "peerB")

	prepare := ilp.Prepare{
		Amount:             50,
		ExpiresAt:          c.Now().Add(time.Minute),
		ExecutionCondition: [32]byte{1},
		Destination:        addr(t, "g.connector.unregistered"),
	}
	resp := h.Process(context.Background(), "peerA", prepare)
	reject, ok := resp.(ilp.Reject)
	require.True(t, ok)
	require.Equal(t, ilp.F02UnreachableDestination, reject.Code)
}

func TestHandlerAllowsRegisteredLocalReceiver(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	table := routing.New("self")
	limiter := ratelimit.New(ratelimit.Config{
		Default: ratelimit.ClassLimits{MaxRequestsPerSecond: 1000, MaxRequestsPerMinute: 100000, BurstSize: 1000},
	}, c, nil, nil)
	sink := &fakeSink{}
	h := New(Config{SelfPrefix: addr(t, "g.connector")}, c, limiter, table, &fakePauseStatus{paused: map[string]bool{}}, sink, nil,
		func(string) (Sender, bool) { return nil, false })
	h.RegisterLocalReceiver("g.connector.alice")

	prepare := ilp.Prepare{
		Amount:             50,
		ExpiresAt:          c.Now().Add(time.Minute),
		ExecutionCondition: [32]byte{1},
		Destination:        addr(t, "g.connector.alice"),
	}
	resp := h.Process(context.Background(), "peerA", prepare)
	reject, ok := resp.(ilp.Reject)
	require.True(t, ok, "no route is configured for this destination")
	require.Equal(t, "no route", reject.Message, "registering the receiver must bypass the self-destination rejection")
}

func TestHandlerRejectsPausedPeer(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	table := routing.New("self")
	require.NoError(t, table.Add(routing.Route{Prefix: addr(t, "g.connector.dest"), NextHop: "peerB", Priority: 1}))
	limiter := ratelimit.New(ratelimit.Config{
		Default: ratelimit.ClassLimits{MaxRequestsPerSecond: 1000, MaxRequestsPerMinute: 100000, BurstSize: 1000},
	}, c, nil, nil)
	sink := &fakeSink{}
	h := New(Config{SelfPrefix: addr(t, "g.connector")}, c, limiter, table,
		&fakePauseStatus{paused: map[string]bool{"peerA": true}}, sink, nil,
		func(string) (Sender, bool) { return &fakeSender{}, true })

	prepare := ilp.Prepare{
		Amount:             50,
		ExpiresAt:          c.Now().Add(time.Minute),
		ExecutionCondition: [32]byte{1},
		Destination:        addr(t, "g.connector.dest.alice"),
	}
	resp := h.Process(context.Background(), "peerA", prepare)
	reject, ok := resp.(ilp.Reject)
	require.True(t, ok)
	require.Equal(t, ilp.F99ApplicationError, reject.Code)
}

func TestHandlerRejectsRateLimitedPeer(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	table := routing.New("self")
	require.NoError(t, table.Add(routing.Route{Prefix: addr(t, "g.connector.dest"), NextHop: "peerB", Priority: 1}))
	limiter := ratelimit.New(ratelimit.Config{
		Default: ratelimit.ClassLimits{MaxRequestsPerSecond: 1, MaxRequestsPerMinute: 1, BurstSize: 1},
	}, c, nil, nil)
	sink := &fakeSink{}
	h := New(Config{SelfPrefix: addr(t, "g.connector")}, c, limiter, table, &fakePauseStatus{paused: map[string]bool{}}, sink, nil,
		func(string) (Sender, bool) { return &fakeSender{respond: func(context.Context, ilp.Prepare) (ilp.Packet, error) {
			return ilp.Fulfill{}, nil
		}}, true })

	prepare := ilp.Prepare{
		Amount:             50,
		ExpiresAt:          c.Now().Add(time.Minute),
		ExecutionCondition: [32]byte{1},
		Destination:        addr(t, "g.connector.dest.alice"),
	}
	h.Process(context.Background(), "peerA", prepare) // consumes the single token
	resp := h.Process(context.Background(), "peerA", prepare)
	reject, ok := resp.(ilp.Reject)
	require.True(t, ok)
	require.Equal(t, ilp.T05RateLimited, reject.Code)
}

func TestHandlerTimeoutProducesReject(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	sender := &fakeSender{respond: func(context.Context, ilp.Prepare) (ilp.Packet, error) {
		return ilp.Reject{Code: ilp.R00TransferTimedOut, Message: "timed out"}, ilp.ErrParse // any non-nil error path
	}}
	h, sink := newTestHandler(t, c, addr(t, "g.connector"), sender, "peerB")

	prepare := ilp.Prepare{
		Amount:             50,
		ExpiresAt:          c.Now().Add(time.Minute),
		ExecutionCondition: [32]byte{1},
		Destination:        addr(t, "g.connector.dest.alice"),
	}
	resp := h.Process(context.Background(), "peerA", prepare)
	reject, ok := resp.(ilp.Reject)
	require.True(t, ok)
	require.Equal(t, ilp.R00TransferTimedOut, reject.Code)
	require.True(t, sink.has("PACKET_PROCESSED"))
	require.True(t, sink.has("PACKET_TIMEOUT"))
}

func TestHandlerSessionClosedProducesPeerUnreachableReject(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	sender := &fakeSender{respond: func(context.Context, ilp.Prepare) (ilp.Packet, error) {
		return nil, btp.ErrSessionClosed
	}}
	h, sink := newTestHandler(t, c, addr(t, "g.connector"), sender, "peerB")

	prepare := ilp.Prepare{
		Amount:             50,
		ExpiresAt:          c.Now().Add(time.Minute),
		ExecutionCondition: [32]byte{1},
		Destination:        addr(t, "g.connector.dest.alice"),
	}
	resp := h.Process(context.Background(), "peerA", prepare)
	reject, ok := resp.(ilp.Reject)
	require.True(t, ok)
	require.Equal(t, ilp.T01PeerUnreachable, reject.Code, "a closed session is a peer-unreachable condition, not a timeout")
	require.True(t, sink.has("PACKET_TIMEOUT"))
}

func TestHandlerRejectsZeroAmount(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	h, _ := newTestHandler(t, c, addr(t, "g.connector"), &fakeSender{}, "peerB")

	prepare := ilp.Prepare{
		Amount:             0,
		ExpiresAt:          c.Now().Add(time.Minute),
		ExecutionCondition: [32]byte{1},
		Destination:        addr(t, "g.connector.dest.alice"),
	}
	resp := h.Process(context.Background(), "peerA", prepare)
	reject, ok := resp.(ilp.Reject)
	require.True(t, ok)
	require.Equal(t, ilp.F04InsufficientDstAmount, reject.Code)
}

func TestHandlerRejectsAmountTooLarge(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	h, _ := newTestHandler(t, c, addr(t, "g.connector"), &fakeSender{}, "peerB")

	prepare := ilp.Prepare{
		Amount:             MaxReasonableAmount + 1,
		ExpiresAt:          c.Now().Add(time.Minute),
		ExecutionCondition: [32]byte{1},
		Destination:        addr(t, "g.connector.dest.alice"),
	}
	resp := h.Process(context.Background(), "peerA", prepare)
	reject, ok := resp.(ilp.Reject)
	require.True(t, ok)
	require.Equal(t, ilp.F08AmountTooLarge, reject.Code)
}
