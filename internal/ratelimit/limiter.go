package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ilp-connector/connector/internal/clock"
)

// Class is the category of traffic being rate-limited.
type Class string

const (
	ClassBTPConnection Class = "BTP_CONNECTION"
	ClassBTPMessage    Class = "BTP_MESSAGE"
	ClassILPPacket     Class = "ILP_PACKET"
	ClassSettlement    Class = "SETTLEMENT"
	ClassHTTPAPI       Class = "HTTP_API"
)

// Outcome is the result of a Check call.
type Outcome int

const (
	Allowed Outcome = iota
	Throttled
	Blocked
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Throttled:
		return "throttled"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// ErrBlocked is the error value for a peer whose circuit breaker is open.
// Check does not return it; Check reports that case as the Blocked outcome.
var ErrBlocked = errors.New("ratelimit: peer blocked")

const (
	minAdaptiveMultiplier = 0.1
	maxAdaptiveMultiplier = 10.0
	adaptiveStep          = 0.1
)

// ClassLimits are the tunable parameters for one (peer, class) bucket pair.
type ClassLimits struct {
	MaxRequestsPerSecond float64
	MaxRequestsPerMinute float64
	BurstSize            float64
}

// Config configures the Limiter.
type Config struct {
	Default                ClassLimits
	PeerLimits             map[string]ClassLimits // per-peer override, all classes
	TrustedPeers           map[string]bool
	ViolationThreshold     int
	ViolationWindowSeconds float64
	BlockDuration          time.Duration
	Adaptive               bool
}

// MetricsSink receives one event per Check outcome. Implemented by
// events.EventBus in production; nil-safe no-op otherwise.
type MetricsSink interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

type noopSink struct{}

func (noopSink) Emit(string, string, string, map[string]interface{}) {}

// BlockStore persists blockedUntil decisions so multiple connector
// processes share circuit-breaker state. RedisBlockStore is the
// production implementation; an in-memory map is the test/default.
type BlockStore interface {
	SetBlocked(ctx context.Context, peerID string, until time.Time) error
	GetBlocked(ctx context.Context, peerID string) (time.Time, bool, error)
	Clear(ctx context.Context, peerID string) error
}

type memoryBlockStore struct {
	mu   sync.RWMutex
	data map[string]time.Time
}

func newMemoryBlockStore() *memoryBlockStore {
	return &memoryBlockStore{data: make(map[string]time.Time)}
}

func (m *memoryBlockStore) SetBlocked(_ context.Context, peerID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[peerID] = until
	return nil
}

func (m *memoryBlockStore) GetBlocked(_ context.Context, peerID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[peerID]
	return v, ok, nil
}

func (m *memoryBlockStore) Clear(_ context.Context, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, peerID)
	return nil
}

type bucketPair struct {
	perSecond *Bucket
	perMinute *Bucket
}

type peerClassState struct {
	mu                 sync.Mutex
	buckets            bucketPair
	violations         []int64 // UnixNano timestamps, trimmed to window on access
	adaptiveMultiplier float64
}

// Limiter is the multi-peer, multi-class rate limiter with sliding
// window violation tracking and a circuit breaker.
type Limiter struct {
	cfg   Config
	clock clock.Clock
	sink  MetricsSink
	store BlockStore

	// Sharded by peerID: each shard serializes its own state so one
	// peer's traffic never contends with another's.
	mu     sync.RWMutex
	shards map[string]map[Class]*peerClassState
}

// New constructs a Limiter. sink and store may be nil (no-op / in-memory
// defaults are used).
func New(cfg Config, c clock.Clock, sink MetricsSink, store BlockStore) *Limiter {
	if cfg.Default.MaxRequestsPerSecond <= 0 {
		cfg.Default.MaxRequestsPerSecond = 10
	}
	if cfg.Default.MaxRequestsPerMinute <= 0 {
		cfg.Default.MaxRequestsPerMinute = 300
	}
	if cfg.Default.BurstSize <= 0 {
		cfg.Default.BurstSize = cfg.Default.MaxRequestsPerSecond
	}
	if cfg.ViolationThreshold <= 0 {
		cfg.ViolationThreshold = 5
	}
	if cfg.ViolationWindowSeconds <= 0 {
		cfg.ViolationWindowSeconds = 60
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 30 * time.Second
	}
	if sink == nil {
		sink = noopSink{}
	}
	if store == nil {
		store = newMemoryBlockStore()
	}
	return &Limiter{
		cfg:    cfg,
		clock:  c,
		sink:   sink,
		store:  store,
		shards: make(map[string]map[Class]*peerClassState),
	}
}

func (l *Limiter) limitsFor(peerID string) ClassLimits {
	if lim, ok := l.cfg.PeerLimits[peerID]; ok {
		return lim
	}
	return l.cfg.Default
}

func (l *Limiter) stateFor(peerID string, class Class) *peerClassState {
	l.mu.RLock()
	perPeer, ok := l.shards[peerID]
	if ok {
		if st, ok := perPeer[class]; ok {
			l.mu.RUnlock()
			return st
		}
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	perPeer, ok = l.shards[peerID]
	if !ok {
		perPeer = make(map[Class]*peerClassState)
		l.shards[peerID] = perPeer
	}
	if st, ok := perPeer[class]; ok {
		return st
	}

	limits := l.limitsFor(peerID)
	perSecond, _ := NewBucket(l.clock, limits.BurstSize, limits.MaxRequestsPerSecond)
	perMinute, _ := NewBucket(l.clock, limits.MaxRequestsPerMinute, limits.MaxRequestsPerMinute/60)
	st := &peerClassState{
		buckets:            bucketPair{perSecond: perSecond, perMinute: perMinute},
		adaptiveMultiplier: 1.0,
	}
	perPeer[class] = st
	return st
}

// Check decides whether a request from peerID of the given class is
// allowed, throttled, or blocked. Never blocks the caller.
func (l *Limiter) Check(ctx context.Context, peerID string, class Class) Outcome {
	if until, blocked, _ := l.store.GetBlocked(ctx, peerID); blocked {
		if l.clock.Now().Before(until) {
			l.emit("RATE_LIMITED", peerID, class, Blocked, 0)
			return Blocked
		}
		_ = l.store.Clear(ctx, peerID)
	}

	st := l.stateFor(peerID, class)

	st.mu.Lock()
	secondOK := st.buckets.perSecond.TryConsume(1)
	minuteOK := secondOK && st.buckets.perMinute.TryConsume(1)
	outcome := Allowed
	if !secondOK || !minuteOK {
		outcome = Throttled
		now := l.clock.Now()
		st.violations = appendViolation(st.violations, now.UnixNano(), l.cfg.ViolationWindowSeconds)

		if l.cfg.Adaptive {
			st.adaptiveMultiplier -= adaptiveStep
			if st.adaptiveMultiplier < minAdaptiveMultiplier {
				st.adaptiveMultiplier = minAdaptiveMultiplier
			}
			rate := l.limitsFor(peerID).MaxRequestsPerSecond * st.adaptiveMultiplier
			_ = st.buckets.perSecond.SetRefillRate(rate)
		}

		trusted := l.cfg.TrustedPeers[peerID]
		if !trusted && len(st.violations) >= l.cfg.ViolationThreshold {
			until := now.Add(l.cfg.BlockDuration)
			tokens := st.buckets.perSecond.AvailableTokens()
			st.mu.Unlock()
			_ = l.store.SetBlocked(ctx, peerID, until)
			l.emit("RATE_LIMITED", peerID, class, Blocked, tokens)
			return Blocked
		}
	}
	tokens := st.buckets.perSecond.AvailableTokens()
	st.mu.Unlock()

	l.emit("RATE_LIMITED", peerID, class, outcome, tokens)
	return outcome
}

func appendViolation(violations []int64, now int64, windowSeconds float64) []int64 {
	cutoff := now - int64(windowSeconds*1e9)
	kept := violations[:0]
	for _, v := range violations {
		if v >= cutoff {
			kept = append(kept, v)
		}
	}
	return append(kept, now)
}

func (l *Limiter) emit(eventType, peerID string, class Class, outcome Outcome, availableTokens float64) {
	l.sink.Emit(eventType, "ratelimit", peerID, map[string]interface{}{
		"peerId":          peerID,
		"class":           string(class),
		"outcome":         outcome.String(),
		"availableTokens": availableTokens,
	})
}

// Unblock clears the circuit breaker for peerID immediately: the stored
// block and the peer's violation history are cleared, and its buckets
// return to full capacity.
func (l *Limiter) Unblock(ctx context.Context, peerID string) error {
	l.mu.RLock()
	for _, st := range l.shards[peerID] {
		st.mu.Lock()
		st.violations = nil
		st.buckets.perSecond.Reset()
		st.buckets.perMinute.Reset()
		st.mu.Unlock()
	}
	l.mu.RUnlock()
	return l.store.Clear(ctx, peerID)
}

// IncreaseTrust raises the adaptive multiplier for every class bucket of
// peerID, up to the cap, in response to an external trust signal.
func (l *Limiter) IncreaseTrust(peerID string, step float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, st := range l.shards[peerID] {
		st.mu.Lock()
		st.adaptiveMultiplier += step
		if st.adaptiveMultiplier > maxAdaptiveMultiplier {
			st.adaptiveMultiplier = maxAdaptiveMultiplier
		}
		limits := l.limitsFor(peerID)
		_ = st.buckets.perSecond.SetRefillRate(limits.MaxRequestsPerSecond * st.adaptiveMultiplier)
		st.mu.Unlock()
	}
}

// BlockedPeers returns the peers currently subject to the circuit
// breaker, according to the backing BlockStore's SetBlocked calls made
// through this Limiter instance since process start (best-effort —
// the in-memory store only knows about this process; the Redis store
// spans the fleet).
func (l *Limiter) BlockedPeers(ctx context.Context, candidates []string) []string {
	var blocked []string
	for _, peerID := range candidates {
		if until, ok, _ := l.store.GetBlocked(ctx, peerID); ok && l.clock.Now().Before(until) {
			blocked = append(blocked, peerID)
		}
	}
	return blocked
}
