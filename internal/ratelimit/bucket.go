// Package ratelimit implements the per-peer token bucket primitive and
// the multi-class, multi-peer rate limiter with circuit-breaker
// semantics described in spec §4.4-4.5.
package ratelimit

import (
	"errors"
	"math"
	"sync"

	"github.com/ilp-connector/connector/internal/clock"
)

// ErrInvalidBucketParams is returned by NewBucket for non-positive or
// non-finite capacity/refill rate.
var ErrInvalidBucketParams = errors.New("ratelimit: invalid bucket parameters")

// Bucket is a single-peer token bucket with lazy refill.
type Bucket struct {
	clock clock.Clock

	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens/sec
	tokens     float64
	lastRefill int64 // UnixNano, read/written only under mu
}

// NewBucket constructs a Bucket starting at full capacity.
func NewBucket(c clock.Clock, capacity, refillRate float64) (*Bucket, error) {
	if capacity <= 0 || refillRate <= 0 || math.IsNaN(capacity) || math.IsNaN(refillRate) ||
		math.IsInf(capacity, 0) || math.IsInf(refillRate, 0) {
		return nil, ErrInvalidBucketParams
	}
	return &Bucket{
		clock:      c,
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: c.Now().UnixNano(),
	}, nil
}

// refill applies lazy replenishment. Caller must hold b.mu. Bucket-local
// lock is never held across a suspension point — this method never
// blocks or performs I/O.
func (b *Bucket) refill() {
	now := b.clock.Now().UnixNano()
	elapsed := float64(now-b.lastRefill) / float64(1e9)
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+b.refillRate*elapsed)
	}
	b.lastRefill = now
}

// TryConsume attempts to consume n tokens (default 1), returning whether
// the consumption succeeded.
func (b *Bucket) TryConsume(n float64) bool {
	if n <= 0 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// AvailableTokens returns the current token count after a lazy refill.
func (b *Bucket) AvailableTokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Reset restores the bucket to full capacity.
func (b *Bucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.capacity
	b.lastRefill = b.clock.Now().UnixNano()
}

// SetRefillRate updates the refill rate (used by the adaptive multiplier
// in the rate limiter). Rate must remain positive and finite.
func (b *Bucket) SetRefillRate(rate float64) error {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return ErrInvalidBucketParams
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.refillRate = rate
	return nil
}
