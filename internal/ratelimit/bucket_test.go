package ratelimit

import (
	"testing"
	"time"

	"github.com/ilp-connector/connector/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestBucketRejectsInvalidParams(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	_, err := NewBucket(c, 0, 1)
	require.ErrorIs(t, err, ErrInvalidBucketParams)

	_, err = NewBucket(c, 1, -1)
	require.ErrorIs(t, err, ErrInvalidBucketParams)
}

func TestBucketConsumptionAndRefill(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	b, err := NewBucket(c, 5, 1) // capacity 5, refill 1/s
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.True(t, b.TryConsume(1))
	}
	require.False(t, b.TryConsume(1), "bucket should be empty")

	c.Advance(3 * time.Second)
	require.InDelta(t, 3.0, b.AvailableTokens(), 0.001)

	require.True(t, b.TryConsume(2))
	require.InDelta(t, 1.0, b.AvailableTokens(), 0.001)
}

func TestBucketNeverExceedsCapacity(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	b, err := NewBucket(c, 3, 10)
	require.NoError(t, err)

	c.Advance(10 * time.Second)
	require.Equal(t, 3.0, b.AvailableTokens())
}

func TestBucketAvailableTokensNonDecreasingWithoutConsumption(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	b, err := NewBucket(c, 10, 1)
	require.NoError(t, err)

	prev := b.AvailableTokens()
	for i := 0; i < 5; i++ {
		c.Advance(time.Second)
		cur := b.AvailableTokens()
		require.GreaterOrEqual(t, cur, prev)
		require.LessOrEqual(t, cur, 10.0)
		prev = cur
	}
}

func TestBucketReset(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	b, err := NewBucket(c, 4, 1)
	require.NoError(t, err)

	require.True(t, b.TryConsume(4))
	b.Reset()
	require.Equal(t, 4.0, b.AvailableTokens())
}
