package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/ilp-connector/connector/internal/clock"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, c *clock.Manual, cfg Config) *Limiter {
	t.Helper()
	return New(cfg, c, nil, nil)
}

func TestLimiterBurstThenThrottle(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	lim := newTestLimiter(t, c, Config{
		Default: ClassLimits{MaxRequestsPerSecond: 1, MaxRequestsPerMinute: 1000, BurstSize: 5},
	})
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 10; i++ {
		if lim.Check(ctx, "peerA", ClassILPPacket) == Allowed {
			allowed++
		}
	}
	require.Equal(t, 5, allowed, "exactly burstSize requests should be forwarded")
}

func TestLimiterPeersAreIndependent(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	lim := newTestLimiter(t, c, Config{
		Default: ClassLimits{MaxRequestsPerSecond: 1, MaxRequestsPerMinute: 1000, BurstSize: 2},
	})
	ctx := context.Background()

	require.Equal(t, Allowed, lim.Check(ctx, "peerA", ClassILPPacket))
	require.Equal(t, Allowed, lim.Check(ctx, "peerA", ClassILPPacket))
	require.Equal(t, Throttled, lim.Check(ctx, "peerA", ClassILPPacket))

	// peerB's bucket must be untouched by peerA's exhaustion.
	require.Equal(t, Allowed, lim.Check(ctx, "peerB", ClassILPPacket))
}

func TestLimiterCircuitBreakerTripsAndRecovers(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	lim := newTestLimiter(t, c, Config{
		Default:                ClassLimits{MaxRequestsPerSecond: 1, MaxRequestsPerMinute: 1000, BurstSize: 1},
		ViolationThreshold:     3,
		ViolationWindowSeconds: 10,
		BlockDuration:          30 * time.Second,
	})
	ctx := context.Background()

	require.Equal(t, Allowed, lim.Check(ctx, "peerA", ClassILPPacket))
	for i := 0; i < 3; i++ {
		lim.Check(ctx, "peerA", ClassILPPacket) // 3 throttles
	}

	require.Equal(t, Blocked, lim.Check(ctx, "peerA", ClassILPPacket))

	c.Advance(31 * time.Second)
	require.NotEqual(t, Blocked, lim.Check(ctx, "peerA", ClassILPPacket))
}

func TestLimiterTrustedPeersNeverBlocked(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	lim := newTestLimiter(t, c, Config{
		Default:                ClassLimits{MaxRequestsPerSecond: 1, MaxRequestsPerMinute: 1000, BurstSize: 1},
		ViolationThreshold:     2,
		ViolationWindowSeconds: 10,
		TrustedPeers:           map[string]bool{"trusted": true},
	})
	ctx := context.Background()

	lim.Check(ctx, "trusted", ClassILPPacket)
	for i := 0; i < 5; i++ {
		out := lim.Check(ctx, "trusted", ClassILPPacket)
		require.NotEqual(t, Blocked, out)
	}
}

func TestLimiterUnblock(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	lim := newTestLimiter(t, c, Config{
		Default:                ClassLimits{MaxRequestsPerSecond: 1, MaxRequestsPerMinute: 1000, BurstSize: 1},
		ViolationThreshold:     1,
		ViolationWindowSeconds: 10,
		BlockDuration:          time.Hour,
	})
	ctx := context.Background()

	lim.Check(ctx, "peerA", ClassILPPacket)
	require.Equal(t, Blocked, lim.Check(ctx, "peerA", ClassILPPacket))

	require.NoError(t, lim.Unblock(ctx, "peerA"))
	require.NotEqual(t, Blocked, lim.Check(ctx, "peerA", ClassILPPacket))
}
