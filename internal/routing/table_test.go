package routing

import (
	"testing"

	"github.com/ilp-connector/connector/internal/ilp"
	"github.com/stretchr/testify/require"
)

func addr(t *testing.T, raw string) ilp.Address {
	t.Helper()
	a, err := ilp.ParseAddress(raw)
	require.NoError(t, err)
	return a
}

func TestLongestPrefixWins(t *testing.T) {
	tbl := New("self")
	require.NoError(t, tbl.Add(Route{Prefix: addr(t, "g"), NextHop: "default", Priority: 0}))
	require.NoError(t, tbl.Add(Route{Prefix: addr(t, "g.bob"), NextHop: "peerB", Priority: 0}))

	r, err := tbl.Lookup(addr(t, "g.bob.alice"))
	require.NoError(t, err)
	require.Equal(t, "peerB", r.NextHop)

	r, err = tbl.Lookup(addr(t, "g.carol"))
	require.NoError(t, err)
	require.Equal(t, "default", r.NextHop)
}

func TestPriorityBreaksTiesAtSamePrefix(t *testing.T) {
	tbl := New("self")
	require.NoError(t, tbl.Add(Route{Prefix: addr(t, "g.bob"), NextHop: "low", Priority: 1}))
	require.NoError(t, tbl.Add(Route{Prefix: addr(t, "g.bob"), NextHop: "high", Priority: 5}))

	r, err := tbl.Lookup(addr(t, "g.bob"))
	require.NoError(t, err)
	require.Equal(t, "high", r.NextHop)
}

func TestInsertionOrderBreaksRemainingTies(t *testing.T) {
	tbl := New("self")
	require.NoError(t, tbl.Add(Route{Prefix: addr(t, "g.bob"), NextHop: "first", Priority: 1}))
	require.NoError(t, tbl.Add(Route{Prefix: addr(t, "g.bob"), NextHop: "second", Priority: 1}))

	r, err := tbl.Lookup(addr(t, "g.bob"))
	require.NoError(t, err)
	require.Equal(t, "first", r.NextHop)
}

func TestNoRoute(t *testing.T) {
	tbl := New("self")
	_, err := tbl.Lookup(addr(t, "g.nowhere"))
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestSegmentBoundaryAlignment(t *testing.T) {
	tbl := New("self")
	require.NoError(t, tbl.Add(Route{Prefix: addr(t, "g.bob"), NextHop: "peerB", Priority: 0}))

	// "g.bobby" must NOT match the "g.bob" prefix — it is a different
	// segment, not a sub-path of it.
	_, err := tbl.Lookup(addr(t, "g.bobby"))
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestSelfRouteRejected(t *testing.T) {
	tbl := New("self")
	err := tbl.Add(Route{Prefix: addr(t, "g.bob"), NextHop: "self", Priority: 0})
	require.ErrorIs(t, err, ErrSelfRoute)

	_, lookupErr := tbl.Lookup(addr(t, "g.bob"))
	require.ErrorIs(t, lookupErr, ErrNoRoute, "rejected route must never be installed")
}

func TestReplaceIsAtomic(t *testing.T) {
	tbl := New("self")
	require.NoError(t, tbl.Add(Route{Prefix: addr(t, "g.bob"), NextHop: "old", Priority: 0}))
	require.NoError(t, tbl.Replace(addr(t, "g.bob"), Route{Prefix: addr(t, "g.bob"), NextHop: "new", Priority: 0}))

	r, err := tbl.Lookup(addr(t, "g.bob"))
	require.NoError(t, err)
	require.Equal(t, "new", r.NextHop)
}

func TestRemove(t *testing.T) {
	tbl := New("self")
	require.NoError(t, tbl.Add(Route{Prefix: addr(t, "g.bob"), NextHop: "peerB", Priority: 0}))
	tbl.Remove(addr(t, "g.bob"), "peerB")

	_, err := tbl.Lookup(addr(t, "g.bob"))
	require.ErrorIs(t, err, ErrNoRoute)
}
