package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ilp-connector/connector/internal/events"
)

func mkEvent(typ, peerID string, ts time.Time) events.TelemetryEvent {
	return events.TelemetryEvent{Type: typ, Source: "test", Subject: peerID, Time: ts, Data: map[string]interface{}{}}
}

func TestStoreAssignsIncreasingSeq(t *testing.T) {
	s := NewMemoryStore(0, nil)
	a, err := s.Store(mkEvent("X", "peerA", time.Unix(1, 0)))
	require.NoError(t, err)
	b, err := s.Store(mkEvent("X", "peerA", time.Unix(2, 0)))
	require.NoError(t, err)
	require.Equal(t, a.Seq+1, b.Seq)
}

func TestQueryDefaultsNewestFirst(t *testing.T) {
	s := NewMemoryStore(0, nil)
	for i := 0; i < 3; i++ {
		_, err := s.Store(mkEvent("X", "peerA", time.Unix(int64(i), 0)))
		require.NoError(t, err)
	}
	results, err := s.Query(Filter{Limit: 100})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.True(t, results[0].Seq > results[1].Seq)
	require.True(t, results[1].Seq > results[2].Seq)
}

func TestQueryAscendingForHydration(t *testing.T) {
	s := NewMemoryStore(0, nil)
	for i := 0; i < 3; i++ {
		_, err := s.Store(mkEvent("X", "peerA", time.Unix(int64(i), 0)))
		require.NoError(t, err)
	}
	results, err := s.Query(Filter{Limit: 5000, Order: OrderAscending})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.True(t, results[0].Seq < results[1].Seq)
}

func TestQueryFiltersByTypeAndPeer(t *testing.T) {
	s := NewMemoryStore(0, nil)
	_, _ = s.Store(mkEvent("PACKET_FULFILLED", "peerA", time.Now()))
	_, _ = s.Store(mkEvent("PACKET_REJECTED", "peerA", time.Now()))
	_, _ = s.Store(mkEvent("PACKET_FULFILLED", "peerB", time.Now()))

	results, err := s.Query(Filter{Types: []string{"PACKET_FULFILLED"}, PeerID: "peerA", Limit: 100})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "peerA", results[0].PeerID)
}

func TestQueryRespectsSinceUntil(t *testing.T) {
	s := NewMemoryStore(0, nil)
	_, _ = s.Store(mkEvent("X", "p", time.Unix(100, 0)))
	_, _ = s.Store(mkEvent("X", "p", time.Unix(200, 0)))
	_, _ = s.Store(mkEvent("X", "p", time.Unix(300, 0)))

	results, err := s.Query(Filter{Since: time.Unix(150, 0), Until: time.Unix(250, 0), Limit: 100})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestPaginationOffsetLimit(t *testing.T) {
	s := NewMemoryStore(0, nil)
	for i := 0; i < 10; i++ {
		_, _ = s.Store(mkEvent("X", "p", time.Unix(int64(i), 0)))
	}
	page, err := s.Query(Filter{Limit: 3, Offset: 8, Order: OrderAscending})
	require.NoError(t, err)
	require.Len(t, page, 2)
}

func TestCountSizeTotal(t *testing.T) {
	s := NewMemoryStore(0, nil)
	for i := 0; i < 5; i++ {
		_, _ = s.Store(mkEvent("X", "p", time.Now()))
	}
	total, err := s.Total()
	require.NoError(t, err)
	require.Equal(t, 5, total)

	count, err := s.Count(Filter{Types: []string{"X"}})
	require.NoError(t, err)
	require.Equal(t, 5, count)

	size, err := s.Size()
	require.NoError(t, err)
	require.Greater(t, size, int64(0))
}

type evictSink struct {
	fired bool
}

func (e *evictSink) Emit(eventType, _, _ string, _ map[string]interface{}) {
	if eventType == "DATABASE_SIZE_EXCEEDED" {
		e.fired = true
	}
}

func TestSizeCapEvictsOldestFIFO(t *testing.T) {
	sink := &evictSink{}
	s := NewMemoryStore(200, sink) // tiny cap, each event costs well over a dozen bytes

	var first StoredEvent
	for i := 0; i < 20; i++ {
		se, err := s.Store(mkEvent("X", "p", time.Unix(int64(i), 0)))
		require.NoError(t, err)
		if i == 0 {
			first = se
		}
	}

	require.True(t, sink.fired, "eviction must have occurred under the tiny cap")

	results, err := s.Query(Filter{Limit: 100, Order: OrderAscending})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Greater(t, results[0].Seq, first.Seq, "the oldest event must have been evicted")

	total, _ := s.Total()
	require.Less(t, total, 20)
}

func TestEvictedSeqNotReused(t *testing.T) {
	s := NewMemoryStore(200, nil)
	var lastSeq uint64
	for i := 0; i < 20; i++ {
		se, err := s.Store(mkEvent("X", "p", time.Unix(int64(i), 0)))
		require.NoError(t, err)
		require.Greater(t, se.Seq, lastSeq)
		lastSeq = se.Seq
	}
}
