package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ilp-connector/connector/internal/clock"
)

type captureSink struct {
	mu     sync.Mutex
	events []string
}

func (s *captureSink) Emit(eventType, _, _ string, _ map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
}

func (s *captureSink) has(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func TestRunCycleAnnouncesAndMergesPeers(t *testing.T) {
	remote := Peer{NodeID: "peer-b", BTPEndpoint: "wss://b", ILPAddress: "g.b"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]Peer{remote})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := clock.NewManual(time.Unix(0, 0))
	connected := make(chan Peer, 1)
	connector := func(ctx context.Context, p Peer) error {
		connected <- p
		return nil
	}

	l := New(Config{
		Self:      Descriptor{NodeID: "peer-a"},
		Endpoints: []string{srv.URL},
	}, c, connector, nil, nil)

	l.Start()
	defer l.Stop()

	select {
	case p := <-connected:
		require.Equal(t, "peer-b", p.NodeID)
	case <-time.After(time.Second):
		t.Fatal("expected connector to be invoked for newly discovered peer")
	}

	require.Eventually(t, func() bool {
		return len(l.DiscoveredPeers()) == 1
	}, time.Second, time.Millisecond)
}

func TestMergeExcludesSelf(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	l := New(Config{Self: Descriptor{NodeID: "peer-a"}}, c, nil, nil, nil)

	l.merge([]Peer{{NodeID: "peer-a"}, {NodeID: "peer-b"}})

	peers := l.DiscoveredPeers()
	require.Len(t, peers, 1)
	require.Equal(t, "peer-b", peers[0].NodeID)
}

func TestMergeDeduplicatesByNodeID(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	l := New(Config{Self: Descriptor{NodeID: "peer-a"}}, c, nil, nil, nil)

	l.merge([]Peer{{NodeID: "peer-b", Version: "1"}})
	l.merge([]Peer{{NodeID: "peer-b", Version: "2"}})

	peers := l.DiscoveredPeers()
	require.Len(t, peers, 1)
	require.Equal(t, "2", peers[0].Version)
}

func TestConnectWithRetryExhaustsAndEmitsFailure(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	sink := &captureSink{}
	attempts := 0
	connector := func(ctx context.Context, p Peer) error {
		attempts++
		return context.DeadlineExceeded
	}

	l := New(Config{Self: Descriptor{NodeID: "peer-a"}, MaxConnectRetries: 2}, c, connector, sink, nil)
	l.connectWithRetry(Peer{NodeID: "peer-b"})

	require.Equal(t, 2, attempts)
	require.True(t, sink.has("peer-connect-exhausted"))
	require.False(t, sink.has("peer-discovered"))
}

func TestConnectWithRetrySucceedsEventually(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	sink := &captureSink{}
	attempts := 0
	connector := func(ctx context.Context, p Peer) error {
		attempts++
		if attempts < 2 {
			return context.DeadlineExceeded
		}
		return nil
	}

	l := New(Config{Self: Descriptor{NodeID: "peer-a"}, MaxConnectRetries: 3}, c, connector, sink, nil)
	l.connectWithRetry(Peer{NodeID: "peer-b"})

	require.Equal(t, 2, attempts)
	require.True(t, sink.has("peer-discovered"))
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []string
}

func (s *fakeScheduler) Schedule(_ context.Context, _ time.Duration, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, nodeID)
	return nil
}

func TestConnectWithRetryDelegatesToSchedulerOnFirstFailure(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	sink := &captureSink{}
	attempts := 0
	connector := func(ctx context.Context, p Peer) error {
		attempts++
		return context.DeadlineExceeded
	}

	l := New(Config{Self: Descriptor{NodeID: "peer-a"}, MaxConnectRetries: 5}, c, connector, sink, nil)
	sched := &fakeScheduler{}
	l.UseRetryScheduler(sched)

	l.connectWithRetry(Peer{NodeID: "peer-b"})

	require.Equal(t, 1, attempts)
	require.Equal(t, []string{"peer-b"}, sched.scheduled)
	require.False(t, sink.has("peer-connect-exhausted"))
}

func TestRetryHandlerReconnectsKnownPeer(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	sink := &captureSink{}
	connector := func(ctx context.Context, p Peer) error { return nil }
	l := New(Config{Self: Descriptor{NodeID: "peer-a"}}, c, connector, sink, nil)
	l.merge([]Peer{{NodeID: "peer-b"}})

	req := httptest.NewRequest(http.MethodGet, "/internal/discovery/retry?nodeId=peer-b", nil)
	w := httptest.NewRecorder()
	l.RetryHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, sink.has("peer-discovered"))
}

func TestRetryHandlerReturnsNotFoundForUnknownPeer(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	l := New(Config{Self: Descriptor{NodeID: "peer-a"}}, c, func(context.Context, Peer) error { return nil }, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/internal/discovery/retry?nodeId=ghost", nil)
	w := httptest.NewRecorder()
	l.RetryHandler(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestFetchFailureIsWarningNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := clock.NewManual(time.Unix(0, 0))
	sink := &captureSink{}
	l := New(Config{Self: Descriptor{NodeID: "peer-a"}, Endpoints: []string{srv.URL}}, c, nil, sink, nil)

	require.NotPanics(t, l.runCycle)
	require.True(t, sink.has("discovery-fetch-failed"))
}
