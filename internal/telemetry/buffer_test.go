package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ilp-connector/connector/internal/clock"
	"github.com/ilp-connector/connector/internal/events"
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

func (s *captureSink) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func ev(i int) events.TelemetryEvent {
	return events.TelemetryEvent{Type: "X", Data: map[string]interface{}{"i": i}}
}

func TestFlushesOnBufferSizeReached(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	var mu sync.Mutex
	var flushed [][]events.TelemetryEvent
	flushFn := func(batch []events.TelemetryEvent) error {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, batch)
		return nil
	}
	sink := &captureSink{}
	b := New(Config{BufferSize: 3, FlushIntervalMs: 10_000_000}, c, flushFn, sink, nil)
	defer b.Shutdown()

	for i := 0; i < 3; i++ {
		b.Push(ev(i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.Len(t, flushed[0], 3)
	mu.Unlock()
	require.Equal(t, 1, sink.count("batch-flushed"))
}

func TestFlushIntervalFiresWhenPendingBelowBufferSize(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	var mu sync.Mutex
	var flushed [][]events.TelemetryEvent
	flushFn := func(batch []events.TelemetryEvent) error {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, batch)
		return nil
	}
	b := New(Config{BufferSize: 100, FlushIntervalMs: 50}, c, flushFn, nil, nil)
	defer b.Shutdown()

	b.Push(ev(1))
	time.Sleep(10 * time.Millisecond) // allow intervalLoop's ticker registration
	c.Advance(60 * time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 1
	}, time.Second, time.Millisecond)
}

func TestFailedFlushRequeuesBatchInOrder(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	var calls int
	var mu sync.Mutex
	var succeeded []events.TelemetryEvent
	flushFn := func(batch []events.TelemetryEvent) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("transient failure")
		}
		succeeded = append(succeeded, batch...)
		return nil
	}
	sink := &captureSink{}
	b := New(Config{BufferSize: 2, FlushIntervalMs: 10_000_000}, c, flushFn, sink, nil)

	b.Push(ev(0))
	b.Push(ev(1))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1
	}, time.Second, time.Millisecond)

	require.Equal(t, 1, sink.count("flush-error"))
	require.Equal(t, 2, b.Pending(), "failed batch must be re-queued")

	b.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, succeeded, 2)
	require.Equal(t, 0, succeeded[0].Data["i"])
	require.Equal(t, 1, succeeded[1].Data["i"])
}

func TestShutdownDrainsAllPending(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	var mu sync.Mutex
	var total int
	flushFn := func(batch []events.TelemetryEvent) error {
		mu.Lock()
		defer mu.Unlock()
		total += len(batch)
		return nil
	}
	b := New(Config{BufferSize: 10, FlushIntervalMs: 10_000_000}, c, flushFn, nil, nil)

	for i := 0; i < 25; i++ {
		b.Push(ev(i))
	}
	b.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 25, total)
}
