// Package telemetry implements the size/time-bounded event batcher that
// sits between the Event Bus and durable sinks (the Event Store,
// Explorer Server, or a Pub/Sub topic).
package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/ilp-connector/connector/internal/clock"
	"github.com/ilp-connector/connector/internal/events"
)

// FlushFunc persists one ordered batch. A returned error causes the
// batch to be re-queued at the front, in original order.
type FlushFunc func(batch []events.TelemetryEvent) error

// Config tunes the buffer's flush triggers.
type Config struct {
	BufferSize      int
	FlushIntervalMs int
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.FlushIntervalMs <= 0 {
		c.FlushIntervalMs = 100
	}
	return c
}

// MetricsSink receives buffer lifecycle notifications
// ("batch-flushed", "flush-error").
type MetricsSink interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

type noopSink struct{}

func (noopSink) Emit(string, string, string, map[string]interface{}) {}

// Buffer batches TelemetryEvents and flushes them through a user-supplied
// FlushFunc, preserving strict emission order across retries.
type Buffer struct {
	cfg    Config
	clock  clock.Clock
	flush  FlushFunc
	sink   MetricsSink
	logger *log.Logger

	mu       sync.Mutex
	pending  []events.TelemetryEvent
	flushing bool

	stop chan struct{}
	done chan struct{}
}

// New constructs a Buffer and starts its background flush-interval loop.
func New(cfg Config, c clock.Clock, flush FlushFunc, sink MetricsSink, logger *log.Logger) *Buffer {
	if sink == nil {
		sink = noopSink{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags)
	}
	b := &Buffer{
		cfg:    cfg.withDefaults(),
		clock:  c,
		flush:  flush,
		sink:   sink,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.intervalLoop()
	return b
}

// Push appends ev to the pending batch. If the pending count reaches
// BufferSize, flushes synchronously, looping until pending < BufferSize or
// a flush fails or is skipped because another flush is in progress.
func (b *Buffer) Push(ev events.TelemetryEvent) {
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	shouldFlush := len(b.pending) >= b.cfg.BufferSize
	b.mu.Unlock()

	if shouldFlush {
		b.drainFullBatches()
	}
}

func (b *Buffer) drainFullBatches() {
	for {
		b.mu.Lock()
		if len(b.pending) < b.cfg.BufferSize {
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		if !b.flushBatch(b.cfg.BufferSize) {
			return
		}
	}
}

func (b *Buffer) intervalLoop() {
	defer close(b.done)
	ticker := b.clock.NewTicker(time.Duration(b.cfg.FlushIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			b.mu.Lock()
			pending := len(b.pending)
			b.mu.Unlock()
			if pending > 0 {
				b.flushBatch(b.cfg.BufferSize)
			}
		case <-b.stop:
			return
		}
	}
}

// flushBatch flushes up to n pending events as a single-flight operation.
// If another flush is already in progress it is skipped; the interval
// loop or the next Push will retry. It reports whether a batch was
// flushed successfully.
func (b *Buffer) flushBatch(n int) bool {
	b.mu.Lock()
	if b.flushing {
		b.mu.Unlock()
		return false
	}
	b.flushing = true
	if n > len(b.pending) {
		n = len(b.pending)
	}
	batch := make([]events.TelemetryEvent, n)
	copy(batch, b.pending[:n])
	b.mu.Unlock()

	err := b.flush(batch)

	b.mu.Lock()
	b.flushing = false
	if err != nil {
		// Re-queue the exact batch at the front, in original order.
		b.pending = append(append([]events.TelemetryEvent{}, batch...), b.pending[n:]...)
	} else {
		b.pending = b.pending[n:]
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Printf("flush error, re-queued %d events: %v", len(batch), err)
		b.sink.Emit("flush-error", "telemetry", "", map[string]interface{}{"count": len(batch), "error": err.Error()})
		return false
	}
	b.sink.Emit("batch-flushed", "telemetry", "", map[string]interface{}{"count": len(batch), "timestamp": b.clock.Now()})
	return true
}

// Shutdown stops the interval loop and drains all pending events in
// batches of BufferSize.
func (b *Buffer) Shutdown() {
	close(b.stop)
	<-b.done

	for {
		b.mu.Lock()
		pending := len(b.pending)
		b.mu.Unlock()
		if pending == 0 {
			return
		}
		n := pending
		if n > b.cfg.BufferSize {
			n = b.cfg.BufferSize
		}
		b.flushBatch(n)
	}
}

// Pending returns the current number of unflushed events, for health
// reporting.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
