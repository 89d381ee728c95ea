// Package events implements the in-process telemetry pub/sub bus: bounded,
// per-subscriber delivery queues, ordered dispatch, and isolation of
// handler failures from one another.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultQueueSize is the minimum bounded queue size per spec §4.9.
const defaultQueueSize = 1024

// TelemetryEvent is the envelope delivered to every subscriber.
type TelemetryEvent struct {
	Type    string
	Source  string
	Subject string
	Time    time.Time
	Data    map[string]interface{}
}

// Handler receives a TelemetryEvent. Handlers that panic are caught and
// logged; the panic never propagates to the publisher or other
// subscribers.
type Handler func(TelemetryEvent)

// Unsubscribe detaches a subscription and stops its dispatcher goroutine.
type Unsubscribe func()

type subscription struct {
	handler Handler
	types   map[string]bool // empty/nil means "all types"

	mu      sync.Mutex
	queue   []TelemetryEvent
	wake    chan struct{}
	closed  chan struct{}
	closeOnce sync.Once
}

func newSubscription(handler Handler, types []string) *subscription {
	var typeSet map[string]bool
	if len(types) > 0 {
		typeSet = make(map[string]bool, len(types))
		for _, t := range types {
			typeSet[t] = true
		}
	}
	return &subscription{
		handler: handler,
		types:   typeSet,
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

func (s *subscription) matches(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	return s.types[eventType]
}

// push enqueues ev, dropping the oldest queued event if the subscriber's
// bounded queue is already full. Returns true if an event was dropped.
func (s *subscription) push(ev TelemetryEvent, capacity int) (dropped bool) {
	s.mu.Lock()
	if len(s.queue) >= capacity {
		s.queue = s.queue[1:]
		dropped = true
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return dropped
}

func (s *subscription) pop() (TelemetryEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return TelemetryEvent{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

func (s *subscription) run(logger *slog.Logger) {
	for {
		for {
			ev, ok := s.pop()
			if !ok {
				break
			}
			s.deliver(ev, logger)
		}
		select {
		case <-s.wake:
		case <-s.closed:
			return
		}
	}
}

func (s *subscription) deliver(ev TelemetryEvent, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("telemetry subscriber handler panicked", slog.Any("panic", r), slog.String("eventType", ev.Type))
		}
	}()
	s.handler(ev)
}

func (s *subscription) stop() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Bus is an in-process pub/sub event bus with bounded, ordered,
// per-subscriber delivery.
type Bus struct {
	mu          sync.RWMutex
	subs        map[*subscription]struct{}
	queueSize   int
	logger      *slog.Logger
	droppedCount int64
}

// NewBus constructs a Bus. queueSize must be >= 1024 per spec; values
// below that floor are raised to it.
func NewBus(queueSize int, logger *slog.Logger) *Bus {
	if queueSize < defaultQueueSize {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:      make(map[*subscription]struct{}),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Subscribe registers handler for the named eventTypes (or all types if
// none given) and starts its dispatcher goroutine. The returned func
// detaches the subscription.
func (b *Bus) Subscribe(handler Handler, eventTypes ...string) Unsubscribe {
	sub := newSubscription(handler, eventTypes)

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(b.logger)

	return func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.stop()
	}
}

// Publish delivers ev to every matching subscriber's queue.
func (b *Bus) Publish(ev TelemetryEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.matches(ev.Type) {
			continue
		}
		if sub.push(ev, b.queueSize) {
			atomic.AddInt64(&b.droppedCount, 1)
		}
	}
}

// Emit builds and publishes a TelemetryEvent. Implements the
// ratelimit.MetricsSink / fraud.MetricsSink / handler.EventSink
// collaborator interfaces used throughout the connector.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(TelemetryEvent{
		Type:    eventType,
		Source:  source,
		Subject: subject,
		Time:    time.Now(),
		Data:    data,
	})
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedCount returns the running total of events dropped for being
// queued to a full subscriber (the TELEMETRY_DROPPED counter).
func (b *Bus) DroppedCount() int64 {
	return atomic.LoadInt64(&b.droppedCount)
}
