package store

import (
	"sync"
	"sync/atomic"

	"github.com/ilp-connector/connector/internal/events"
)

const defaultMaxSizeBytes = 100 * 1024 * 1024

// MemoryStore is an in-process Store, used for tests and single-node
// deployments. Eviction is FIFO by Seq once MaxSizeBytes is exceeded.
type MemoryStore struct {
	MaxSizeBytes int64

	sink EvictionSink

	mu       sync.RWMutex
	events   []StoredEvent
	sizeUsed int64
	seq      uint64
}

// NewMemoryStore constructs a MemoryStore. maxSizeBytes <= 0 uses the
// 100 MB default.
func NewMemoryStore(maxSizeBytes int64, sink EvictionSink) *MemoryStore {
	if maxSizeBytes <= 0 {
		maxSizeBytes = defaultMaxSizeBytes
	}
	if sink == nil {
		sink = noopSink{}
	}
	return &MemoryStore{MaxSizeBytes: maxSizeBytes, sink: sink}
}

func (m *MemoryStore) Store(ev events.TelemetryEvent) (StoredEvent, error) {
	seq := atomic.AddUint64(&m.seq, 1)
	se := fromTelemetry(seq, ev)
	size := approxSize(se)

	m.mu.Lock()
	m.events = append(m.events, se)
	m.sizeUsed += size
	evicted := 0
	for m.sizeUsed > m.MaxSizeBytes && len(m.events) > 0 {
		m.sizeUsed -= approxSize(m.events[0])
		m.events = m.events[1:]
		evicted++
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.sink.Emit("DATABASE_SIZE_EXCEEDED", "store", "", map[string]interface{}{
			"evicted": evicted, "maxSizeBytes": m.MaxSizeBytes,
		})
	}
	return se, nil
}

func (m *MemoryStore) Query(f Filter) ([]StoredEvent, error) {
	m.mu.RLock()
	var matched []StoredEvent
	for _, e := range m.events {
		if f.matches(e) {
			matched = append(matched, e)
		}
	}
	m.mu.RUnlock()

	sortEvents(matched, f.Order)
	return paginate(matched, f.Offset, f.Limit), nil
}

func (m *MemoryStore) Count(f Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.events {
		if f.matches(e) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Size() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeUsed, nil
}

func (m *MemoryStore) Total() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events), nil
}

func (m *MemoryStore) Close() error { return nil }
