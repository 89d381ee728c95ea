// Package store implements the append-only, filterable persistence layer
// for telemetry events (the connector's transaction/event history), with
// in-memory, Postgres, and Spanner backends sharing one interface.
package store

import (
	"sort"
	"time"

	"github.com/ilp-connector/connector/internal/events"
)

// StoredEvent is a TelemetryEvent persisted with a monotonically
// increasing sequence number and the indexed columns query filters on.
type StoredEvent struct {
	Seq       uint64
	Type      string
	Source    string
	Subject   string
	PeerID    string
	PacketID  string
	Direction string
	Time      time.Time
	Data      map[string]interface{}
}

func fromTelemetry(seq uint64, ev events.TelemetryEvent) StoredEvent {
	se := StoredEvent{
		Seq:     seq,
		Type:    ev.Type,
		Source:  ev.Source,
		Subject: ev.Subject,
		PeerID:  ev.Subject,
		Time:    ev.Time,
		Data:    ev.Data,
	}
	if v, ok := ev.Data["packetId"].(string); ok {
		se.PacketID = v
	}
	if v, ok := ev.Data["direction"].(string); ok {
		se.Direction = v
	}
	return se
}

// Order selects ascending or descending result ordering.
type Order int

const (
	OrderDescending Order = iota
	OrderAscending
)

// Filter narrows a Query. Limit must be in [1,100] for event queries, or
// up to 5000 for oldest-first hydration queries (the explorer server
// enforces both bounds); Offset must be >= 0.
type Filter struct {
	Types     []string
	Since     time.Time
	Until     time.Time
	PeerID    string
	PacketID  string
	Direction string
	Limit     int
	Offset    int
	Order     Order
}

func (f Filter) matches(e StoredEvent) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Time.After(f.Until) {
		return false
	}
	if f.PeerID != "" && e.PeerID != f.PeerID {
		return false
	}
	if f.PacketID != "" && e.PacketID != f.PacketID {
		return false
	}
	if f.Direction != "" && e.Direction != f.Direction {
		return false
	}
	return true
}

// Store is the append-only event log's public surface. Implementations
// must keep Seq monotonically increasing even across evictions.
type Store interface {
	Store(ev events.TelemetryEvent) (StoredEvent, error)
	Query(f Filter) ([]StoredEvent, error)
	Count(f Filter) (int, error)
	Size() (int64, error)
	Total() (int, error)
	Close() error
}

// EvictionSink receives a DATABASE_SIZE_EXCEEDED warning whenever the
// size cap forces an eviction.
type EvictionSink interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

type noopSink struct{}

func (noopSink) Emit(string, string, string, map[string]interface{}) {}

func approxSize(e StoredEvent) int64 {
	n := int64(len(e.Type) + len(e.Source) + len(e.Subject) + len(e.PeerID) + len(e.PacketID) + len(e.Direction) + 32)
	for k, v := range e.Data {
		n += int64(len(k) + 16)
		if s, ok := v.(string); ok {
			n += int64(len(s))
		}
	}
	return n
}

func sortEvents(evs []StoredEvent, order Order) {
	sort.Slice(evs, func(i, j int) bool {
		if order == OrderAscending {
			return evs[i].Seq < evs[j].Seq
		}
		return evs[i].Seq > evs[j].Seq
	})
}

func paginate(evs []StoredEvent, offset, limit int) []StoredEvent {
	if offset >= len(evs) {
		return nil
	}
	evs = evs[offset:]
	if limit > 0 && limit < len(evs) {
		evs = evs[:limit]
	}
	return evs
}
