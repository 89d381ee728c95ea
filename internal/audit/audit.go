// Package audit implements the connector's append-only security audit
// trail: BTP auth events, fraud detections, pause/resume, and settlement
// operations, with field redaction before anything is persisted or
// logged.
package audit

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const maxRows = 1000

var redactedKeys = map[string]bool{
	"privatekey":      true,
	"mnemonic":        true,
	"secret":          true,
	"pin":             true,
	"credentials":     true,
	"secretaccesskey": true,
	"clientsecret":    true,
}

// Entry is one audit record. AgentID identifies the peer or subject the
// operation concerns.
type Entry struct {
	Timestamp time.Time
	AgentID   string
	Operation string
	Data      map[string]interface{}
}

// Sink is an append-only, capped, redacting audit log. Mutation is
// exposed only via Clear, which exists for test isolation.
type Sink struct {
	mu      sync.Mutex
	entries []Entry
	tap     *KernelTap
}

// NewSink constructs an empty Sink.
func NewSink() *Sink {
	return &Sink{}
}

// AttachKernelTap wires an optional kernel ring-buffer consumer whose
// decoded events are recorded as SOCKET_TAP audit entries.
func (s *Sink) AttachKernelTap(tap *KernelTap) {
	s.tap = tap
	if tap != nil {
		tap.onEvent = s.recordTapEvent
	}
}

func (s *Sink) recordTapEvent(agentID string, data map[string]interface{}) {
	s.Record(agentID, "SOCKET_TAP", data)
}

// Record appends a redacted entry, evicting the oldest row if the log is
// at capacity.
func (s *Sink) Record(agentID, operation string, data map[string]interface{}) {
	entry := Entry{
		Timestamp: time.Now(),
		AgentID:   agentID,
		Operation: operation,
		Data:      redact(data),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > maxRows {
		s.entries = s.entries[len(s.entries)-maxRows:]
	}
}

// Filter narrows a Query.
type Filter struct {
	AgentID   string
	Operation string
	Since     time.Time
	Until     time.Time
}

// Query returns matching entries, newest-first, capped at 1000 rows.
func (s *Sink) Query(f Filter) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Entry
	for _, e := range s.entries {
		if f.AgentID != "" && e.AgentID != f.AgentID {
			continue
		}
		if f.Operation != "" && e.Operation != f.Operation {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
	if len(matched) > maxRows {
		matched = matched[:maxRows]
	}
	return matched
}

// Clear empties the log. Intended for test isolation only.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// redact returns a copy of data with any key matching the sensitive-field
// list (case-insensitive) replaced by "[REDACTED]", recursing into nested
// maps.
func redact(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if redactedKeys[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}
