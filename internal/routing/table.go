// Package routing implements the longest-prefix-match routing table used
// to pick a next-hop peer for a destination ILP address.
package routing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ilp-connector/connector/internal/ilp"
)

// ErrNoRoute is returned by Lookup when no route matches.
var ErrNoRoute = errors.New("routing: no route")

// ErrSelfRoute is returned by Add/Replace when nextHop equals the table's
// own node id.
var ErrSelfRoute = errors.New("routing: route resolves to self")

// Route associates an address prefix with a next-hop peer.
type Route struct {
	Prefix   ilp.Address
	NextHop  string
	Priority int
}

type entry struct {
	route Route
	seq   uint64
}

type node struct {
	children map[string]*node
	entries  []entry // routes whose prefix ends exactly at this node
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Table is a concurrency-safe longest-prefix-match routing table.
type Table struct {
	selfID string

	mu   sync.RWMutex
	root *node
	seq  uint64
}

// New creates a routing table that refuses routes whose next hop is selfID.
func New(selfID string) *Table {
	return &Table{selfID: selfID, root: newNode()}
}

// Add inserts a new route. Atomic with respect to concurrent lookups.
func (t *Table) Add(r Route) error {
	if r.NextHop == t.selfID {
		return fmt.Errorf("%w: prefix %s -> %s", ErrSelfRoute, r.Prefix, r.NextHop)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, seg := range r.Prefix.Segments() {
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}

	t.seq++
	n.entries = append(n.entries, entry{route: r, seq: t.seq})
	return nil
}

// Remove deletes every route at prefix whose next hop is nextHop. Use
// nextHop == "" to remove all routes at the prefix.
func (t *Table) Remove(prefix ilp.Address, nextHop string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, seg := range prefix.Segments() {
		child, ok := n.children[seg]
		if !ok {
			return
		}
		n = child
	}

	if nextHop == "" {
		n.entries = nil
		return
	}
	filtered := n.entries[:0]
	for _, e := range n.entries {
		if e.route.NextHop != nextHop {
			filtered = append(filtered, e)
		}
	}
	n.entries = filtered
}

// Replace atomically removes all routes at prefix and inserts r.
func (t *Table) Replace(prefix ilp.Address, r Route) error {
	if r.NextHop == t.selfID {
		return fmt.Errorf("%w: prefix %s -> %s", ErrSelfRoute, r.Prefix, r.NextHop)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, seg := range prefix.Segments() {
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}

	t.seq++
	n.entries = []entry{{route: r, seq: t.seq}}
	return nil
}

// Lookup finds the best route for destination: among routes whose prefix
// is a segment-aligned prefix of destination (or equal to it), the one
// with the longest prefix wins, ties broken by highest priority then
// earliest insertion.
func (t *Table) Lookup(destination ilp.Address) (Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *entry
	n := t.root

	considerDeepest := func(candidates []entry) {
		for i := range candidates {
			c := &candidates[i]
			if best == nil ||
				c.route.Priority > best.route.Priority ||
				(c.route.Priority == best.route.Priority && c.seq < best.seq) {
				best = c
			}
		}
	}

	// Root-level entries correspond to a zero-length prefix; none should
	// exist in practice but handle them for completeness before any
	// deeper match overrides (deeper always wins since we reset `best`
	// to the deepest node's candidates each time one is found).
	if len(n.entries) > 0 {
		considerDeepest(n.entries)
	}

	for _, seg := range destination.Segments() {
		child, ok := n.children[seg]
		if !ok {
			break
		}
		n = child
		if len(n.entries) > 0 {
			// A deeper match always beats a shallower one: reset.
			best = nil
			considerDeepest(n.entries)
		}
	}

	if best == nil {
		return Route{}, fmt.Errorf("%w: %s", ErrNoRoute, destination)
	}
	return best.route, nil
}
