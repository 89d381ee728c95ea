// Package discovery implements the connector's peer discovery loop:
// periodically announcing this node's descriptor to configured discovery
// endpoints, fetching and merging their peer lists, and handing newly
// discovered peers to a caller-supplied connector with bounded retries.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ilp-connector/connector/internal/clock"
)

// Descriptor is this node's self-announcement, POSTed to every discovery
// endpoint each broadcast cycle.
type Descriptor struct {
	NodeID       string   `json:"nodeId"`
	BTPEndpoint  string   `json:"btpEndpoint"`
	ILPAddress   string   `json:"ilpAddress"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// Peer is a remote node as reported by a discovery endpoint's /api/v1/peers.
type Peer struct {
	NodeID       string   `json:"nodeId"`
	BTPEndpoint  string   `json:"btpEndpoint"`
	ILPAddress   string   `json:"ilpAddress"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// Connector attempts to establish a peer session for a discovered peer. It
// is supplied by the caller (typically the BTP session manager).
type Connector func(ctx context.Context, p Peer) error

// MetricsSink receives discovery lifecycle notifications.
type MetricsSink interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

type noopSink struct{}

func (noopSink) Emit(string, string, string, map[string]interface{}) {}

// Config tunes the discovery loop.
type Config struct {
	Self              Descriptor
	Endpoints         []string
	BroadcastInterval time.Duration
	MaxConnectRetries int
	HTTPTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = 60 * time.Second
	}
	if c.MaxConnectRetries <= 0 {
		c.MaxConnectRetries = 3
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 5 * time.Second
	}
	return c
}

// Loop periodically broadcasts this node's descriptor and merges the peer
// lists returned by every configured discovery endpoint, deduplicated by
// nodeId and excluding self.
type Loop struct {
	cfg       Config
	clock     clock.Clock
	connector Connector
	sink      MetricsSink
	logger    *log.Logger
	client    *http.Client

	mu    sync.RWMutex
	peers map[string]Peer

	scheduler RetryScheduler

	stop chan struct{}
	done chan struct{}
}

// New constructs a discovery loop. Call Start to begin broadcasting.
func New(cfg Config, c clock.Clock, connector Connector, sink MetricsSink, logger *log.Logger) *Loop {
	if sink == nil {
		sink = noopSink{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[DISCOVERY] ", log.LstdFlags)
	}
	cfg = cfg.withDefaults()
	return &Loop{
		cfg:       cfg,
		clock:     c,
		connector: connector,
		sink:      sink,
		logger:    logger,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		peers:  make(map[string]Peer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// UseRetryScheduler switches connect-retry scheduling from the default
// in-process loop to an external scheduler (e.g. CloudTasksScheduler),
// making retries durable across process restarts. RetryHandler must be
// wired to the scheduler's callback URL for this to take effect.
func (l *Loop) UseRetryScheduler(s RetryScheduler) {
	l.scheduler = s
}

// RetryHandler re-attempts connecting to a previously discovered peer,
// identified by the "nodeId" query parameter. It is the HTTP callback
// target for an external RetryScheduler.
func (l *Loop) RetryHandler(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("nodeId")
	l.mu.RLock()
	p, ok := l.peers[nodeID]
	l.mu.RUnlock()
	if !ok || l.connector == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), l.cfg.HTTPTimeout)
	defer cancel()
	if err := l.connector(ctx, p); err != nil {
		l.logger.Printf("discovery: scheduled retry for %s failed: %v", nodeID, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	l.sink.Emit("peer-discovered", "discovery", nodeID, map[string]interface{}{"nodeId": nodeID, "via": "scheduled-retry"})
	w.WriteHeader(http.StatusOK)
}

// Start runs the broadcast/fetch/merge cycle on a ticker until Stop is
// called. Every cycle's network failures are logged as warnings; none are
// fatal.
func (l *Loop) Start() {
	go func() {
		defer close(l.done)
		ticker := l.clock.NewTicker(l.cfg.BroadcastInterval)
		defer ticker.Stop()

		l.runCycle()
		for {
			select {
			case <-ticker.C():
				l.runCycle()
			case <-l.stop:
				return
			}
		}
	}()
}

// Stop halts the broadcast loop. It does not disconnect already-connected
// peers.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

// DiscoveredPeers returns the current deduplicated, self-excluded peer set.
func (l *Loop) DiscoveredPeers() []Peer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Peer, 0, len(l.peers))
	for _, p := range l.peers {
		out = append(out, p)
	}
	return out
}

func (l *Loop) runCycle() {
	for _, endpoint := range l.cfg.Endpoints {
		l.announce(endpoint)
		fetched, err := l.fetchPeers(endpoint)
		if err != nil {
			l.logger.Printf("discovery: fetch from %s failed: %v", endpoint, err)
			l.sink.Emit("discovery-fetch-failed", "discovery", endpoint, map[string]interface{}{"error": err.Error()})
			continue
		}
		l.merge(fetched)
	}
}

func (l *Loop) announce(endpoint string) {
	body, err := json.Marshal(l.cfg.Self)
	if err != nil {
		l.logger.Printf("discovery: marshal self descriptor: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, endpoint+"/api/v1/peers", bytes.NewReader(body))
	if err != nil {
		l.logger.Printf("discovery: build announce request for %s: %v", endpoint, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Printf("discovery: announce to %s failed: %v", endpoint, err)
		l.sink.Emit("discovery-announce-failed", "discovery", endpoint, map[string]interface{}{"error": err.Error()})
		return
	}
	resp.Body.Close()
}

func (l *Loop) fetchPeers(endpoint string) ([]Peer, error) {
	resp, err := l.client.Get(endpoint + "/api/v1/peers")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}

	var peers []Peer
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		return nil, fmt.Errorf("decode peer list from %s: %w", endpoint, err)
	}
	return peers, nil
}

// merge deduplicates incoming peers by nodeId, excludes self, and attempts
// a connection to any peer not already known.
func (l *Loop) merge(fetched []Peer) {
	for _, p := range fetched {
		if p.NodeID == "" || p.NodeID == l.cfg.Self.NodeID {
			continue
		}

		l.mu.Lock()
		_, known := l.peers[p.NodeID]
		l.peers[p.NodeID] = p
		l.mu.Unlock()

		if !known && l.connector != nil {
			go l.connectWithRetry(p)
		}
	}
}

// connectWithRetry attempts to connect to a newly discovered peer up to
// MaxConnectRetries times; on exhaustion the peer is skipped until the
// next discovery cycle re-merges it.
func (l *Loop) connectWithRetry(p Peer) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.HTTPTimeout)
	err := l.connector(ctx, p)
	cancel()
	if err == nil {
		l.sink.Emit("peer-discovered", "discovery", p.NodeID, map[string]interface{}{"nodeId": p.NodeID, "attempt": 1})
		return
	}
	l.logger.Printf("discovery: connect attempt 1/%d to %s failed: %v", l.cfg.MaxConnectRetries, p.NodeID, err)

	if l.scheduler != nil {
		if schedErr := l.scheduler.Schedule(context.Background(), 0, p.NodeID); schedErr != nil {
			l.logger.Printf("discovery: schedule retry for %s failed: %v", p.NodeID, schedErr)
		}
		return
	}

	for attempt := 2; attempt <= l.cfg.MaxConnectRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.HTTPTimeout)
		err := l.connector(ctx, p)
		cancel()
		if err == nil {
			l.sink.Emit("peer-discovered", "discovery", p.NodeID, map[string]interface{}{"nodeId": p.NodeID, "attempt": attempt})
			return
		}
		l.logger.Printf("discovery: connect attempt %d/%d to %s failed: %v", attempt, l.cfg.MaxConnectRetries, p.NodeID, err)
	}
	l.sink.Emit("peer-connect-exhausted", "discovery", p.NodeID, map[string]interface{}{"nodeId": p.NodeID, "attempts": l.cfg.MaxConnectRetries})
}
