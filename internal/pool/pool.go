// Package pool implements a generic, self-healing connection pool over
// any client type, patterned after the teacher's GhostContainer pool
// (pre-warm, acquire, health-check, reconnect) but generalized from
// Docker sandboxes to arbitrary endpoints (settlement drivers, peer
// transports, anything with a create/disconnect/health-check factory).
package pool

import (
	"log"
	"sync"
	"time"

	"github.com/ilp-connector/connector/internal/clock"
)

// ConnectionFactory creates, disconnects, and health-checks clients for
// a single endpoint.
type ConnectionFactory[Client any] interface {
	Create(endpoint string) (Client, error)
	Disconnect(client Client) error
	HealthCheck(client Client) bool
}

// MetricsSink receives pool lifecycle notifications.
type MetricsSink interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

type noopSink struct{}

func (noopSink) Emit(string, string, string, map[string]interface{}) {}

// Config tunes reconnect behavior.
type Config struct {
	PoolSize             int
	HealthCheckInterval  time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 1
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	return c
}

type entry[Client any] struct {
	endpoint string
	client   Client
	healthy  bool
}

// ConnectionPool maintains one connection per configured endpoint
// (bounded by PoolSize), serving them round-robin and re-establishing
// unhealthy ones in the background.
type ConnectionPool[Client any] struct {
	cfg     Config
	factory ConnectionFactory[Client]
	clock   clock.Clock
	sink    MetricsSink
	logger  *log.Logger

	mu      sync.Mutex
	entries []*entry[Client]
	next    int

	stop chan struct{}
	done chan struct{}
}

// New constructs a pool. Call Initialize to populate it.
func New[Client any](cfg Config, factory ConnectionFactory[Client], c clock.Clock, sink MetricsSink, logger *log.Logger) *ConnectionPool[Client] {
	if sink == nil {
		sink = noopSink{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[POOL] ", log.LstdFlags)
	}
	return &ConnectionPool[Client]{
		cfg:     cfg.withDefaults(),
		factory: factory,
		clock:   c,
		sink:    sink,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Initialize connects up to min(PoolSize, len(endpoints)) endpoints and
// starts the background health-check/reconnect loop.
func (p *ConnectionPool[Client]) Initialize(endpoints []string) error {
	n := p.cfg.PoolSize
	if len(endpoints) < n {
		n = len(endpoints)
	}

	p.mu.Lock()
	for i := 0; i < n; i++ {
		ep := endpoints[i]
		client, err := p.factory.Create(ep)
		if err != nil {
			p.logger.Printf("initial connect to %s failed: %v", ep, err)
			p.entries = append(p.entries, &entry[Client]{endpoint: ep, healthy: false})
			continue
		}
		p.entries = append(p.entries, &entry[Client]{endpoint: ep, client: client, healthy: true})
	}
	p.mu.Unlock()

	ticker := p.clock.NewTicker(p.cfg.HealthCheckInterval)
	go p.healthLoop(ticker)
	return nil
}

// Get returns the next healthy client in round-robin order, or false if
// every connection is currently unhealthy.
func (p *ConnectionPool[Client]) Get() (Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero Client
	if len(p.entries) == 0 {
		return zero, false
	}
	for i := 0; i < len(p.entries); i++ {
		idx := (p.next + i) % len(p.entries)
		if p.entries[idx].healthy {
			p.next = (idx + 1) % len(p.entries)
			return p.entries[idx].client, true
		}
	}
	return zero, false
}

func (p *ConnectionPool[Client]) healthLoop(ticker clock.Ticker) {
	defer close(p.done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			p.checkAndReconnect()
		case <-p.stop:
			return
		}
	}
}

func (p *ConnectionPool[Client]) checkAndReconnect() {
	p.mu.Lock()
	entries := make([]*entry[Client], len(p.entries))
	copy(entries, p.entries)
	p.mu.Unlock()

	for _, e := range entries {
		p.mu.Lock()
		healthy := e.healthy
		client := e.client
		p.mu.Unlock()

		if healthy {
			if !p.factory.HealthCheck(client) {
				p.mu.Lock()
				e.healthy = false
				p.mu.Unlock()
				p.sink.Emit("connection-unhealthy", "pool", e.endpoint, map[string]interface{}{"endpoint": e.endpoint})
			}
			continue
		}

		p.reconnect(e)
	}
}

func (p *ConnectionPool[Client]) reconnect(e *entry[Client]) {
	for attempt := 1; attempt <= p.cfg.MaxReconnectAttempts; attempt++ {
		client, err := p.factory.Create(e.endpoint)
		if err == nil {
			p.mu.Lock()
			e.client = client
			e.healthy = true
			p.mu.Unlock()
			p.sink.Emit("connection-reconnected", "pool", e.endpoint, map[string]interface{}{"endpoint": e.endpoint, "attempt": attempt})
			return
		}
		p.logger.Printf("reconnect attempt %d/%d to %s failed: %v", attempt, p.cfg.MaxReconnectAttempts, e.endpoint, err)
		if attempt < p.cfg.MaxReconnectAttempts {
			<-p.clock.After(p.cfg.ReconnectDelay)
		}
	}
	p.sink.Emit("connection-failed", "pool", e.endpoint, map[string]interface{}{"endpoint": e.endpoint, "attempts": p.cfg.MaxReconnectAttempts})
}

// Shutdown stops the health-check loop and disconnects every connection
// currently marked healthy (errors logged, not returned). Connections
// marked unhealthy are not disconnected.
func (p *ConnectionPool[Client]) Shutdown() {
	close(p.stop)
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if !e.healthy {
			continue
		}
		if err := p.factory.Disconnect(e.client); err != nil {
			p.logger.Printf("disconnect %s failed: %v", e.endpoint, err)
		}
	}
}

// Stats reports pool composition for health/debug endpoints.
func (p *ConnectionPool[Client]) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	healthy := 0
	for _, e := range p.entries {
		if e.healthy {
			healthy++
		}
	}
	return map[string]interface{}{
		"total":   len(p.entries),
		"healthy": healthy,
	}
}
