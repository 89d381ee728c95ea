// Package metrics registers the connector's Prometheus instrumentation
// and subscribes it to the telemetry bus, in the teacher's
// promauto-registered-vectors style (see internal/escrow's Metrics).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ilp-connector/connector/internal/events"
)

// Metrics holds every Prometheus collector the connector exposes on its
// health port's /metrics endpoint.
type Metrics struct {
	PacketsProcessed   *prometheus.CounterVec
	PacketLatency      *prometheus.HistogramVec
	RateLimitOutcomes  *prometheus.CounterVec
	BucketTokens       *prometheus.GaugeVec
	BlockedPeers       *prometheus.GaugeVec
	BusEventsPublished prometheus.Counter
	BusEventsDropped   *prometheus.CounterVec
	PoolHealthyConns   *prometheus.GaugeVec
	PoolReconnects     *prometheus.CounterVec
	FraudDetections    *prometheus.CounterVec
	PeersPaused        *prometheus.GaugeVec
	SettlementsTotal   *prometheus.CounterVec
	DiscoveredPeers    prometheus.Gauge
}

// New constructs and registers all collectors against reg. Pass nil to
// register against prometheus's default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		PacketsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_packets_processed_total",
				Help: "Total ILP packets processed, by outcome",
			},
			[]string{"peer", "outcome"}, // outcome: fulfilled, rejected, timed_out
		),
		PacketLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "connector_packet_latency_seconds",
				Help:    "End-to-end latency of packet forwarding",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"peer"},
		),
		RateLimitOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_rate_limit_outcomes_total",
				Help: "Rate limiter check outcomes, by peer and class",
			},
			[]string{"peer", "class", "outcome"}, // outcome: allowed, throttled, blocked
		),
		BucketTokens: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "connector_rate_limit_bucket_tokens",
				Help: "Available tokens in a peer/class bucket",
			},
			[]string{"peer", "class"},
		),
		BlockedPeers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "connector_rate_limit_blocked_peers",
				Help: "Whether a peer is currently circuit-broken (1) or not (0)",
			},
			[]string{"peer"},
		),
		BusEventsPublished: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "connector_bus_events_published_total",
				Help: "Total telemetry events published on the event bus",
			},
		),
		BusEventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_bus_events_dropped_total",
				Help: "Total telemetry events dropped from a subscriber's bounded queue",
			},
			[]string{"subscriber"},
		),
		PoolHealthyConns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "connector_pool_healthy_connections",
				Help: "Healthy connections in a connection pool, by endpoint",
			},
			[]string{"endpoint"},
		),
		PoolReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_pool_reconnects_total",
				Help: "Connection pool reconnect attempts, by endpoint and result",
			},
			[]string{"endpoint", "result"}, // result: succeeded, failed
		),
		FraudDetections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_fraud_detections_total",
				Help: "Fraud rule detections, by peer and severity",
			},
			[]string{"peer", "severity"},
		),
		PeersPaused: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "connector_peers_paused",
				Help: "Whether a peer is currently paused by the fraud detector (1) or not (0)",
			},
			[]string{"peer"},
		),
		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_settlements_total",
				Help: "Settlement attempts, by peer and result",
			},
			[]string{"peer", "result"}, // result: completed, failed
		),
		DiscoveredPeers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "connector_discovered_peers",
				Help: "Number of peers currently known via discovery",
			},
		),
	}
}

// Subscribe wires these collectors to every telemetry event the bus
// emits, dispatching by event type. Unknown event types are ignored.
func (m *Metrics) Subscribe(bus *events.Bus) events.Unsubscribe {
	return bus.Subscribe(m.handle)
}

func (m *Metrics) handle(ev events.TelemetryEvent) {
	m.BusEventsPublished.Inc()

	peer, _ := ev.Data["peerId"].(string)
	if peer == "" {
		peer = ev.Subject
	}

	switch ev.Type {
	case "PACKET_PROCESSED":
		outcome, _ := ev.Data["outcome"].(string)
		m.PacketsProcessed.WithLabelValues(peer, outcome).Inc()
		if latency, ok := toFloat64(ev.Data["latencyMs"]); ok {
			m.PacketLatency.WithLabelValues(peer).Observe(latency / 1000)
		}
	case "RATE_LIMITED":
		class, _ := ev.Data["class"].(string)
		outcome, _ := ev.Data["outcome"].(string)
		m.RateLimitOutcomes.WithLabelValues(peer, class, outcome).Inc()
		if outcome == "blocked" {
			m.BlockedPeers.WithLabelValues(peer).Set(1)
		} else {
			m.BlockedPeers.WithLabelValues(peer).Set(0)
		}
		if tokens, ok := toFloat64(ev.Data["availableTokens"]); ok {
			m.BucketTokens.WithLabelValues(peer, class).Set(tokens)
		}
	case "connection-unhealthy":
		endpoint, _ := ev.Data["endpoint"].(string)
		m.PoolHealthyConns.WithLabelValues(endpoint).Set(0)
	case "connection-reconnected":
		endpoint, _ := ev.Data["endpoint"].(string)
		m.PoolHealthyConns.WithLabelValues(endpoint).Set(1)
		m.PoolReconnects.WithLabelValues(endpoint, "succeeded").Inc()
	case "connection-failed":
		endpoint, _ := ev.Data["endpoint"].(string)
		m.PoolReconnects.WithLabelValues(endpoint, "failed").Inc()
	case "FRAUD_DETECTED":
		severity, _ := ev.Data["severity"].(string)
		m.FraudDetections.WithLabelValues(peer, severity).Inc()
	case "PEER_PAUSED":
		m.PeersPaused.WithLabelValues(peer).Set(1)
	case "PEER_RESUMED":
		m.PeersPaused.WithLabelValues(peer).Set(0)
	case "SETTLEMENT_COMPLETED":
		m.SettlementsTotal.WithLabelValues(peer, "completed").Inc()
	case "SETTLEMENT_FAILED":
		m.SettlementsTotal.WithLabelValues(peer, "failed").Inc()
	case "peer-discovered":
		m.DiscoveredPeers.Inc()
	}
}

// RecordDrop increments the drop counter for subscriberLabel. The event
// bus does not call it: Bus keeps its own drop total (DroppedCount), and
// a drop is not itself published as a telemetry event.
func (m *Metrics) RecordDrop(subscriberLabel string) {
	m.BusEventsDropped.WithLabelValues(subscriberLabel).Inc()
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
