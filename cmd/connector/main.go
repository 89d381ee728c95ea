// Command connector runs one ILP connector node: it loads configuration,
// wires every component together, serves BTP over WebSocket and the
// Explorer/metrics HTTP surfaces, and shuts down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ilp-connector/connector/internal/audit"
	"github.com/ilp-connector/connector/internal/btp"
	"github.com/ilp-connector/connector/internal/clock"
	"github.com/ilp-connector/connector/internal/config"
	"github.com/ilp-connector/connector/internal/discovery"
	"github.com/ilp-connector/connector/internal/events"
	"github.com/ilp-connector/connector/internal/explorer"
	"github.com/ilp-connector/connector/internal/fraud"
	"github.com/ilp-connector/connector/internal/handler"
	"github.com/ilp-connector/connector/internal/ilp"
	"github.com/ilp-connector/connector/internal/metrics"
	"github.com/ilp-connector/connector/internal/ratelimit"
	"github.com/ilp-connector/connector/internal/routing"
	"github.com/ilp-connector/connector/internal/settlement"
	"github.com/ilp-connector/connector/internal/store"
	"github.com/ilp-connector/connector/internal/telemetry"
)

// Exit codes per the connector's operational contract.
const (
	exitOK           = 0
	exitFatalStartup = 1
	exitConfigError  = 2
	exitInterrupted  = 130

	shutdownGraceDefault = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := loadConfig()
	if err != nil {
		log.Printf("connector: configuration error: %v", err)
		return exitConfigError
	}

	logLevel := slog.LevelInfo
	if cfg.Node.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	n, err := newNode(cfg, logger)
	if err != nil {
		logger.Error("connector: failed to start", "error", err)
		return exitFatalStartup
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go n.serveBTP(serveErr)
	go n.serveHTTP(serveErr)

	select {
	case sig := <-sigChan:
		logger.Info("connector: received shutdown signal, shutting down gracefully", "signal", sig.String())
		n.shutdown()
		return exitInterrupted
	case err := <-serveErr:
		logger.Error("connector: listener failed", "error", err)
		n.shutdown()
		return exitFatalStartup
	}
}

func loadConfig() (*config.Config, error) {
	// Best-effort: a .env file is a developer convenience, not a
	// deployment requirement, so a missing file is not an error.
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("connector: loading %s: %w", path, err)
		}
		cfg = &config.Config{}
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// node holds every wired component for the lifetime of one process.
type node struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	bus       *events.Bus
	metrics   *metrics.Metrics
	table     *routing.Table
	limiter   *ratelimit.Limiter
	detector  *fraud.Detector
	manager   *btp.Manager
	handler   *handler.Handler
	evStore   store.Store
	telemetry *telemetry.Buffer
	explorer  *explorer.Server
	auditSink *audit.Sink
	discLoop  *discovery.Loop
	settleOrc *settlement.Orchestrator

	pubsubSink      *events.PubSubSink
	cloudTasksSched *discovery.CloudTasksScheduler

	unsubMetrics events.Unsubscribe
	unsubSettle  events.Unsubscribe
	unsubPubSub  events.Unsubscribe

	peerSecrets map[string][]byte

	upgrader     websocket.Upgrader
	healthServer *http.Server
	btpServer    *http.Server

	shutdownOnce bool
}

func newNode(cfg *config.Config, logger *slog.Logger) (*node, error) {
	n := &node{
		cfg:    cfg,
		logger: logger,
		clock:  clock.Real{},
	}

	n.bus = events.NewBus(cfg.Telemetry.BufferSize, logger)
	n.metrics = metrics.New(nil)
	n.unsubMetrics = n.metrics.Subscribe(n.bus)

	n.auditSink = audit.NewSink()

	n.peerSecrets = make(map[string][]byte, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		n.peerSecrets[pc.ID] = []byte(pc.AuthToken)
	}

	selfAddr, err := ilp.ParseAddress(cfg.Node.ILPAddress)
	if err != nil {
		return nil, fmt.Errorf("connector: invalid node ilp_address: %w", err)
	}
	n.table = routing.New(cfg.Node.NodeID)
	for _, rc := range cfg.Routes {
		prefix, err := ilp.ParseAddress(rc.Prefix)
		if err != nil {
			return nil, fmt.Errorf("connector: invalid route prefix %q: %w", rc.Prefix, err)
		}
		if err := n.table.Add(routing.Route{Prefix: prefix, NextHop: rc.NextHop, Priority: rc.Priority}); err != nil {
			return nil, fmt.Errorf("connector: adding route %q: %w", rc.Prefix, err)
		}
	}

	n.limiter = ratelimit.New(ratelimitConfig(cfg), n.clock, n.bus, nil)

	var peerStatus handler.PeerStatus
	if cfg.Fraud.Enabled {
		n.detector = fraud.New(fraudConfig(cfg), n.clock, n.bus, logger)
		peerStatus = n.detector
	}

	n.handler = handler.New(
		handler.Config{SelfPrefix: selfAddr},
		n.clock,
		n.limiter,
		n.table,
		peerStatus,
		n.bus,
		logger,
		n.sessionFor,
	)

	adapter := &sessionEventAdapter{handler: n.handler, bus: n.bus, audit: n.auditSink, logger: logger}
	n.manager = btp.NewManager(n.clock, adapter, logger)

	n.evStore, err = newEventStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("connector: event store: %w", err)
	}

	n.telemetry = telemetry.New(
		telemetry.Config{BufferSize: cfg.Telemetry.BufferSize, FlushIntervalMs: cfg.Telemetry.FlushIntervalMs},
		n.clock,
		n.flushTelemetry,
		n.bus,
		log.New(os.Stdout, "[TELEMETRY] ", log.LstdFlags),
	)
	n.bus.Subscribe(func(ev events.TelemetryEvent) { n.telemetry.Push(ev) })

	if cfg.Telemetry.PubSubProjectID != "" && cfg.Telemetry.PubSubTopicID != "" {
		sink, perr := events.NewPubSubSink(cfg.Telemetry.PubSubProjectID, cfg.Telemetry.PubSubTopicID, logger)
		if perr != nil {
			logger.Warn("connector: pubsub telemetry sink unavailable, continuing without it", "error", perr)
		} else {
			n.pubsubSink = sink
			n.unsubPubSub = sink.AttachTo(n.bus)
		}
	}

	n.explorer, err = explorer.New(explorer.Config{
		NodeID:        cfg.Node.NodeID,
		PeersFetch:    n.fetchPeers,
		RoutesFetch:   n.fetchRoutes,
		BalancesFetch: n.fetchBalances,
	}, n.evStore, n.bus)
	if err != nil {
		return nil, fmt.Errorf("connector: explorer server: %w", err)
	}

	if err := n.attachKernelTap(); err != nil {
		logger.Warn("connector: kernel audit tap unavailable, continuing without it", "error", err)
	}

	if driver, derr := newSettlementDriver(cfg); derr != nil {
		logger.Warn("connector: settlement driver unavailable, settlement disabled", "error", derr)
	} else if driver != nil {
		orc, unsub := settlement.NewOrchestrator(driver, n.bus, log.New(os.Stdout, "[SETTLEMENT] ", log.LstdFlags))
		n.settleOrc = orc
		n.unsubSettle = unsub
	}

	if cfg.Discovery.Enabled {
		n.discLoop = discovery.New(discovery.Config{
			Self: discovery.Descriptor{
				NodeID:      cfg.Node.NodeID,
				BTPEndpoint: cfg.Discovery.AnnounceAddress,
				ILPAddress:  cfg.Node.ILPAddress,
			},
			Endpoints:         cfg.Discovery.DiscoveryEndpoints,
			BroadcastInterval: time.Duration(cfg.Discovery.BroadcastInterval) * time.Second,
		}, n.clock, n.connectDiscoveredPeer, n.bus, log.New(os.Stdout, "[DISCOVERY] ", log.LstdFlags))

		if cfg.Discovery.CloudTasksQueue != "" && cfg.Discovery.CloudTasksTargetURL != "" {
			parts := strings.Split(cfg.Discovery.CloudTasksQueue, "/")
			if len(parts) == 6 && parts[0] == "projects" && parts[2] == "locations" && parts[4] == "queues" {
				sched, serr := discovery.NewCloudTasksScheduler(context.Background(), parts[1], parts[3], parts[5], cfg.Discovery.CloudTasksTargetURL)
				if serr != nil {
					logger.Warn("connector: cloud tasks retry scheduler unavailable, using in-process retry", "error", serr)
				} else {
					n.discLoop.UseRetryScheduler(sched)
					n.cloudTasksSched = sched
				}
			} else {
				logger.Warn("connector: cloud_tasks_queue malformed, expected projects/<p>/locations/<l>/queues/<q>")
			}
		}
	}

	for _, pc := range cfg.Peers {
		pc := pc
		go n.dialPeer(pc)
	}

	n.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return n, nil
}

func ratelimitConfig(cfg *config.Config) ratelimit.Config {
	peerLimits := make(map[string]ratelimit.ClassLimits, len(cfg.RateLimits.PeerLimits))
	for peerID, l := range cfg.RateLimits.PeerLimits {
		peerLimits[peerID] = ratelimit.ClassLimits{
			MaxRequestsPerSecond: l.MaxRequestsPerSecond,
			MaxRequestsPerMinute: l.MaxRequestsPerMinute,
			BurstSize:            l.BurstSize,
		}
	}
	trusted := make(map[string]bool, len(cfg.RateLimits.TrustedPeers))
	for _, p := range cfg.RateLimits.TrustedPeers {
		trusted[p] = true
	}
	return ratelimit.Config{
		Default: ratelimit.ClassLimits{
			MaxRequestsPerSecond: cfg.RateLimits.MaxRequestsPerSecond,
			MaxRequestsPerMinute: cfg.RateLimits.MaxRequestsPerMinute,
			BurstSize:            cfg.RateLimits.BurstSize,
		},
		PeerLimits:             peerLimits,
		TrustedPeers:           trusted,
		ViolationThreshold:     cfg.RateLimits.ViolationThreshold,
		ViolationWindowSeconds: cfg.RateLimits.ViolationWindowSeconds,
		BlockDuration:          time.Duration(cfg.RateLimits.BlockDurationSec) * time.Second,
		Adaptive:               cfg.RateLimits.Adaptive,
	}
}

func fraudConfig(cfg *config.Config) fraud.Config {
	threshold := fraud.SeverityHigh
	switch cfg.Fraud.AutoPauseThreshold {
	case "critical":
		threshold = fraud.SeverityCritical
	case "medium":
		threshold = fraud.SeverityMedium
	case "low":
		threshold = fraud.SeverityLow
	}
	return fraud.Config{AutoPauseThreshold: threshold}
}

func newEventStore(cfg *config.Config) (store.Store, error) {
	switch {
	case cfg.Telemetry.EventStorePath == "" || cfg.Telemetry.EventStorePath == "memory":
		return store.NewMemoryStore(cfg.Telemetry.MaxDatabaseBytes, nil), nil
	case len(cfg.Telemetry.EventStorePath) > 9 && cfg.Telemetry.EventStorePath[:9] == "postgres:":
		return store.NewPostgresStore(cfg.Telemetry.EventStorePath, cfg.Telemetry.MaxDatabaseBytes, nil)
	case len(cfg.Telemetry.EventStorePath) > 8 && cfg.Telemetry.EventStorePath[:8] == "spanner:":
		return store.NewSpannerStore(context.Background(), cfg.Telemetry.EventStorePath[8:], cfg.Telemetry.MaxDatabaseBytes, nil)
	default:
		return store.NewMemoryStore(cfg.Telemetry.MaxDatabaseBytes, nil), nil
	}
}

func newSettlementDriver(cfg *config.Config) (settlement.SettlementDriver, error) {
	if !cfg.Settlement.Enabled {
		return nil, nil
	}
	if cfg.Settlement.DriverAddr == "" {
		return settlement.NewMemoryDriver(nil), nil
	}
	return settlement.DialGRPCDriver(cfg.Settlement.DriverAddr)
}

func (n *node) flushTelemetry(batch []events.TelemetryEvent) error {
	for _, ev := range batch {
		if _, err := n.evStore.Store(ev); err != nil {
			return err
		}
	}
	return nil
}

// attachKernelTap wires an optional eBPF-backed socket tap into the audit
// sink. No map reader is pinned here, so the tap always runs in mock
// mode; a deployment wanting real kernel visibility attaches a ringbuf
// reader from a loaded program before calling this.
func (n *node) attachKernelTap() error {
	tap, err := audit.NewKernelTap(nil)
	if err != nil {
		return err
	}
	n.auditSink.AttachKernelTap(tap)
	tap.Start()
	return nil
}

func (n *node) sessionFor(peerID string) (handler.Sender, bool) {
	s, ok := n.manager.Get(peerID)
	if !ok {
		return nil, false
	}
	return s, true
}

// explorerPeerRow is the Explorer's /api/peers row: connected peer id plus
// whether the rate limiter's circuit breaker currently has it blocked.
type explorerPeerRow struct {
	PeerID  string `json:"peerId"`
	Blocked bool   `json:"blocked"`
}

func (n *node) fetchPeers(r *http.Request) (interface{}, error) {
	ids := n.manager.Peers()
	blockedIDs := n.limiter.BlockedPeers(r.Context(), ids)
	blocked := make(map[string]bool, len(blockedIDs))
	for _, id := range blockedIDs {
		blocked[id] = true
	}

	out := make([]explorerPeerRow, len(ids))
	for i, id := range ids {
		out[i] = explorerPeerRow{PeerID: id, Blocked: blocked[id]}
	}
	return out, nil
}

func (n *node) fetchRoutes(r *http.Request) (interface{}, error) {
	return nil, nil
}

func (n *node) fetchBalances(r *http.Request) (interface{}, error) {
	return nil, nil
}

func (n *node) connectDiscoveredPeer(ctx context.Context, p discovery.Peer) error {
	return n.dialSession(ctx, p.NodeID, p.BTPEndpoint, "")
}

func (n *node) dialPeer(pc config.PeerConfig) {
	ctx := context.Background()
	if err := btp.DialWithBackoff(ctx, n.clock, 0, func(ctx context.Context) error {
		return n.dialSession(ctx, pc.ID, pc.URL, pc.AuthToken)
	}); err != nil {
		n.logger.Error("connector: giving up dialing peer", "peer", pc.ID, "error", err)
	}
}

func (n *node) dialSession(ctx context.Context, peerID, url, sharedSecret string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connector: dial %s: %w", peerID, err)
	}
	sess := n.manager.NewSession(peerID, btp.Config{SharedSecret: []byte(sharedSecret)})
	if err := sess.Dial(ctx, conn); err != nil {
		return fmt.Errorf("connector: handshake with %s: %w", peerID, err)
	}
	n.auditSink.Record(peerID, "SESSION_DIALED", nil)
	return nil
}

// serveBTP runs the inbound BTP WebSocket listener.
func (n *node) serveBTP(errc chan<- error) {
	btpMux := http.NewServeMux()
	btpMux.HandleFunc("/btp", n.handleBTPUpgrade)
	n.btpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", n.cfg.Node.BTPServerPort),
		Handler: btpMux,
	}
	n.logger.Info("connector: BTP listener starting", "addr", n.btpServer.Addr)
	if err := n.btpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errc <- err
	}
}

func (n *node) handleBTPUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Warn("connector: BTP upgrade failed", "error", err)
		return
	}
	// The peer id isn't known until the AUTH frame arrives, so Manager
	// resolves the claimed peer's secret and registers the session itself.
	sess, err := n.manager.Accept(r.Context(), conn, n.secretForPeer)
	if err != nil {
		n.logger.Warn("connector: BTP accept failed", "error", err)
		return
	}
	n.auditSink.Record(sess.PeerID, "SESSION_ACCEPTED", nil)
}

func (n *node) secretForPeer(peerID string) ([]byte, bool) {
	secret, ok := n.peerSecrets[peerID]
	return secret, ok
}

// serveHTTP runs the health-check/metrics HTTP surface and starts the
// Explorer Server (its own listener, on its own port) and discovery loop.
func (n *node) serveHTTP(errc chan<- error) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	n.healthServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", n.cfg.Node.HealthCheckPort),
		Handler: router,
	}

	go func() {
		if err := n.explorer.Start(fmt.Sprintf(":%d", n.cfg.Node.ExplorerPort)); err != nil {
			n.logger.Error("connector: explorer server failed", "error", err)
		}
	}()

	if n.discLoop != nil {
		n.discLoop.Start()
	}

	n.logger.Info("connector: health/metrics listener starting", "addr", n.healthServer.Addr)
	if err := n.healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errc <- err
	}
}

func (n *node) shutdown() {
	if n.shutdownOnce {
		return
	}
	n.shutdownOnce = true

	if n.discLoop != nil {
		n.discLoop.Stop()
	}
	if n.unsubSettle != nil {
		n.unsubSettle()
	}

	n.telemetry.Shutdown()

	n.manager.CloseAll("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGraceDefault)
	defer cancel()

	if n.explorer != nil {
		if err := n.explorer.Shutdown(ctx); err != nil {
			n.logger.Error("connector: explorer shutdown error", "error", err)
		}
	}
	if n.healthServer != nil {
		if err := n.healthServer.Shutdown(ctx); err != nil {
			n.logger.Error("connector: health server shutdown error", "error", err)
		}
	}
	if n.btpServer != nil {
		if err := n.btpServer.Shutdown(ctx); err != nil {
			n.logger.Error("connector: BTP server shutdown error", "error", err)
		}
	}
	if n.evStore != nil {
		if err := n.evStore.Close(); err != nil {
			n.logger.Error("connector: event store close error", "error", err)
		}
	}
	if n.cloudTasksSched != nil {
		if err := n.cloudTasksSched.Close(); err != nil {
			n.logger.Error("connector: cloud tasks scheduler close error", "error", err)
		}
	}
	if n.pubsubSink != nil {
		n.unsubPubSub()
		if err := n.pubsubSink.Close(); err != nil {
			n.logger.Error("connector: pubsub sink close error", "error", err)
		}
	}

	n.unsubMetrics()
	n.logger.Info("connector: stopped")
}

// sessionEventAdapter satisfies btp.EventSink by dispatching inbound
// Prepares to the packet handler and recording session lifecycle
// transitions to the event bus and audit trail.
type sessionEventAdapter struct {
	handler *handler.Handler
	bus     *events.Bus
	audit   *audit.Sink
	logger  *slog.Logger
}

func (a *sessionEventAdapter) HandleIncoming(ctx context.Context, from *btp.Session, prepare ilp.Prepare) ilp.Packet {
	return a.handler.Process(ctx, from.PeerID, prepare)
}

func (a *sessionEventAdapter) SessionStateChanged(peerID string, state btp.State) {
	a.bus.Emit("SESSION_STATE_CHANGED", "btp", peerID, map[string]interface{}{"state": state.String()})
	a.audit.Record(peerID, "SESSION_STATE_CHANGED", map[string]interface{}{"state": state.String()})
}
