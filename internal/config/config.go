// Package config loads and resolves the connector's configuration: node
// identity, peers, static routes, rate limits, fraud rules, telemetry, and
// discovery, from a YAML file with environment-variable overrides, in the
// teacher's singleton/override/defaults style.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the connector's full resolved configuration.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Peers      []PeerConfig     `yaml:"peers"`
	Routes     []RouteConfig    `yaml:"routes"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Fraud      FraudConfig      `yaml:"fraud"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Settlement SettlementConfig `yaml:"settlement"`
}

// NodeConfig identifies this connector instance.
type NodeConfig struct {
	NodeID          string `yaml:"node_id"`
	ILPAddress      string `yaml:"ilp_address"`
	BTPServerPort   int    `yaml:"btp_server_port"`
	LogLevel        string `yaml:"log_level"`
	ExplorerPort    int    `yaml:"explorer_port"`
	HealthCheckPort int    `yaml:"health_check_port"`
}

// PeerConfig describes one configured peer connection.
type PeerConfig struct {
	ID           string   `yaml:"id"`
	URL          string   `yaml:"url"`
	AuthToken    string   `yaml:"auth_token"`
	ILPPrefix    string   `yaml:"ilp_prefix"`
	Capabilities []string `yaml:"capabilities"`
}

// RouteConfig is one static routing table entry.
type RouteConfig struct {
	Prefix   string `yaml:"prefix"`
	NextHop  string `yaml:"next_hop"`
	Priority int    `yaml:"priority"`
}

// PeerClassLimits overrides the default rate limit for one peer, across
// all traffic classes.
type PeerClassLimits struct {
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
	MaxRequestsPerMinute float64 `yaml:"max_requests_per_minute"`
	BurstSize            float64 `yaml:"burst_size"`
}

// RateLimitsConfig configures the token-bucket rate limiter and circuit
// breaker.
type RateLimitsConfig struct {
	MaxRequestsPerSecond   float64                    `yaml:"max_requests_per_second"`
	MaxRequestsPerMinute   float64                    `yaml:"max_requests_per_minute"`
	BurstSize              float64                    `yaml:"burst_size"`
	BlockDurationSec       int                        `yaml:"block_duration_sec"`
	ViolationThreshold     int                        `yaml:"violation_threshold"`
	ViolationWindowSeconds float64                    `yaml:"violation_window_seconds"`
	PeerLimits             map[string]PeerClassLimits `yaml:"peer_limits"`
	TrustedPeers           []string                   `yaml:"trusted_peers"`
	Adaptive               bool                       `yaml:"adaptive"`
}

// FraudRuleConfig configures a single pluggable fraud rule by name.
type FraudRuleConfig struct {
	Name      string  `yaml:"name"`
	Threshold float64 `yaml:"threshold"`
}

// FraudConfig configures the fraud detector.
type FraudConfig struct {
	Enabled            bool              `yaml:"enabled"`
	AutoPauseThreshold string            `yaml:"auto_pause_threshold"`
	Rules              []FraudRuleConfig `yaml:"rules"`
}

// TelemetryConfig configures the telemetry buffer and event store.
type TelemetryConfig struct {
	BufferSize       int    `yaml:"buffer_size"`
	FlushIntervalMs  int    `yaml:"flush_interval_ms"`
	EventStorePath   string `yaml:"event_store_path"`
	MaxDatabaseBytes int64  `yaml:"max_database_bytes"`

	// PubSubProjectID/PubSubTopicID, when both set, mirror every event
	// bus emission onto a Cloud Pub/Sub topic in addition to the event
	// store, for downstream analytics consumers outside this process.
	PubSubProjectID string `yaml:"pubsub_project_id"`
	PubSubTopicID   string `yaml:"pubsub_topic_id"`
}

// DiscoveryConfig configures the peer discovery loop.
type DiscoveryConfig struct {
	Enabled            bool     `yaml:"enabled"`
	BroadcastInterval  int      `yaml:"broadcast_interval_sec"`
	DiscoveryEndpoints []string `yaml:"discovery_endpoints"`
	AnnounceAddress    string   `yaml:"announce_address"`

	// CloudTasksQueue, when set, switches reconnect retry scheduling from
	// the default in-process timer to a durable Cloud Tasks queue of the
	// form "projects/<project>/locations/<location>/queues/<queue>".
	CloudTasksQueue     string `yaml:"cloud_tasks_queue"`
	CloudTasksTargetURL string `yaml:"cloud_tasks_target_url"`
}

// SettlementConfig configures the abstract settlement driver adapter.
// This is ambient wiring for the gRPC SettlementDriver adapter; the core
// never depends on these fields directly, only on the SettlementDriver
// interface constructed from them.
type SettlementConfig struct {
	DriverAddr string `yaml:"driver_addr"`
	Enabled    bool   `yaml:"enabled"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config, loaded from CONFIG_PATH
// (default "config.yaml") with environment overrides and defaults applied.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and decodes a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnvOverrides applies environment-variable overrides on top of
// whatever was loaded from YAML, then fills any still-zero fields with
// defaults. Exported for callers outside this package (cmd/connector)
// that load a Config via LoadConfig rather than the Get() singleton.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

func (c *Config) applyEnvOverrides() {
	c.Node.NodeID = getEnv("NODE_ID", c.Node.NodeID)
	c.Node.ILPAddress = getEnv("ILP_ADDRESS", c.Node.ILPAddress)
	c.Node.LogLevel = getEnv("LOG_LEVEL", c.Node.LogLevel)
	if v := getEnvInt("BTP_SERVER_PORT", 0); v > 0 {
		c.Node.BTPServerPort = v
	}
	if v := getEnvInt("EXPLORER_PORT", 0); v > 0 {
		c.Node.ExplorerPort = v
	}
	if v := getEnvInt("HEALTH_CHECK_PORT", 0); v > 0 {
		c.Node.HealthCheckPort = v
	}

	if v := getEnvFloat("RATE_LIMIT_MAX_RPS", 0); v > 0 {
		c.RateLimits.MaxRequestsPerSecond = v
	}
	if v := getEnvFloat("RATE_LIMIT_MAX_RPM", 0); v > 0 {
		c.RateLimits.MaxRequestsPerMinute = v
	}
	if v := getEnvFloat("RATE_LIMIT_BURST_SIZE", 0); v > 0 {
		c.RateLimits.BurstSize = v
	}
	if v := getEnvInt("RATE_LIMIT_BLOCK_DURATION_SEC", 0); v > 0 {
		c.RateLimits.BlockDurationSec = v
	}
	if v := getEnvInt("RATE_LIMIT_VIOLATION_THRESHOLD", 0); v > 0 {
		c.RateLimits.ViolationThreshold = v
	}
	c.RateLimits.Adaptive = getEnvBool("RATE_LIMIT_ADAPTIVE", c.RateLimits.Adaptive)

	c.Fraud.Enabled = getEnvBool("FRAUD_ENABLED", c.Fraud.Enabled)
	c.Fraud.AutoPauseThreshold = getEnv("FRAUD_AUTO_PAUSE_THRESHOLD", c.Fraud.AutoPauseThreshold)

	if v := getEnvInt("TELEMETRY_BUFFER_SIZE", 0); v > 0 {
		c.Telemetry.BufferSize = v
	}
	if v := getEnvInt("TELEMETRY_FLUSH_INTERVAL_MS", 0); v > 0 {
		c.Telemetry.FlushIntervalMs = v
	}
	c.Telemetry.EventStorePath = getEnv("TELEMETRY_EVENT_STORE_PATH", c.Telemetry.EventStorePath)
	c.Telemetry.PubSubProjectID = getEnv("TELEMETRY_PUBSUB_PROJECT_ID", c.Telemetry.PubSubProjectID)
	c.Telemetry.PubSubTopicID = getEnv("TELEMETRY_PUBSUB_TOPIC_ID", c.Telemetry.PubSubTopicID)

	c.Discovery.Enabled = getEnvBool("DISCOVERY_ENABLED", c.Discovery.Enabled)
	if eps := getEnv("DISCOVERY_ENDPOINTS", ""); eps != "" {
		c.Discovery.DiscoveryEndpoints = splitCSV(eps)
	}
	c.Discovery.AnnounceAddress = getEnv("DISCOVERY_ANNOUNCE_ADDRESS", c.Discovery.AnnounceAddress)
	c.Discovery.CloudTasksQueue = getEnv("DISCOVERY_CLOUD_TASKS_QUEUE", c.Discovery.CloudTasksQueue)
	c.Discovery.CloudTasksTargetURL = getEnv("DISCOVERY_CLOUD_TASKS_TARGET_URL", c.Discovery.CloudTasksTargetURL)

	c.Settlement.DriverAddr = getEnv("SETTLEMENT_DRIVER_ADDR", c.Settlement.DriverAddr)
	c.Settlement.Enabled = getEnvBool("SETTLEMENT_ENABLED", c.Settlement.Enabled)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Node.NodeID == "" {
		c.Node.NodeID = "connector-local"
	}
	if c.Node.LogLevel == "" {
		c.Node.LogLevel = "info"
	}
	if c.Node.BTPServerPort == 0 {
		c.Node.BTPServerPort = 7768
	}
	if c.Node.HealthCheckPort == 0 {
		c.Node.HealthCheckPort = 8080
	}
	if c.RateLimits.MaxRequestsPerSecond == 0 {
		c.RateLimits.MaxRequestsPerSecond = 50
	}
	if c.RateLimits.MaxRequestsPerMinute == 0 {
		c.RateLimits.MaxRequestsPerMinute = 1000
	}
	if c.RateLimits.BurstSize == 0 {
		c.RateLimits.BurstSize = 100
	}
	if c.RateLimits.BlockDurationSec == 0 {
		c.RateLimits.BlockDurationSec = 30
	}
	if c.RateLimits.ViolationThreshold == 0 {
		c.RateLimits.ViolationThreshold = 3
	}
	if c.RateLimits.ViolationWindowSeconds == 0 {
		c.RateLimits.ViolationWindowSeconds = 10
	}
	if c.Fraud.AutoPauseThreshold == "" {
		c.Fraud.AutoPauseThreshold = "high"
	}
	if c.Telemetry.BufferSize == 0 {
		c.Telemetry.BufferSize = 500
	}
	if c.Telemetry.FlushIntervalMs == 0 {
		c.Telemetry.FlushIntervalMs = 5000
	}
	if c.Telemetry.MaxDatabaseBytes == 0 {
		c.Telemetry.MaxDatabaseBytes = 100 * 1024 * 1024
	}
	if c.Discovery.BroadcastInterval == 0 {
		c.Discovery.BroadcastInterval = 60
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
