package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "config.yaml", `
node:
  node_id: g.connector.a
  ilp_address: g.connector.a
peers:
  - id: peerB
    url: wss://peerb.example.com
    auth_token: secret123
routes:
  - prefix: g.peerb
    next_hop: peerB
    priority: 1
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "g.connector.a", cfg.Node.NodeID)
	require.Len(t, cfg.Peers, 1)
	require.Equal(t, "peerB", cfg.Peers[0].ID)
	require.Len(t, cfg.Routes, 1)
	require.Equal(t, "peerB", cfg.Routes[0].NextHop)
}

func TestLoadConfigMissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	require.Equal(t, "connector-local", cfg.Node.NodeID)
	require.Equal(t, 7768, cfg.Node.BTPServerPort)
	require.Equal(t, 8080, cfg.Node.HealthCheckPort)
	require.Equal(t, float64(50), cfg.RateLimits.MaxRequestsPerSecond)
	require.Equal(t, 3, cfg.RateLimits.ViolationThreshold)
	require.Equal(t, "high", cfg.Fraud.AutoPauseThreshold)
	require.Equal(t, 500, cfg.Telemetry.BufferSize)
	require.Equal(t, int64(100*1024*1024), cfg.Telemetry.MaxDatabaseBytes)
}

func TestEnvOverridesTakePrecedenceOverFileDefaults(t *testing.T) {
	t.Setenv("NODE_ID", "g.connector.env")
	t.Setenv("RATE_LIMIT_MAX_RPS", "999")
	t.Setenv("DISCOVERY_ENABLED", "true")
	t.Setenv("DISCOVERY_ENDPOINTS", "https://a.example.com, https://b.example.com")

	cfg := &Config{}
	cfg.applyEnvOverrides()

	require.Equal(t, "g.connector.env", cfg.Node.NodeID)
	require.Equal(t, float64(999), cfg.RateLimits.MaxRequestsPerSecond)
	require.True(t, cfg.Discovery.Enabled)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Discovery.DiscoveryEndpoints)
}

func TestManagerMergesPeerOverrideOntoGlobalLimits(t *testing.T) {
	dir := t.TempDir()
	masterPath := writeYAML(t, dir, "config.yaml", `
rate_limits:
  max_requests_per_second: 50
`)
	overridesPath := writeYAML(t, dir, "overrides.yaml", `
peers:
  peerB:
    max_requests_per_second: 5
`)

	mgr, err := NewManager(masterPath, overridesPath)
	require.NoError(t, err)

	limits := mgr.EffectiveRateLimits("peerB")
	require.Equal(t, float64(5), limits.PeerLimits["peerB"].MaxRequestsPerSecond)

	unaffected := mgr.EffectiveRateLimits("peerC")
	require.NotContains(t, unaffected.PeerLimits, "peerC")
}

func TestManagerToleratesMissingOverridesFile(t *testing.T) {
	dir := t.TempDir()
	masterPath := writeYAML(t, dir, "config.yaml", `node:
  node_id: g.solo
`)

	mgr, err := NewManager(masterPath, filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, "g.solo", mgr.Global().Node.NodeID)
}

func TestManagerSetOverrideAtRuntime(t *testing.T) {
	dir := t.TempDir()
	masterPath := writeYAML(t, dir, "config.yaml", `node:
  node_id: g.solo
`)
	mgr, err := NewManager(masterPath, filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)

	mgr.SetOverride("peerX", PeerClassLimits{MaxRequestsPerSecond: 2})
	limits := mgr.EffectiveRateLimits("peerX")
	require.Equal(t, float64(2), limits.PeerLimits["peerX"].MaxRequestsPerSecond)
}
