package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// PeerOverridesConfig holds per-peer rate-limit overrides layered on top
// of the global config, keyed by peer id. Kept as a separate file so
// operators can roll out a peer-specific limit change without touching
// the main config.
type PeerOverridesConfig struct {
	Peers map[string]PeerClassLimits `yaml:"peers"`
}

// Manager resolves the effective rate-limit config for a given peer,
// merging a peer override onto the global default when one exists.
type Manager struct {
	global    *Config
	overrides map[string]PeerClassLimits
	mu        sync.RWMutex
}

// NewManager loads the master config and an optional peer-overrides file.
// A missing overrides file is not an error; it simply yields no overrides.
func NewManager(masterPath, overridesPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}
	master.applyEnvOverrides()

	f, err := os.Open(overridesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{global: master, overrides: map[string]PeerClassLimits{}}, nil
		}
		return nil, err
	}
	defer f.Close()

	var oc PeerOverridesConfig
	if err := yaml.NewDecoder(f).Decode(&oc); err != nil {
		return nil, err
	}
	if oc.Peers == nil {
		oc.Peers = map[string]PeerClassLimits{}
	}

	return &Manager{global: master, overrides: oc.Peers}, nil
}

// Global returns the resolved global config.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// EffectiveRateLimits returns the rate limits config for peerID, with any
// configured peer override merged onto PeerLimits.
func (m *Manager) EffectiveRateLimits(peerID string) RateLimitsConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := m.global.RateLimits
	if override, ok := m.overrides[peerID]; ok {
		if effective.PeerLimits == nil {
			effective.PeerLimits = make(map[string]PeerClassLimits, 1)
		} else {
			merged := make(map[string]PeerClassLimits, len(effective.PeerLimits))
			for k, v := range effective.PeerLimits {
				merged[k] = v
			}
			effective.PeerLimits = merged
		}
		effective.PeerLimits[peerID] = override
	}
	return effective
}

// SetOverride installs or replaces a peer's rate-limit override at
// runtime, e.g. from an operator API.
func (m *Manager) SetOverride(peerID string, limits PeerClassLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[peerID] = limits
}
