// Package daemon manages the Atmosphere node's lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DomainLimit bounds one knowledge domain's local storage footprint and its
// tie-break priority against other subscribed domains during eviction.
type DomainLimit struct {
	MaxBytes  int64 `toml:"max_bytes"`
	MaxChunks int   `toml:"max_chunks"`
	Priority  int   `toml:"priority"`
}

// Config holds every recognized node key: identity, gossip cadence,
// liveness/eviction windows, cache TTLs, cost/routing knobs, and knowledge
// subscriptions.
type Config struct {
	NodeID               string                 `toml:"node_id"`
	GossipIntervalS      float64                `toml:"gossip_interval_s"`
	GossipFanoutK        int                    `toml:"gossip_fanout_k"`
	LivenessWindowS      float64                `toml:"liveness_window_s"`
	EvictionWindowS      float64                `toml:"eviction_window_s"`
	CostStaleThresholdS  float64                `toml:"cost_stale_threshold_s"`
	CacheTTLExactS       float64                `toml:"cache_ttl_exact_s"`
	CacheTTLSemanticS    float64                `toml:"cache_ttl_semantic_s"`
	SimhashHammingMax    int                    `toml:"simhash_hamming_max"`
	BudgetSensitivity    float64                `toml:"budget_sensitivity"`
	KnowledgeBudgetBytes int64                  `toml:"knowledge_budget_bytes"`
	PerDomainLimits      map[string]DomainLimit `toml:"per_domain_limits"`
	Subscriptions        []string               `toml:"subscriptions"`
	EmbedderAvailable    bool                   `toml:"embedder_available"`

	// BootstrapPeers lists endpoint URLs of known mesh members to contact on
	// startup. An empty list starts a new mesh of one.
	BootstrapPeers []string `toml:"bootstrap_peers"`

	// RequireSignedGossip rejects inbound gossip envelopes that carry no
	// Ed25519 signature. Off by default so a mesh can mix signing and
	// legacy nodes; envelopes that do carry a signature are always verified.
	RequireSignedGossip bool `toml:"require_signed_gossip"`

	API       APIConfig       `toml:"api"`
	Home      HomeConfig      `toml:"home"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// APIConfig controls the HTTP surface — both the caller-facing intent API
// (internal/api) and the peer-facing transport routes (internal/infra/
// transport) share one listener.
type APIConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	PublicAddress string `toml:"public_address"` // advertised in NODE_HELLO endpoints
}

// HomeConfig points at the node's on-disk state directory.
type HomeConfig struct {
	Dir string `toml:"dir"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns the documented defaults: 5s gossip ticks, fanout 3,
// liveness = 5x gossip interval, eviction = 3x liveness, 120s cost
// staleness, 60s/1h cache TTLs, Hamming distance 3.
func DefaultConfig() Config {
	home := atmosphereHome()
	return Config{
		GossipIntervalS:      5,
		GossipFanoutK:        3,
		LivenessWindowS:      25,
		EvictionWindowS:      75,
		CostStaleThresholdS:  120,
		CacheTTLExactS:       60,
		CacheTTLSemanticS:    3600,
		SimhashHammingMax:    3,
		BudgetSensitivity:    1.0,
		KnowledgeBudgetBytes: 2 << 30, // 2GiB
		PerDomainLimits:      map[string]DomainLimit{},
		Subscriptions:        nil,
		EmbedderAvailable:    false,
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 7475,
		},
		Home: HomeConfig{Dir: home},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(home, "atmosphere.log"),
		},
		Telemetry: TelemetryConfig{Prometheus: false},
	}
}

// LoadConfig reads config from $ATMOSPHERE_HOME/config.toml, falling back
// to defaults when the file doesn't exist yet.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(atmosphereHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to $ATMOSPHERE_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(atmosphereHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// atmosphereHome returns the node's data directory, $ATMOSPHERE_HOME or
// ~/.atmosphere.
func atmosphereHome() string {
	if env := os.Getenv("ATMOSPHERE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".atmosphere")
}

// AtmosphereHome is exported for use by other packages.
func AtmosphereHome() string {
	return atmosphereHome()
}
