package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 7475 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 7475)
	}
	if cfg.GossipIntervalS != 5 {
		t.Errorf("GossipIntervalS = %v, want 5", cfg.GossipIntervalS)
	}
	if cfg.GossipFanoutK != 3 {
		t.Errorf("GossipFanoutK = %d, want 3", cfg.GossipFanoutK)
	}
	if cfg.LivenessWindowS != 5*cfg.GossipIntervalS {
		t.Errorf("LivenessWindowS = %v, want 5x gossip interval (%v)", cfg.LivenessWindowS, 5*cfg.GossipIntervalS)
	}
	if cfg.EvictionWindowS != 3*cfg.LivenessWindowS {
		t.Errorf("EvictionWindowS = %v, want 3x liveness window (%v)", cfg.EvictionWindowS, 3*cfg.LivenessWindowS)
	}
	if cfg.CostStaleThresholdS != 120 {
		t.Errorf("CostStaleThresholdS = %v, want 120", cfg.CostStaleThresholdS)
	}
	if cfg.SimhashHammingMax != 3 {
		t.Errorf("SimhashHammingMax = %d, want 3", cfg.SimhashHammingMax)
	}
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ATMOSPHERE_HOME", home)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 7475 {
		t.Fatalf("expected default port when no config file exists, got %d", cfg.API.Port)
	}
}

func TestSaveThenLoadConfigRoundtrips(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ATMOSPHERE_HOME", home)

	cfg := DefaultConfig()
	cfg.NodeID = "test-node"
	cfg.Subscriptions = []string{"wildlife", "manufacturing-procedures"}
	cfg.PerDomainLimits = map[string]DomainLimit{
		"wildlife": {MaxBytes: 1 << 20, MaxChunks: 500, Priority: 2},
	}

	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "config.toml")); err != nil {
		t.Fatalf("expected config.toml to exist: %v", err)
	}

	got, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.NodeID != "test-node" {
		t.Fatalf("NodeID = %q, want %q", got.NodeID, "test-node")
	}
	if len(got.Subscriptions) != 2 {
		t.Fatalf("Subscriptions = %v, want 2 entries", got.Subscriptions)
	}
	lim, ok := got.PerDomainLimits["wildlife"]
	if !ok || lim.Priority != 2 {
		t.Fatalf("PerDomainLimits[wildlife] = %+v, want priority 2", lim)
	}
}

func TestAtmosphereHomeRespectsEnv(t *testing.T) {
	t.Setenv("ATMOSPHERE_HOME", "/tmp/custom-atmosphere-home")
	if AtmosphereHome() != "/tmp/custom-atmosphere-home" {
		t.Fatalf("AtmosphereHome() = %q, want override", AtmosphereHome())
	}
}
