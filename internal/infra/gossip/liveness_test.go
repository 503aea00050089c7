package gossip

import (
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
)

func TestLivenessTracker_AliveStaleEvicted(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tr := NewLivenessTracker(LivenessConfig{LivenessWindow: 10 * time.Second, EvictionWindow: 30 * time.Second})
	tr.now = clock

	tr.Touch("peerA")
	if got := tr.State("peerA"); got != LivenessAlive {
		t.Fatalf("fresh touch state = %v, want ALIVE", got)
	}

	now = now.Add(15 * time.Second)
	if got := tr.State("peerA"); got != LivenessStale {
		t.Fatalf("after 15s silence state = %v, want STALE", got)
	}

	now = now.Add(20 * time.Second) // 35s total, past EvictionWindow
	if got := tr.State("peerA"); got != LivenessEvicted {
		t.Fatalf("after 35s silence state = %v, want EVICTED", got)
	}

	found := false
	for _, id := range tr.Evicted() {
		if id == domain.NodeID("peerA") {
			found = true
		}
	}
	if !found {
		t.Error("Evicted() should list peerA")
	}
}

func TestLivenessTracker_TouchRevivesFromStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewLivenessTracker(LivenessConfig{LivenessWindow: 5 * time.Second, EvictionWindow: 20 * time.Second})
	tr.now = func() time.Time { return now }

	tr.Touch("peerA")
	now = now.Add(8 * time.Second)
	if got := tr.State("peerA"); got != LivenessStale {
		t.Fatalf("state = %v, want STALE", got)
	}
	tr.Touch("peerA")
	if got := tr.State("peerA"); got != LivenessAlive {
		t.Fatalf("state after re-touch = %v, want ALIVE", got)
	}
}

func TestLivenessTracker_UnknownPeerIsEvicted(t *testing.T) {
	tr := NewLivenessTracker(DefaultLivenessConfig(time.Second))
	if got := tr.State("ghost"); got != LivenessEvicted {
		t.Fatalf("unknown peer state = %v, want EVICTED", got)
	}
}

func TestLivenessTracker_ForgetRemovesRecord(t *testing.T) {
	tr := NewLivenessTracker(DefaultLivenessConfig(time.Second))
	tr.Touch("peerA")
	tr.Forget("peerA")
	if got := tr.State("peerA"); got != LivenessEvicted {
		t.Fatalf("forgotten peer state = %v, want EVICTED", got)
	}
	if tr.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after Forget", tr.Count())
	}
}

func TestLivenessTracker_LivePeersExcludesStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewLivenessTracker(LivenessConfig{LivenessWindow: 5 * time.Second, EvictionWindow: 20 * time.Second})
	tr.now = func() time.Time { return now }

	tr.Touch("alive")
	tr.Touch("stale")
	now = now.Add(8 * time.Second)
	tr.Touch("alive") // re-touched, stays fresh

	live := tr.LivePeers()
	if len(live) != 1 || live[0] != domain.NodeID("alive") {
		t.Fatalf("LivePeers() = %v, want [alive]", live)
	}
}

func TestDefaultLivenessConfig_Ratios(t *testing.T) {
	cfg := DefaultLivenessConfig(2 * time.Second)
	if cfg.LivenessWindow != 10*time.Second {
		t.Errorf("LivenessWindow = %v, want 10s", cfg.LivenessWindow)
	}
	if cfg.EvictionWindow != 30*time.Second {
		t.Errorf("EvictionWindow = %v, want 30s", cfg.EvictionWindow)
	}
}
