package cost

import (
	"context"
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
)

func TestCollector_Sample_SetsOverallCost(t *testing.T) {
	c := NewCollector(DefaultCollectorConfig(), nil)
	state, err := c.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error: %v", err)
	}
	if state.OverallCost < 1.0 {
		t.Errorf("OverallCost = %f, want >= 1.0", state.OverallCost)
	}
	if state.SampledAt.IsZero() {
		t.Error("SampledAt should be set")
	}
}

func TestCollector_Tick_InvokesOnChange(t *testing.T) {
	var gotState domain.CostState
	calls := 0
	c := NewCollector(DefaultCollectorConfig(), func(s domain.CostState) {
		calls++
		gotState = s
	})
	c.Tick(context.Background())
	if calls != 1 {
		t.Fatalf("onChange called %d times, want 1", calls)
	}
	if gotState.SampledAt.IsZero() {
		t.Error("broadcast state should carry a sample timestamp")
	}
}

func TestCollector_CheckSignificantChange_NoChangeOnRepeat(t *testing.T) {
	c := NewCollector(DefaultCollectorConfig(), nil)
	c.Tick(context.Background())
	// A second immediate check against an unchanged machine state should
	// not report a significant change (battery/CPU deltas are within noise).
	_, changed := c.CheckSignificantChange(context.Background())
	if changed {
		t.Error("expected no significant change on back-to-back identical samples")
	}
}

func TestCollector_CheckSignificantChange_BroadcastsOnJump(t *testing.T) {
	calls := 0
	c := NewCollector(DefaultCollectorConfig(), func(domain.CostState) { calls++ })

	// Seed a last-broadcast state far from any plausible fresh sample so
	// the CPU delta alone crosses the significance threshold.
	c.mu.Lock()
	c.last = domain.CostState{CPULoad: 10}
	c.mu.Unlock()

	_, changed := c.CheckSignificantChange(context.Background())
	if !changed {
		t.Fatal("expected a significant change against the seeded state")
	}
	if calls != 1 {
		t.Fatalf("onChange called %d times, want 1 immediate broadcast", calls)
	}
}

func TestDefaultCollectorConfig_FastProbeTighterThanTick(t *testing.T) {
	cfg := DefaultCollectorConfig()
	if cfg.FastTickInterval <= 0 || cfg.FastTickInterval >= cfg.TickInterval {
		t.Fatalf("FastTickInterval = %v, want a probe cadence tighter than the %v tick", cfg.FastTickInterval, cfg.TickInterval)
	}
}

func TestBandwidthEstimator_RollingWindow(t *testing.T) {
	e := NewBandwidthEstimator(100 * time.Millisecond)
	e.Record(1_000_000) // 1 MB
	if e.Mbps() <= 0 {
		t.Error("expected non-zero throughput after recording a transfer")
	}
}

func TestBandwidthEstimator_EmptyIsZero(t *testing.T) {
	e := NewBandwidthEstimator(time.Second)
	if got := e.Mbps(); got != 0 {
		t.Errorf("Mbps() with no samples = %f, want 0", got)
	}
}
