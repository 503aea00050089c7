package cost

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/metrics"
)

// CollectorConfig controls sampling cadence and the budget sensitivity used
// when folding API $ estimates into cost.
type CollectorConfig struct {
	TickInterval      time.Duration // full-update broadcast cadence
	FastTickInterval  time.Duration // significant-change probe cadence
	BudgetSensitivity float64
	BandwidthWindow   time.Duration
}

// DefaultCollectorConfig broadcasts a full update every 30s and probes for
// significant changes (power source flip, battery/CPU jump, metered flip)
// every 2s so those go out immediately instead of waiting for the tick.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		TickInterval:      30 * time.Second,
		FastTickInterval:  2 * time.Second,
		BudgetSensitivity: 1.0,
		BandwidthWindow:   60 * time.Second,
	}
}

// Collector periodically samples the local node's CostState and notifies
// subscribers (the gossip engine, in production) when a significant change
// warrants immediate broadcast rather than waiting for the periodic tick.
// It follows a diff-then-broadcast shape: every tick produces a fresh
// reading, but only a significant-enough delta triggers an out-of-band push.
type Collector struct {
	mu       sync.RWMutex
	cfg      CollectorConfig
	battery  *BatteryMonitor
	bw       *BandwidthEstimator
	last     domain.CostState
	onChange func(domain.CostState)
}

// NewCollector creates a cost collector. onChange, if non-nil, is invoked
// with the new CostState on every Tick, and from CheckSignificantChange
// only when SignificantChange reports true.
func NewCollector(cfg CollectorConfig, onChange func(domain.CostState)) *Collector {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.FastTickInterval <= 0 {
		cfg.FastTickInterval = 2 * time.Second
	}
	return &Collector{
		cfg:      cfg,
		battery:  NewBatteryMonitor(),
		bw:       NewBandwidthEstimator(cfg.BandwidthWindow),
		onChange: onChange,
	}
}

// RecordTransfer feeds the bandwidth estimator with bytes moved. No
// component in this module calls it, so BandwidthMbps stays 0 unless an
// outside caller reports transfers.
func (c *Collector) RecordTransfer(n int64) {
	c.bw.Record(n)
}

// Sample implements domain.CostSampler: produces one fresh CostState
// reading without mutating the collector's "last broadcast" bookkeeping.
func (c *Collector) Sample(ctx context.Context) (domain.CostState, error) {
	state := domain.CostState{
		OnBattery:     c.battery.IsPresent() && !c.battery.IsCharging(),
		CPULoad:       CPULoad(),
		MemPct:        MemPressure(),
		GPULoadPct:    GPUUtilPct(),
		BandwidthMbps: c.bw.Mbps(),
		Metered:       false,
		SampledAt:     time.Now(),
	}
	if state.OnBattery {
		state.BatteryPct = float64(c.battery.Percentage())
	}
	state.OverallCost = ComputeNodeCost(state, domain.WorkOther, c.cfg.BudgetSensitivity)
	return state, nil
}

// Run starts the sampling loops; call in a goroutine. The slow ticker
// broadcasts a full update unconditionally; the fast ticker probes for a
// significant change and broadcasts immediately on one, so a power flip or
// CPU jump reaches the mesh without waiting out the slow interval.
func (c *Collector) Run(ctx context.Context) {
	slow := time.NewTicker(c.cfg.TickInterval)
	defer slow.Stop()
	fast := time.NewTicker(c.cfg.FastTickInterval)
	defer fast.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-slow.C:
			c.Tick(ctx)
		case <-fast.C:
			if state, significant := c.CheckSignificantChange(ctx); significant {
				log.Printf("[cost] significant change broadcast: battery=%v pct=%.0f cpu=%.2f metered=%v",
					state.OnBattery, state.BatteryPct, state.CPULoad, state.Metered)
			}
		}
	}
}

// Tick samples once and broadcasts unconditionally — called both by the
// periodic ticker and by callers that detect an event warranting an
// immediate resample (e.g. a power-source change notification).
func (c *Collector) Tick(ctx context.Context) domain.CostState {
	state, err := c.Sample(ctx)
	if err != nil {
		log.Printf("[cost] sample failed: %v", err)
		return c.Last()
	}

	c.mu.Lock()
	prev := c.last
	c.last = state
	c.mu.Unlock()

	if domain.SignificantChange(prev, state) {
		log.Printf("[cost] significant change: battery=%v pct=%.0f cpu=%.2f metered=%v",
			state.OnBattery, state.BatteryPct, state.CPULoad, state.Metered)
	}
	metrics.NodeCostScore.Set(state.OverallCost)
	if c.onChange != nil {
		c.onChange(state)
	}
	return state
}

// CheckSignificantChange samples once and returns (state, true) only if it
// differs significantly from the last broadcast state, without updating
// bookkeeping unless it does — Run's fast ticker calls it to decide whether
// to broadcast immediately.
func (c *Collector) CheckSignificantChange(ctx context.Context) (domain.CostState, bool) {
	state, err := c.Sample(ctx)
	if err != nil {
		return domain.CostState{}, false
	}
	c.mu.RLock()
	prev := c.last
	c.mu.RUnlock()

	if !domain.SignificantChange(prev, state) {
		return state, false
	}
	c.mu.Lock()
	c.last = state
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange(state)
	}
	return state, true
}

// Last returns the most recently broadcast CostState.
func (c *Collector) Last() domain.CostState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
