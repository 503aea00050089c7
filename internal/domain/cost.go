package domain

import "time"

// CostState is a per-node, time-stamped measurement of current expense-to-use.
// Sampled locally at least every 30s and on significant change, then
// gossiped as first-class state. Invariant: consumers must discard entries
// older than StaleThreshold (default 120s) via IsStale.
type CostState struct {
	OnBattery    bool      `json:"on_battery"`
	BatteryPct   float64   `json:"battery_pct,omitempty"` // [0,100], valid only if OnBattery
	CPULoad      float64   `json:"cpu_load"`              // normalized by core count, [0,2]
	GPULoadPct   float64   `json:"gpu_load_pct,omitempty"`
	MemPct       float64   `json:"mem_pct"` // [0,1]
	BandwidthMbps float64  `json:"bandwidth_mbps,omitempty"`
	Metered      bool      `json:"metered,omitempty"`
	LatencyMs    float64   `json:"latency_ms,omitempty"`
	APIModel     string    `json:"api_model,omitempty"`
	APICostUSD   float64   `json:"api_cost_usd,omitempty"` // estimated $ per call, for api_penalty

	// OverallCost is the pre-computed scalar (>= 1.0) from ComputeNodeCost,
	// gossiped alongside the raw sample so peers need not recompute it for
	// every candidate during Tier 5 scoring.
	OverallCost float64   `json:"overall_cost"`
	SampledAt   time.Time `json:"sampled_at"`
}

// DefaultStaleThreshold is how old a CostState may be before snapshot_cost
// reports it Stale and routing falls back to a neutral assumption.
const DefaultStaleThreshold = 120 * time.Second

// IsStale reports whether the sample is older than threshold as of now.
func (c CostState) IsStale(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return now.Sub(c.SampledAt) > threshold
}

// WorkKind distinguishes the kind of work a cost estimate is for — only
// inference and embedding work incur the GPU multiplier.
type WorkKind string

const (
	WorkInference WorkKind = "inference"
	WorkEmbedding WorkKind = "embedding"
	WorkOther     WorkKind = "other"
)

// SignificantChange reports whether cur differs from prev enough to warrant
// an immediate gossip broadcast rather than waiting for the periodic tick:
// power source flip, battery delta >= 10 points, normalized CPU delta >= 0.20,
// or the metered flag flipping.
func SignificantChange(prev, cur CostState) bool {
	if prev.OnBattery != cur.OnBattery {
		return true
	}
	if prev.Metered != cur.Metered {
		return true
	}
	if absFloat(cur.BatteryPct-prev.BatteryPct) >= 10 {
		return true
	}
	if absFloat(cur.CPULoad-prev.CPULoad) >= 0.20 {
		return true
	}
	return false
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
