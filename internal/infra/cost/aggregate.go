package cost

import "github.com/atmosphere-mesh/atmosphere/internal/domain"

// ComputeNodeCost aggregates a node's raw CostState into a single scalar:
// pure, deterministic, used both locally to populate CostState.OverallCost
// and by Tier 5 of the router when scoring remote peers. Identical inputs
// always produce identical outputs.
func ComputeNodeCost(state domain.CostState, work domain.WorkKind, budgetSensitivity float64) float64 {
	c := 1.0

	if state.OnBattery {
		switch {
		case state.BatteryPct < 20:
			c *= 5.0
		case state.BatteryPct < 50:
			c *= 3.0
		default:
			c *= 2.0
		}
	}

	c *= cpuMultiplier(state.CPULoad)
	c *= memMultiplier(state.MemPct)

	if work == domain.WorkInference || work == domain.WorkEmbedding {
		c *= gpuMultiplier(state.GPULoadPct)
	}

	c *= netMultiplier(state)

	apiPenalty := state.APICostUSD * 100 * budgetSensitivity
	c += apiPenalty

	c *= latencyPenalty(state.LatencyMs)

	if c < 1.0 {
		c = 1.0
	}
	return c
}

func cpuMultiplier(load float64) float64 {
	switch {
	case load < 0.25:
		return 1.0
	case load < 0.50:
		return 1.3
	case load < 0.75:
		return 1.6
	default:
		return 2.0
	}
}

func memMultiplier(memPct float64) float64 {
	switch {
	case memPct < 0.80:
		return 1.0
	case memPct < 0.90:
		return 1.5
	default:
		return 2.5
	}
}

func gpuMultiplier(gpuPct float64) float64 {
	switch {
	case gpuPct < 25:
		return 1.0
	case gpuPct < 50:
		return 1.5
	default:
		return 2.0
	}
}

// netMultiplier applies the metered ×3.0 multiplier (if set) and a
// bandwidth-tiered multiplier: bw<1 -> ×5, <10 -> ×2, <100 -> ×1.2, else ×1
// (no bandwidth reading at all is treated as the unconstrained case).
func netMultiplier(state domain.CostState) float64 {
	m := 1.0
	if state.Metered {
		m *= 3.0
	}
	if state.BandwidthMbps > 0 {
		switch {
		case state.BandwidthMbps < 1:
			m *= 5.0
		case state.BandwidthMbps < 10:
			m *= 2.0
		case state.BandwidthMbps < 100:
			m *= 1.2
		}
	}
	return m
}

// latencyPenalty is 1 + max(0, latency_ms-100)/500.
func latencyPenalty(latencyMs float64) float64 {
	excess := latencyMs - 100
	if excess < 0 {
		excess = 0
	}
	return 1 + excess/500
}

// NeutralCostState is the moderate fallback used when a peer's cost is
// unavailable or stale: 0.5 normalized CPU load, everything else quiescent.
func NeutralCostState() domain.CostState {
	return domain.CostState{
		CPULoad: 0.5,
		MemPct:  0.5,
	}
}
