// Package cost collects a node's local CostState by platform-abstract
// sampling and implements the pure ComputeNodeCost aggregation used both
// locally and when scoring remote peers during Tier 5 routing.
package cost

// BatteryMonitor reads battery presence, charge level, and charging state.
// Platform adapters (linux/darwin/windows) implement the package-level
// hasBattery/batteryPercentage/isBatteryCharging functions behind build
// tags; there is no Windows/macOS/Linux-specific type here, only the
// functions each file provides.
type BatteryMonitor struct{}

// NewBatteryMonitor creates a battery monitor.
func NewBatteryMonitor() *BatteryMonitor {
	return &BatteryMonitor{}
}

// IsPresent returns true if the machine has a battery (laptop).
func (b *BatteryMonitor) IsPresent() bool {
	return hasBattery()
}

// Percentage returns battery charge level (0-100).
func (b *BatteryMonitor) Percentage() int {
	return batteryPercentage()
}

// IsCharging returns true if plugged in and charging.
func (b *BatteryMonitor) IsCharging() bool {
	return isBatteryCharging()
}

// CPULoad returns the 1-minute load average normalized by core count — the
// raw input the cost model's cpu_mult multiplier is derived from. Returns 0
// when unavailable.
func CPULoad() float64 {
	return readCPULoad()
}

// MemPressure returns resident memory pressure as a fraction in [0,1].
// Returns 0 when unavailable.
func MemPressure() float64 {
	return readMemPressure()
}

// GPUUtilPct returns discrete GPU utilization as a percentage. None of the
// platform adapters (linux, darwin, windows) reads a GPU sensor, so it
// always returns 0.
func GPUUtilPct() float64 {
	return readGPUUtil()
}
