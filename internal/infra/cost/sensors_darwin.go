//go:build darwin

package cost

import (
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// readCPULoad shells out to sysctl for the 1-minute load average, normalized
// by core count to match the Linux adapter's scale.
func readCPULoad() float64 {
	out, err := exec.Command("sysctl", "-n", "vm.loadavg").Output()
	if err != nil {
		return 0
	}
	fields := strings.Fields(strings.Trim(strings.TrimSpace(string(out)), "{}"))
	if len(fields) == 0 {
		return 0
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	cores := runtime.NumCPU()
	if cores <= 0 {
		cores = 1
	}
	return load1 / float64(cores)
}

// readMemPressure is a stub on macOS until a host_statistics64 adapter is
// wired. Returns 0 (no pressure), which is the neutral/safe default.
func readMemPressure() float64 {
	return 0
}

// readGPUUtil is a stub for Phase 1.
func readGPUUtil() float64 {
	return 0
}

// hasBattery checks for battery on macOS.
func hasBattery() bool {
	out, err := exec.Command("pmset", "-g", "batt").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "Battery")
}

// batteryPercentage returns charge on macOS.
func batteryPercentage() int {
	out, err := exec.Command("pmset", "-g", "batt").Output()
	if err != nil {
		return 100
	}
	for _, line := range strings.Split(string(out), "\n") {
		if idx := strings.Index(line, "%"); idx > 0 {
			start := idx - 1
			for start > 0 && line[start-1] >= '0' && line[start-1] <= '9' {
				start--
			}
			pct, _ := strconv.Atoi(line[start:idx])
			if pct > 0 {
				return pct
			}
		}
	}
	return 100
}

// isBatteryCharging returns charging state on macOS.
func isBatteryCharging() bool {
	out, err := exec.Command("pmset", "-g", "batt").Output()
	if err != nil {
		return true
	}
	return strings.Contains(string(out), "AC Power") || strings.Contains(string(out), "charging")
}
