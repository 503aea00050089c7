//go:build linux

package cost

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// readCPULoad reads the 1-minute load average from /proc/loadavg, normalized
// by core count so a fully loaded single core and a fully loaded 8-core
// machine both read ~1.0.
func readCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
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

// readMemPressure estimates memory pressure from /proc/meminfo as
// 1 - MemAvailable/MemTotal.
func readMemPressure() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	var total, available float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoKB(line)
		}
	}
	if total == 0 {
		return 0
	}
	pressure := 1 - available/total
	if pressure < 0 {
		return 0
	}
	return pressure
}

func parseMeminfoKB(line string) float64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0
	}
	return v
}

// readGPUUtil is a stub on Linux until an nvml/rocm-smi adapter is wired.
func readGPUUtil() float64 {
	return 0
}

// hasBattery checks for battery on Linux via sysfs.
func hasBattery() bool {
	_, err := os.Stat("/sys/class/power_supply/BAT0")
	return err == nil
}

// batteryPercentage returns charge on Linux.
func batteryPercentage() int {
	data, err := os.ReadFile("/sys/class/power_supply/BAT0/capacity")
	if err != nil {
		return 100
	}
	pct, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	if pct == 0 {
		return 100
	}
	return pct
}

// isBatteryCharging returns charging state on Linux.
func isBatteryCharging() bool {
	data, err := os.ReadFile("/sys/class/power_supply/BAT0/status")
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(data)) == "Charging"
}
