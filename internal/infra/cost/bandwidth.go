package cost

import (
	"sync"
	"time"
)

// bandwidthSample is one bucket of a rolling transfer-rate window.
type bandwidthSample struct {
	at    time.Time
	bytes int64
}

// BandwidthEstimator tracks bytes transferred over a rolling window (default
// 60s) and estimates current throughput in Mbps.
type BandwidthEstimator struct {
	mu     sync.Mutex
	window time.Duration
	clock  func() time.Time
	samples []bandwidthSample
}

// NewBandwidthEstimator creates an estimator over the given rolling window
// (default 60s if window <= 0).
func NewBandwidthEstimator(window time.Duration) *BandwidthEstimator {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &BandwidthEstimator{window: window, clock: time.Now}
}

// Record registers n bytes transferred at the current time.
func (e *BandwidthEstimator) Record(n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	e.samples = append(e.samples, bandwidthSample{at: now, bytes: n})
	e.evict(now)
}

// evict drops samples older than the window. Called with e.mu held.
func (e *BandwidthEstimator) evict(now time.Time) {
	cutoff := now.Add(-e.window)
	i := 0
	for i < len(e.samples) && e.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		e.samples = e.samples[i:]
	}
}

// Mbps returns the estimated throughput over the current window, in
// megabits per second. Returns 0 if no samples fall within the window.
func (e *BandwidthEstimator) Mbps() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	e.evict(now)
	if len(e.samples) == 0 {
		return 0
	}
	var total int64
	for _, s := range e.samples {
		total += s.bytes
	}
	elapsed := now.Sub(e.samples[0].at).Seconds()
	if elapsed <= 0 {
		elapsed = e.window.Seconds()
	}
	bits := float64(total) * 8
	return bits / elapsed / 1e6
}
