package gossip

import (
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
)

// LivenessState is a peer's position in the alive -> stale -> evicted FSM.
type LivenessState int

const (
	LivenessAlive LivenessState = iota
	LivenessStale
	LivenessEvicted
)

func (s LivenessState) String() string {
	switch s {
	case LivenessAlive:
		return "ALIVE"
	case LivenessStale:
		return "STALE"
	case LivenessEvicted:
		return "EVICTED"
	default:
		return "UNKNOWN"
	}
}

// LivenessConfig sets the silence durations that drive the FSM.
type LivenessConfig struct {
	LivenessWindow time.Duration // silence before ALIVE -> STALE
	EvictionWindow time.Duration // silence (from last-seen, not from STALE) before -> EVICTED
}

// DefaultLivenessConfig derives liveness_window = 5*T_gossip and
// eviction_window = 3*liveness_window.
func DefaultLivenessConfig(tGossip time.Duration) LivenessConfig {
	lw := 5 * tGossip
	return LivenessConfig{LivenessWindow: lw, EvictionWindow: 3 * lw}
}

type livenessRecord struct {
	lastSeen time.Time
	state    LivenessState
}

// LivenessTracker mirrors healing.QuarantineManager's lock-guarded
// map-plus-injectable-clock shape, applied here to peer silence instead of
// node failure-count escalation.
type LivenessTracker struct {
	mu      sync.Mutex
	cfg     LivenessConfig
	records map[domain.NodeID]*livenessRecord
	now     func() time.Time
}

// NewLivenessTracker creates a tracker with the given windows.
func NewLivenessTracker(cfg LivenessConfig) *LivenessTracker {
	if cfg.LivenessWindow <= 0 {
		cfg = DefaultLivenessConfig(2 * time.Second)
	}
	return &LivenessTracker{
		cfg:     cfg,
		records: make(map[domain.NodeID]*livenessRecord),
		now:     time.Now,
	}
}

// Touch marks a peer as freshly seen, reviving it from STALE (or absence)
// straight to ALIVE. Not called for a FAREWELL — that goes through Forget.
func (t *LivenessTracker) Touch(id domain.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		r = &livenessRecord{}
		t.records[id] = r
	}
	r.lastSeen = t.now()
	r.state = LivenessAlive
}

// State recomputes and returns a peer's current liveness state. Unknown
// peers report EVICTED — they were never seen or have already been pruned.
func (t *LivenessTracker) State(id domain.NodeID) LivenessState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked(id)
}

func (t *LivenessTracker) stateLocked(id domain.NodeID) LivenessState {
	r, ok := t.records[id]
	if !ok {
		return LivenessEvicted
	}
	elapsed := t.now().Sub(r.lastSeen)
	switch {
	case elapsed > t.cfg.EvictionWindow:
		r.state = LivenessEvicted
	case elapsed > t.cfg.LivenessWindow:
		r.state = LivenessStale
	default:
		r.state = LivenessAlive
	}
	return r.state
}

// Evicted returns every tracked node ID currently past the eviction window.
func (t *LivenessTracker) Evicted() []domain.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.NodeID
	for id := range t.records {
		if t.stateLocked(id) == LivenessEvicted {
			out = append(out, id)
		}
	}
	return out
}

// Forget drops a peer's liveness bookkeeping entirely — called after
// registry eviction, and immediately on a FAREWELL (a graceful departure
// should not linger as STALE before eviction).
func (t *LivenessTracker) Forget(id domain.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// LivePeers returns every tracked node ID currently ALIVE.
func (t *LivenessTracker) LivePeers() []domain.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.NodeID
	for id := range t.records {
		if t.stateLocked(id) == LivenessAlive {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of peers currently in each state combined
// (ALIVE + STALE; evicted peers are pruned and no longer tracked).
func (t *LivenessTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
