// Package registry implements Atmosphere's in-memory capability registry:
// the gossip.Applier that folds NODE_HELLO/CAPABILITY_UPDATE/NODE_COST_UPDATE
// events into three indices kept in lockstep (by_node, by_capability_type,
// by_domain), entirely derived from gossip — a peer's record is written
// exclusively by apply() on its behalf.
//
// A Manager-style type owns storage behind typed accessors, with a single
// writer lock serializing apply() and readers taking a snapshot under RLock.
package registry

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/metrics"
)

// Config bounds registry behavior.
type Config struct {
	LivenessWindow time.Duration // node considered live within this window of LastSeen
	StaleThreshold time.Duration // CostState older than this reports Stale
	EvictionWindow time.Duration // silence beyond this prunes the node entirely
}

// DefaultConfig returns the documented defaults: liveness_window = 5x gossip
// interval (2s ticks -> 10s), stale_threshold 120s, eviction_window = 3x
// liveness_window.
func DefaultConfig() Config {
	lw := 10 * time.Second
	return Config{
		LivenessWindow: lw,
		StaleThreshold: domain.DefaultStaleThreshold,
		EvictionWindow: 3 * lw,
	}
}

type nodeRecord struct {
	node domain.Node
	seq  uint64
}

// Registry is the process-wide, single-writer store of Node/Capability/
// CostState records. Constructed explicitly at node start and never
// lazy-initialized.
type Registry struct {
	mu  sync.RWMutex
	cfg Config
	now func() time.Time

	byNode map[domain.NodeID]*nodeRecord

	// byCapabilityType and byDomain are derived indices rebuilt incrementally
	// alongside byNode so all three reflect the same generation after every
	// apply.
	byCapabilityType map[domain.CapabilityType]map[string]struct{} // type -> set of "{type}@{node_id}"
	byDomain         map[string]map[string]struct{}                // domain -> set of capability keys

	embeddingDim int // first embedding dimensionality seen; 0 = unconstrained
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.LivenessWindow <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{
		cfg:              cfg,
		now:              time.Now,
		byNode:           make(map[domain.NodeID]*nodeRecord),
		byCapabilityType: make(map[domain.CapabilityType]map[string]struct{}),
		byDomain:         make(map[string]map[string]struct{}),
	}
}

// ApplyResult reports whether apply() accepted an update, and why not.
type ApplyResult struct {
	Accepted bool
	Reason   string
}

func accepted() ApplyResult { return ApplyResult{Accepted: true} }
func rejected(reason string) ApplyResult { return ApplyResult{Accepted: false, Reason: reason} }

// ApplyHello implements gossip.Applier: a NODE_HELLO creates or refreshes a
// node's identity/transport fields without touching its capability list.
func (r *Registry) ApplyHello(node domain.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byNode[node.ID]
	if !ok {
		node.LastSeen = r.now()
		r.byNode[node.ID] = &nodeRecord{node: node}
		return
	}
	rec.node.Name = node.Name
	rec.node.Endpoints = node.Endpoints
	rec.node.LastSeen = r.now()
}

// ApplyCapabilityUpdate implements gossip.Applier. A CAPABILITY_UPDATE
// carrying an embedding whose length disagrees with the first dimensionality
// ever observed is rejected outright (reason "dim_mismatch") rather than
// silently accepted.
func (r *Registry) ApplyCapabilityUpdate(nodeID domain.NodeID, caps []domain.Capability) ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range caps {
		if dim := len(c.Repr.Embedding); dim > 0 {
			if r.embeddingDim == 0 {
				r.embeddingDim = dim
			} else if r.embeddingDim != dim {
				metrics.CapabilityUpdatesApplied.WithLabelValues("rejected").Inc()
				return rejected("dim_mismatch")
			}
		}
	}

	rec, ok := r.byNode[nodeID]
	if !ok {
		rec = &nodeRecord{node: domain.Node{ID: nodeID}}
		r.byNode[nodeID] = rec
	}
	rec.node.LastSeen = r.now()

	// Additive: never remove an existing capability here, only add/replace
	// the named ones by key.
	existing := make(map[string]int, len(rec.node.Capabilities))
	for i, c := range rec.node.Capabilities {
		existing[c.Key()] = i
	}
	for _, c := range caps {
		c.NodeID = nodeID
		if i, found := existing[c.Key()]; found {
			r.unindexCapability(rec.node.Capabilities[i])
			rec.node.Capabilities[i] = c
		} else {
			rec.node.Capabilities = append(rec.node.Capabilities, c)
			existing[c.Key()] = len(rec.node.Capabilities) - 1
		}
		r.indexCapability(c)
	}
	metrics.CapabilityUpdatesApplied.WithLabelValues("applied").Inc()
	metrics.CapabilitiesKnown.Set(float64(r.capabilityCountLocked()))
	return accepted()
}

func (r *Registry) capabilityCountLocked() int {
	n := 0
	for _, keys := range r.byCapabilityType {
		n += len(keys)
	}
	return n
}

// ApplyCostUpdate implements gossip.Applier: NODE_COST_UPDATE.
func (r *Registry) ApplyCostUpdate(nodeID domain.NodeID, cost domain.CostState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byNode[nodeID]
	if !ok {
		rec = &nodeRecord{node: domain.Node{ID: nodeID}}
		r.byNode[nodeID] = rec
	}
	rec.node.Cost = cost
	rec.node.LastSeen = r.now()
}

// ApplyFarewell implements gossip.Applier: a graceful departure removes the
// node and its capabilities immediately rather than waiting for eviction.
func (r *Registry) ApplyFarewell(nodeID domain.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(nodeID)
}

// Evict implements gossip.Applier: called by the gossip engine's liveness
// tracker once a node passes EvictionWindow of silence.
func (r *Registry) Evict(nodeID domain.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(nodeID)
}

func (r *Registry) removeLocked(nodeID domain.NodeID) {
	rec, ok := r.byNode[nodeID]
	if !ok {
		return
	}
	for _, c := range rec.node.Capabilities {
		r.unindexCapability(c)
	}
	delete(r.byNode, nodeID)
	metrics.CapabilitiesKnown.Set(float64(r.capabilityCountLocked()))
}

func (r *Registry) indexCapability(c domain.Capability) {
	key := c.Key()
	if _, ok := r.byCapabilityType[c.Type]; !ok {
		r.byCapabilityType[c.Type] = make(map[string]struct{})
	}
	r.byCapabilityType[c.Type][key] = struct{}{}
	if c.Domain != "" {
		if _, ok := r.byDomain[c.Domain]; !ok {
			r.byDomain[c.Domain] = make(map[string]struct{})
		}
		r.byDomain[c.Domain][key] = struct{}{}
	}
}

func (r *Registry) unindexCapability(c domain.Capability) {
	key := c.Key()
	if set, ok := r.byCapabilityType[c.Type]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(r.byCapabilityType, c.Type)
		}
	}
	if c.Domain != "" {
		if set, ok := r.byDomain[c.Domain]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(r.byDomain, c.Domain)
			}
		}
	}
}

// CapabilityMatch pairs a capability with its owning node and a fresh cost
// snapshot — the tuple Tier 3 candidate generation consumes.
type CapabilityMatch struct {
	Node       domain.Node
	Capability domain.Capability
	Cost       domain.CostState
	CostStale  bool
}

// LookupNodes finds every capability whose Type matches requestedType (honoring
// the "family/*" wildcard via CapabilityType.Matches), optionally filtered
// to a domain. Results are sorted by NodeID for deterministic iteration.
func (r *Registry) LookupNodes(requestedType domain.CapabilityType, dom string) []CapabilityMatch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []CapabilityMatch
	seen := make(map[string]bool)
	for t, keys := range r.byCapabilityType {
		if !t.Matches(requestedType) {
			continue
		}
		for key := range keys {
			if seen[key] {
				continue
			}
			seen[key] = true
			node, cap, ok := r.findByKeyLocked(key)
			if !ok {
				continue
			}
			if dom != "" && cap.Domain != "" && cap.Domain != dom {
				continue
			}
			stale := node.Cost.IsStale(r.now(), r.cfg.StaleThreshold)
			out = append(out, CapabilityMatch{Node: node, Capability: cap, Cost: node.Cost, CostStale: stale})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node.ID < out[j].Node.ID })
	return out
}

// LookupDomain returns every capability advertised for an exact domain tag,
// regardless of type — used by the knowledge store to find peers for a
// rag/<domain> escalation.
func (r *Registry) LookupDomain(dom string) []CapabilityMatch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := r.byDomain[dom]
	out := make([]CapabilityMatch, 0, len(keys))
	for key := range keys {
		node, cap, ok := r.findByKeyLocked(key)
		if !ok {
			continue
		}
		out = append(out, CapabilityMatch{Node: node, Capability: cap, Cost: node.Cost,
			CostStale: node.Cost.IsStale(r.now(), r.cfg.StaleThreshold)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node.ID < out[j].Node.ID })
	return out
}

func (r *Registry) findByKeyLocked(key string) (domain.Node, domain.Capability, bool) {
	for _, rec := range r.byNode {
		for _, c := range rec.node.Capabilities {
			if c.Key() == key {
				return rec.node, c, true
			}
		}
	}
	return domain.Node{}, domain.Capability{}, false
}

// SnapshotCost returns the node's current CostState. Returns ErrNodeUnknown
// if the node has never been seen, ErrStaleCostState if its reading is older
// than StaleThreshold.
func (r *Registry) SnapshotCost(id domain.NodeID) (domain.CostState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byNode[id]
	if !ok {
		return domain.CostState{}, domain.ErrNodeUnknown
	}
	if rec.node.Cost.IsStale(r.now(), r.cfg.StaleThreshold) {
		return rec.node.Cost, domain.ErrStaleCostState
	}
	return rec.node.Cost, nil
}

// Node returns a node's current record and whether it is known.
func (r *Registry) Node(id domain.NodeID) (domain.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byNode[id]
	if !ok {
		return domain.Node{}, false
	}
	return rec.node, true
}

// IsLive reports whether a node was heard from within the registry's
// configured liveness window.
func (r *Registry) IsLive(id domain.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byNode[id]
	if !ok {
		return false
	}
	return rec.node.IsLive(r.now(), r.cfg.LivenessWindow)
}

// Snapshot returns every currently known node, sorted by ID — the registry
// snapshot backing GET /v1/nodes and capability discovery.
func (r *Registry) Snapshot() []domain.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Node, 0, len(r.byNode))
	for _, rec := range r.byNode {
		out = append(out, rec.node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListCapabilities returns every capability matching the optional type and
// domain filters.
func (r *Registry) ListCapabilities(typeFilter domain.CapabilityType, domainFilter string) []domain.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Capability
	for _, rec := range r.byNode {
		for _, c := range rec.node.Capabilities {
			if typeFilter != "" && !c.Type.Matches(typeFilter) {
				continue
			}
			if domainFilter != "" && c.Domain != domainFilter {
				continue
			}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// NodeCount returns the number of nodes currently tracked (for metrics).
func (r *Registry) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNode)
}

// Applier adapts Registry to the gossip engine's Applier interface. The
// engine's call shape has no channel to report an apply rejection back to
// the sender, so Applier logs it instead of returning ApplyResult — direct
// callers (tests, the daemon's local-apply path) use Registry's own
// ApplyCapabilityUpdate to observe {accepted, reason}.
type Applier struct{ *Registry }

// ApplyCapabilityUpdate shadows the embedded Registry method to satisfy the
// gossip engine's void call shape while still surfacing rejections to the
// operator via the standard logger.
func (a Applier) ApplyCapabilityUpdate(nodeID domain.NodeID, caps []domain.Capability) {
	if res := a.Registry.ApplyCapabilityUpdate(nodeID, caps); !res.Accepted {
		log.Printf("[registry] rejected capability update from %s: %s", nodeID, res.Reason)
	}
}

// ApplyKnowledgeState folds a gossiped per-node knowledge summary into the
// owning node's record for display/debugging purposes; the knowledge store
// itself, not the registry, is authoritative for sync state.
func (r *Registry) ApplyKnowledgeState(nodeID domain.NodeID, states []domain.NodeKnowledgeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byNode[nodeID]
	if !ok {
		rec = &nodeRecord{node: domain.Node{ID: nodeID}}
		r.byNode[nodeID] = rec
	}
	rec.node.LastSeen = r.now()
	_ = states // stored by internal/infra/knowledge; registry only touches liveness here
}
