// Package domain holds Atmosphere's pure types: no infrastructure, no I/O.
// Registry, gossip, router and dispatcher all depend on this package;
// it depends on nothing but the standard library.
package domain

import "time"

// NodeID opaquely identifies a mesh participant. Stable across restarts —
// derived from the node's Ed25519 public key (see internal/security).
type NodeID string

// Node is a participant in the mesh, entirely derived from gossip: a peer's
// record is written exclusively by gossip-apply on its behalf. A Node is
// created on first sighting and pruned after EvictionWindow of silence.
type Node struct {
	ID           NodeID       `json:"node_id"`
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities"`
	Cost         CostState    `json:"cost_state"`
	LastSeen     time.Time    `json:"last_seen"`
	Endpoints    []string     `json:"endpoints"` // opaque transport addresses
	Hops         int          `json:"hops"`      // gossip distance from local node; 0 = self
}

// IsLive reports whether the node was heard from within livenessWindow.
func (n *Node) IsLive(now time.Time, livenessWindow time.Duration) bool {
	return now.Sub(n.LastSeen) <= livenessWindow
}

// CapabilityType is a closed two-level tag, e.g. "llm/chat", "vision/classify",
// "rag/wildlife". The vocabulary is frozen by configuration at startup, not
// enumerated here as a Go enum — new leaf types must not require a rebuild of
// every node in the mesh.
type CapabilityType string

// Family returns the type's top-level segment ("llm/chat" -> "llm"). Used for
// wildcard matching such as "vision/*" against "vision/classify".
func (t CapabilityType) Family() string {
	for i, r := range t {
		if r == '/' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Matches reports whether t satisfies a requested type, honoring the family
// wildcard form "family/*".
func (t CapabilityType) Matches(requested CapabilityType) bool {
	if t == requested {
		return true
	}
	if len(requested) >= 2 && requested[len(requested)-2:] == "/*" {
		return t.Family() == string(requested[:len(requested)-2])
	}
	return false
}

// Representations carries the forms a capability may expose for matching.
// Not every node produces every form — a tiny sensor may gossip only
// Keywords and Domain. Invariant: when Embedding is present it is
// byte-identical across every peer holding it; it is pre-computed at the
// source and never re-embedded in transit.
type Representations struct {
	Embedding   []float32 `json:"embedding,omitempty"`    // L2-normalized, fixed dimensionality
	SimHash     uint64    `json:"simhash,omitempty"`      // 64-bit fingerprint
	HasSimHash  bool      `json:"has_simhash,omitempty"`  // SimHash 0 is a valid fingerprint
	Keywords    []string  `json:"keywords,omitempty"`     // lowercased, ordered
	Domain      string    `json:"domain,omitempty"`
}

// Constraints bounds how a capability may be invoked (payload size, rate
// limits, cost ceilings). Opaque to the router beyond presence/absence.
type Constraints struct {
	MaxPayloadBytes int64 `json:"max_payload_bytes,omitempty"`
	MaxConcurrency  int   `json:"max_concurrency,omitempty"`
}

// Capability is (type, domain?, node_id, representations, constraints).
// Bidirectional: it may expose tools (pulled on demand) or triggers (pushed
// on local events) — Kind distinguishes the two. Every capability is
// addressable as "{type}@{node_id}" and uniquely keyed by that pair.
type Capability struct {
	Type        CapabilityType   `json:"type"`
	Domain      string           `json:"domain,omitempty"`
	NodeID      NodeID           `json:"node_id"`
	Kind        CapabilityKind   `json:"kind"`
	Repr        Representations  `json:"representations"`
	Constraints Constraints      `json:"constraints,omitempty"`
}

// CapabilityKind distinguishes pull (tool) from push (trigger) capabilities.
type CapabilityKind string

const (
	CapabilityTool    CapabilityKind = "tool"
	CapabilityTrigger CapabilityKind = "trigger"
)

// Key returns the capability's unique registry key: "{type}@{node_id}".
func (c Capability) Key() string {
	return string(c.Type) + "@" + string(c.NodeID)
}
