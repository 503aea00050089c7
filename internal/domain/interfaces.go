package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers. Infra packages
// implement them; router/dispatcher depend on them, never the other way.

// IntentHandler executes an Intent locally — the only thing the dispatcher
// calls in-process. Implementations live outside the core as external
// collaborators; the core only defines the call shape.
type IntentHandler interface {
	Handle(ctx context.Context, intent Intent) ([]byte, error)
}

// Transport is opaque to the core: the registry stores one or more
// endpoint strings per node, and the dispatcher/gossip engine/knowledge sync
// worker use a Transport to reach them. Implementations must honor
// per-message deadlines and report the sender's transport-authenticated
// identity as NodeID.
type Transport interface {
	// SendGossip exchanges a gossip envelope with a peer and returns its reply.
	SendGossip(ctx context.Context, to NodeID, payload []byte) ([]byte, error)

	// ForwardIntent ships an Intent to a remote node for execution.
	ForwardIntent(ctx context.Context, to NodeID, intent Intent) (IntentResponse, error)

	// FetchChunks requests chunk bodies by ID from a remote node.
	FetchChunks(ctx context.Context, to NodeID, domain string, ids []string) ([]KnowledgeChunk, error)

	// FetchManifest requests a domain's current manifest from a remote node.
	FetchManifest(ctx context.Context, to NodeID, domain string) (DomainManifest, error)
}

// Embedder computes dense embeddings for query text, used by Tier 4 rerank
// and by the knowledge store when indexing locally authored chunks. Not
// every node has one — its absence is not an error, just a capability gap
// routed around by the cascade.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensionality() int
}

// CostSampler produces a CostState reading for the local node. Platform
// adapters implement this; ErrCostUnavailable is returned when no adapter
// applies, and the router substitutes a neutral 0.5 normalized load.
type CostSampler interface {
	Sample(ctx context.Context) (CostState, error)
}

// Clock abstracts time for deterministic tests of TTL/liveness/eviction
// logic, mirroring the injectable-clock pattern used by the circuit breaker.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
