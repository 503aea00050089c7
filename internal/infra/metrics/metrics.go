// Package metrics provides Prometheus metrics for the Atmosphere node:
// counters, gauges, and histograms for gossip, the capability registry,
// the intent router cascade, knowledge sync, and the dispatcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Gossip ─────────────────────────────────────────────────────────────────

// GossipMessages tracks push/pull anti-entropy messages by type.
var GossipMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "atmosphere",
	Name:      "gossip_messages_total",
	Help:      "Total gossip messages sent or received, by type.",
}, []string{"type"})

// GossipConvergenceTime tracks time for a new capability update to reach a
// peer during anti-entropy.
var GossipConvergenceTime = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "atmosphere",
	Name:      "gossip_convergence_seconds",
	Help:      "Time for a gossiped state change to converge across the mesh.",
	Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
})

// PeersKnown tracks total known peers, alive or not.
var PeersKnown = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "atmosphere",
	Name:      "peers_known_total",
	Help:      "Number of known peers in the gossip mesh.",
})

// PeersAlive tracks peers currently in the alive liveness state.
var PeersAlive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "atmosphere",
	Name:      "peers_alive_total",
	Help:      "Number of peers currently alive.",
})

// ─── Registry ───────────────────────────────────────────────────────────────

// CapabilitiesKnown tracks distinct capability keys held in the registry.
var CapabilitiesKnown = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "atmosphere",
	Name:      "registry_capabilities_known",
	Help:      "Number of distinct capability keys currently in the registry.",
})

// CapabilityUpdatesApplied tracks accepted capability gossip updates.
var CapabilityUpdatesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "atmosphere",
	Name:      "registry_capability_updates_total",
	Help:      "Total capability updates applied, by outcome (applied, stale, rejected).",
}, []string{"outcome"})

// ─── Router ─────────────────────────────────────────────────────────────────

// RouteTierHits tracks which cascade tier produced each routing decision.
var RouteTierHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "atmosphere",
	Name:      "router_tier_hits_total",
	Help:      "Total route decisions, by which cascade tier resolved them.",
}, []string{"tier"})

// RouteLatency tracks end-to-end cascade routing latency.
var RouteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "atmosphere",
	Name:      "router_cascade_latency_seconds",
	Help:      "Time to route an intent through the cascade.",
	Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
})

// RouteFailures tracks routing attempts that found no capable node.
var RouteFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atmosphere",
	Name:      "router_no_capable_node_total",
	Help:      "Total route attempts that found no capable node.",
})

// ─── Cost model ─────────────────────────────────────────────────────────────

// NodeCostScore tracks this node's current composite cost score.
var NodeCostScore = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "atmosphere",
	Name:      "node_cost_score",
	Help:      "This node's current composite routing cost score.",
})

// CostSampleStale tracks how often a cost sample was used past its
// freshness window.
var CostSampleStale = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atmosphere",
	Name:      "cost_sample_stale_total",
	Help:      "Total route decisions made against a stale cost sample.",
})

// ─── Knowledge sync ─────────────────────────────────────────────────────────

// KnowledgeDomainState tracks each subscribed domain's sync state
// (1=state active, 0=not) as a per-state gauge set.
var KnowledgeDomainState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "atmosphere",
	Name:      "knowledge_domain_state",
	Help:      "Sync state per knowledge domain (1=current state, 0=otherwise).",
}, []string{"domain", "state"})

// KnowledgeChunksLocal tracks chunks held locally per domain.
var KnowledgeChunksLocal = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "atmosphere",
	Name:      "knowledge_chunks_local",
	Help:      "Number of chunks currently held locally per domain.",
}, []string{"domain"})

// KnowledgeBytesTransferred tracks chunk bytes pulled from peers.
var KnowledgeBytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "atmosphere",
	Name:      "knowledge_bytes_transferred_total",
	Help:      "Total chunk bytes fetched from peers, by domain.",
}, []string{"domain"})

// KnowledgeSearchEscalations tracks local searches that escalated to a peer.
var KnowledgeSearchEscalations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atmosphere",
	Name:      "knowledge_search_escalations_total",
	Help:      "Total local searches that escalated to a remote peer.",
})

// ─── Dispatcher ─────────────────────────────────────────────────────────────

// DispatchLatency tracks end-to-end Dispatch latency, local or remote.
var DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "atmosphere",
	Name:      "dispatch_latency_seconds",
	Help:      "Intent dispatch latency, by outcome (completed, failed, timeout).",
	Buckets:   prometheus.DefBuckets,
}, []string{"status"})

// DispatchQueueDepth tracks in-flight dispatches against QueueCapacity.
var DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "atmosphere",
	Name:      "dispatch_queue_depth",
	Help:      "Current number of in-flight dispatches.",
})

// DispatchOverloaded tracks admission rejections from a full queue.
var DispatchOverloaded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atmosphere",
	Name:      "dispatch_overloaded_total",
	Help:      "Total dispatches rejected because the queue was full.",
})

// DispatchRetries tracks cross-node retries after a failed attempt.
var DispatchRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "atmosphere",
	Name:      "dispatch_retries_total",
	Help:      "Total cross-node dispatch retries after a failed attempt.",
})

// CircuitBreakerOpen tracks circuit breakers currently open, by node.
var CircuitBreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "atmosphere",
	Name:      "circuit_breaker_open",
	Help:      "Whether a node's circuit breaker is currently open (1) or not (0).",
}, []string{"node"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "atmosphere",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
