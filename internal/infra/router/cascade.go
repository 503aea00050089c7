// Package router implements the five-tier intent routing cascade: exact
// cache, semantic cache, keyword/type match, semantic rerank, cost-weighted
// selection. Each tier either decides or falls through to the next — a
// decided tier never re-runs an earlier one.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/cost"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/dsa"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/metrics"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/registry"
)

// DefaultSimHashHammingMax is Tier 2's default maximum Hamming distance.
const DefaultSimHashHammingMax = 3

// DefaultPreferLocalBonus is the scoring bonus applied to the local node
// under Preferences.Locality == prefer-local.
const DefaultPreferLocalBonus = 0.20

// Config bounds cascade behavior, sourced from the node's flat TOML keys
// (cache_ttl_exact_s, cache_ttl_semantic_s, simhash_hamming_max,
// budget_sensitivity).
type Config struct {
	ExactCacheSize     int
	ExactCacheTTL      time.Duration
	SemanticCacheSize  int
	SemanticCacheTTL   time.Duration
	SimHashHammingMax  int
	BudgetSensitivity  float64
	PreferLocalBonus   float64
}

// DefaultConfig returns the cascade's documented tier defaults.
func DefaultConfig() Config {
	return Config{
		ExactCacheSize:    4096,
		ExactCacheTTL:     DefaultExactCacheTTL,
		SemanticCacheSize: 2048,
		SemanticCacheTTL:  DefaultSemanticCacheTTL,
		SimHashHammingMax: DefaultSimHashHammingMax,
		BudgetSensitivity: 1.0,
		PreferLocalBonus:  DefaultPreferLocalBonus,
	}
}

// Cascade is the per-node router: stateful only in its two caches, every
// other tier reads straight through to the registry.
type Cascade struct {
	self     domain.NodeID
	reg      *registry.Registry
	embedder domain.Embedder // nil if this node has none
	cfg      Config
	now      func() time.Time

	exact    *ExactCache
	semantic *SemanticCache
	embedSF  singleflight.Group
}

// New builds a Cascade. embedder may be nil.
func New(self domain.NodeID, reg *registry.Registry, embedder domain.Embedder, cfg Config) *Cascade {
	if cfg.SimHashHammingMax <= 0 {
		cfg.SimHashHammingMax = DefaultSimHashHammingMax
	}
	return &Cascade{
		self:     self,
		reg:      reg,
		embedder: embedder,
		cfg:      cfg,
		now:      time.Now,
		exact:    NewExactCache(cfg.ExactCacheSize, cfg.ExactCacheTTL),
		semantic: NewSemanticCache(cfg.SemanticCacheSize, cfg.SemanticCacheTTL),
	}
}

// Route runs the cascade for one intent, returning the chosen RouteDecision,
// any non-fatal warnings, and an error only when no candidate could be
// produced at all (ErrNoCapableNode, ErrAllCandidatesStale, ErrDeadlineExceeded).
func (c *Cascade) Route(ctx context.Context, intent domain.Intent) (domain.RouteDecision, []string, error) {
	return c.route(ctx, intent, nil)
}

// RouteExcluding re-runs the cascade for a dispatcher retry: excluded nodes
// (typically one that just failed) are dropped from Tier 3 candidate
// generation, and the cache tiers are skipped outright since a cache hit
// cannot honor an exclusion.
func (c *Cascade) RouteExcluding(ctx context.Context, intent domain.Intent, excluded map[domain.NodeID]bool) (domain.RouteDecision, []string, error) {
	return c.route(ctx, intent, excluded)
}

func (c *Cascade) route(ctx context.Context, intent domain.Intent, excluded map[domain.NodeID]bool) (domain.RouteDecision, []string, error) {
	start := c.now()
	defer func() { metrics.RouteLatency.Observe(c.now().Sub(start).Seconds()) }()

	deadline := intent.Deadline(intent.CreatedAt)
	if !deadline.IsZero() && c.now().After(deadline) {
		return domain.RouteDecision{}, nil, domain.ErrDeadlineExceeded
	}

	queryTokens := tokenize(intent.Payload)
	querySimHash := dsa.SimHash(queryTokens)
	hasQuerySimHash := len(queryTokens) > 0

	if len(excluded) == 0 {
		// Tier 1: exact cache.
		exactKey := ExactCacheKey(intent)
		if dec, ok := c.exact.Get(exactKey); ok {
			if valid, stale := c.validate(dec); valid {
				dec.TierHit = domain.TierExact
				metrics.RouteTierHits.WithLabelValues(string(domain.TierExact)).Inc()
				return c.finish(dec, stale, nil)
			}
		}

		// Tier 2: semantic cache.
		if hasQuerySimHash {
			if dec, ok := c.semantic.Lookup(querySimHash, c.cfg.SimHashHammingMax); ok {
				if valid, stale := c.validate(dec); valid {
					dec.TierHit = domain.TierSemantic
					c.exact.Put(exactKey, dec, ttlOverride(intent))
					metrics.RouteTierHits.WithLabelValues(string(domain.TierSemantic)).Inc()
					return c.finish(dec, stale, nil)
				}
			}
		}
	}

	if !deadline.IsZero() && c.now().After(deadline) {
		return domain.RouteDecision{}, nil, domain.ErrDeadlineExceeded
	}

	// Tier 3: keyword/type match.
	candidates, err := c.tier3Candidates(intent, queryTokens)
	if err != nil {
		if errors.Is(err, domain.ErrNoCapableNode) {
			metrics.RouteFailures.Inc()
		}
		return domain.RouteDecision{}, nil, err
	}
	if len(excluded) > 0 {
		candidates = excludeNodes(candidates, excluded)
		if len(candidates) == 0 {
			return domain.RouteDecision{}, nil, domain.ErrNoCapableNode
		}
	}

	var warnings []string
	var decision domain.RouteDecision

	if len(candidates) == 1 {
		decision = domain.RouteDecision{
			IntentID:      intent.ID,
			NodeID:        candidates[0].Node.ID,
			CapabilityKey: candidates[0].Capability.Key(),
			TierHit:       domain.TierKeyword,
			Score:         1.0,
			Reason:        "single keyword/type match",
			HopCount:      candidates[0].Node.Hops,
			DecidedAt:     c.now(),
		}
		if candidates[0].CostStale {
			warnings = append(warnings, domain.WarnStaleCost)
		}
	} else {
		if !deadline.IsZero() && c.now().After(deadline) {
			return domain.RouteDecision{}, nil, domain.ErrDeadlineExceeded
		}
		// Tier 4: semantic rerank.
		queryEmbedding, err := c.queryEmbedding(ctx, intent)
		if err != nil {
			// Embedding failure degrades to SimHash/keyword scoring, not a
			// cascade failure.
			queryEmbedding = nil
		}
		scored := make(map[string]float64, len(candidates))
		for _, cand := range candidates {
			scored[cand.Capability.Key()] = rerankScore(queryEmbedding, querySimHash, hasQuerySimHash, cand.Capability)
		}
		if len(queryEmbedding) == 0 {
			warnings = append(warnings, domain.WarnDegradedTierHit)
		}

		// Rerank may decide on its own: when pruning the clearly dissimilar
		// candidates leaves exactly one, no cost weighing is needed.
		if survivors := pruneBelowRerankFloor(candidates, scored); len(survivors) == 1 {
			decision = domain.RouteDecision{
				IntentID:      intent.ID,
				NodeID:        survivors[0].Node.ID,
				CapabilityKey: survivors[0].Capability.Key(),
				TierHit:       domain.TierRerank,
				Score:         scored[survivors[0].Capability.Key()],
				Reason:        "semantic rerank left a single candidate",
				HopCount:      survivors[0].Node.Hops,
				DecidedAt:     c.now(),
			}
			if survivors[0].CostStale {
				warnings = append(warnings, domain.WarnStaleCost)
			}
		} else {
			// Tier 5: cost-weighted selection.
			var tier5Warnings []string
			decision, tier5Warnings = c.tier5Select(intent, survivors, scored)
			warnings = append(warnings, tier5Warnings...)
		}
	}

	if len(excluded) == 0 {
		c.exact.Put(ExactCacheKey(intent), decision, ttlOverride(intent))
	}
	if hasQuerySimHash && len(excluded) == 0 {
		c.semantic.Put(querySimHash, decision, ttlOverride(intent))
	}
	metrics.RouteTierHits.WithLabelValues(string(decision.TierHit)).Inc()
	return decision, warnings, nil
}

// rerankDecisionFloor is the Tier 4 score below which a candidate is pruned
// when at least one other candidate clears it.
const rerankDecisionFloor = 0.3

// pruneBelowRerankFloor drops candidates scoring under the floor, provided
// someone clears it — scoring everyone poorly prunes no one.
func pruneBelowRerankFloor(candidates []registry.CapabilityMatch, scored map[string]float64) []registry.CapabilityMatch {
	anyAbove := false
	for _, cand := range candidates {
		if scored[cand.Capability.Key()] >= rerankDecisionFloor {
			anyAbove = true
			break
		}
	}
	if !anyAbove {
		return candidates
	}
	out := candidates[:0:0]
	for _, cand := range candidates {
		if scored[cand.Capability.Key()] >= rerankDecisionFloor {
			out = append(out, cand)
		}
	}
	return out
}

// validate re-checks a cached decision's liveness and capability presence
// before trusting it. Returns whether the cached node's cost reading is
// stale, for warning purposes.
func (c *Cascade) validate(dec domain.RouteDecision) (ok bool, costStale bool) {
	node, found := c.reg.Node(dec.NodeID)
	if !found || !c.reg.IsLive(dec.NodeID) {
		return false, false
	}
	for _, cp := range node.Capabilities {
		if cp.Key() == dec.CapabilityKey {
			return true, node.Cost.IsStale(c.now(), domain.DefaultStaleThreshold)
		}
	}
	return false, false
}

func (c *Cascade) finish(dec domain.RouteDecision, costStale bool, warnings []string) (domain.RouteDecision, []string, error) {
	if costStale {
		warnings = append(warnings, domain.WarnStaleCost)
	}
	return dec, warnings, nil
}

// tier3Candidates implements Tier 3: first domain-or-keyword filtered,
// falling back to type-only matching before giving up.
func (c *Cascade) tier3Candidates(intent domain.Intent, queryTokens []string) ([]registry.CapabilityMatch, error) {
	all := c.reg.LookupNodes(intent.Type, "")
	if len(all) == 0 {
		return nil, domain.ErrNoCapableNode
	}

	filtered := filterByLiveness(c.reg, filterByDomainOrKeyword(all, intent.Domain, queryTokens))
	if len(filtered) == 0 {
		filtered = filterByLiveness(c.reg, all) // type-only fallback
	}
	if len(filtered) == 0 {
		return nil, domain.ErrAllCandidatesStale
	}

	if intent.Preferences.Locality == domain.LocalitySpecificNode {
		var restricted []registry.CapabilityMatch
		for _, cand := range filtered {
			if cand.Node.ID == intent.Preferences.SpecificNode {
				restricted = append(restricted, cand)
			}
		}
		if len(restricted) == 0 {
			return nil, domain.ErrNoCapableNode
		}
		return restricted, nil
	}
	return filtered, nil
}

// filterByDomainOrKeyword keeps candidates passing any of Tier 3's three
// admission rules (domain match, keyword intersection, generalist), then
// narrows to the specifically-matched subset when one exists: a candidate
// whose domain or keywords actually matched the intent beats one admitted
// only for having no domain at all.
func filterByDomainOrKeyword(matches []registry.CapabilityMatch, wantDomain string, queryTokens []string) []registry.CapabilityMatch {
	var admitted, specific []registry.CapabilityMatch
	for _, m := range matches {
		domainMatch := wantDomain != "" && m.Capability.Domain == wantDomain
		generalist := m.Capability.Domain == ""
		keywordOK := keywordOverlap(queryTokens, m.Capability.Repr.Keywords)
		if domainMatch || generalist || keywordOK || wantDomain == "" {
			admitted = append(admitted, m)
		}
		if domainMatch || keywordOK {
			specific = append(specific, m)
		}
	}
	if len(specific) > 0 {
		return specific
	}
	return admitted
}

func excludeNodes(matches []registry.CapabilityMatch, excluded map[domain.NodeID]bool) []registry.CapabilityMatch {
	var out []registry.CapabilityMatch
	for _, m := range matches {
		if !excluded[m.Node.ID] {
			out = append(out, m)
		}
	}
	return out
}

func filterByLiveness(reg *registry.Registry, matches []registry.CapabilityMatch) []registry.CapabilityMatch {
	var out []registry.CapabilityMatch
	for _, m := range matches {
		if reg.IsLive(m.Node.ID) {
			out = append(out, m)
		}
	}
	return out
}

// queryEmbedding returns the vector Tier 4 scores candidates against:
// a precomputed embedding on the intent takes priority (e.g. a RAG
// escalation), otherwise the local embedder is used if present.
func (c *Cascade) queryEmbedding(ctx context.Context, intent domain.Intent) ([]float32, error) {
	if len(intent.PrecomputedEmbedding) > 0 {
		return intent.PrecomputedEmbedding, nil
	}
	if c.embedder == nil {
		return nil, nil
	}
	key := intent.Type.Family() + ":" + strconv.FormatUint(xxhashBytes(intent.Payload), 16)
	v, err, _ := c.embedSF.Do(key, func() (interface{}, error) {
		return c.embedder.Embed(ctx, string(intent.Payload))
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// tier5Select applies ComputeNodeCost-weighted scoring and breaks ties by
// hop count, then latency, then lexicographic node ID.
func (c *Cascade) tier5Select(intent domain.Intent, candidates []registry.CapabilityMatch, scored map[string]float64) (domain.RouteDecision, []string) {
	type ranked struct {
		match registry.CapabilityMatch
		final float64
	}
	var pool []ranked
	var anyStale bool

	budgetSensitivity := c.cfg.BudgetSensitivity
	if budgetSensitivity <= 0 {
		budgetSensitivity = 1.0
	}

	for _, cand := range candidates {
		state := cand.Cost
		stale := cand.CostStale
		if stale {
			anyStale = true
			state = cost.NeutralCostState()
			metrics.CostSampleStale.Inc()
		}
		work := workKindFor(cand.Capability.Type)
		nodeCost := cost.ComputeNodeCost(state, work, budgetSensitivity)
		score := scored[cand.Capability.Key()]
		final := score / nodeCost
		if intent.Preferences.Locality == domain.LocalityPreferLocal && cand.Node.ID == c.self {
			final *= 1 + c.cfg.PreferLocalBonus
		}
		pool = append(pool, ranked{match: cand, final: final})
	}

	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.final != b.final {
			return a.final > b.final
		}
		if a.match.Node.Hops != b.match.Node.Hops {
			return a.match.Node.Hops < b.match.Node.Hops
		}
		if a.match.Cost.LatencyMs != b.match.Cost.LatencyMs {
			return a.match.Cost.LatencyMs < b.match.Cost.LatencyMs
		}
		return a.match.Node.ID < b.match.Node.ID
	})

	best := pool[0].match
	var warnings []string
	if anyStale {
		warnings = append(warnings, domain.WarnStaleCost)
	}

	return domain.RouteDecision{
		IntentID:      intent.ID,
		NodeID:        best.Node.ID,
		CapabilityKey: best.Capability.Key(),
		TierHit:       domain.TierCost,
		Score:         pool[0].final,
		Reason:        fmt.Sprintf("cost-weighted selection among %d candidates", len(pool)),
		HopCount:      best.Node.Hops,
		DecidedAt:     c.now(),
	}, warnings
}

// workKindFor maps a capability's family to the WorkKind ComputeNodeCost
// applies a GPU multiplier for.
func workKindFor(t domain.CapabilityType) domain.WorkKind {
	switch t.Family() {
	case "llm", "vision", "audio":
		return domain.WorkInference
	case "ml":
		return domain.WorkEmbedding
	default:
		return domain.WorkOther
	}
}

func ttlOverride(intent domain.Intent) time.Duration {
	if intent.Cache.TTLs > 0 {
		return time.Duration(intent.Cache.TTLs) * time.Second
	}
	return 0
}
