package router

import (
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
)

// exactEntry is one Tier 1 cache row: a previously chosen RouteDecision plus
// its expiry, keyed by the canonical hash of (type, domain, payload digest,
// relevant preference fields).
type exactEntry struct {
	decision domain.RouteDecision
	expires  time.Time
}

// ExactCache backs Tier 1 (target budget ~0.01ms): an LRU of bounded size
// with a TTL checked on read, wrapping hashicorp/golang-lru/v2 with TTL
// metadata (see DESIGN.md) since the library itself has no expiry notion.
type ExactCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, exactEntry]
	ttl time.Duration
	now func() time.Time
}

// DefaultExactCacheTTL is Tier 1's default TTL.
const DefaultExactCacheTTL = 60 * time.Second

// NewExactCache creates a Tier 1 cache holding up to size entries.
func NewExactCache(size int, ttl time.Duration) *ExactCache {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = DefaultExactCacheTTL
	}
	c, _ := lru.New[string, exactEntry](size)
	return &ExactCache{lru: c, ttl: ttl, now: time.Now}
}

// Get returns the cached decision for key if present and unexpired.
func (c *ExactCache) Get(key string) (domain.RouteDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		return domain.RouteDecision{}, false
	}
	if c.now().After(e.expires) {
		c.lru.Remove(key)
		return domain.RouteDecision{}, false
	}
	return e.decision, true
}

// Put stores a decision under key with the cache's configured TTL, or a
// per-intent override ttl if ttlOverride > 0.
func (c *ExactCache) Put(key string, decision domain.RouteDecision, ttlOverride time.Duration) {
	ttl := c.ttl
	if ttlOverride > 0 {
		ttl = ttlOverride
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, exactEntry{decision: decision, expires: c.now().Add(ttl)})
}

// ExactCacheKey computes the canonical Tier 1 key: type, domain, a digest of
// the payload, and the preference fields that affect routing (locality and
// its specific-node target — latency/accuracy preferences shape scoring
// inside a tier, not which tier fires, so they're excluded from the key).
func ExactCacheKey(intent domain.Intent) string {
	var b strings.Builder
	b.WriteString(string(intent.Type))
	b.WriteByte('|')
	b.WriteString(intent.Domain)
	b.WriteByte('|')
	if intent.Cache.Key != "" {
		b.WriteString(intent.Cache.Key)
	} else {
		b.WriteString(strconv.FormatUint(xxhashBytes(intent.Payload), 16))
	}
	b.WriteByte('|')
	b.WriteString(string(intent.Preferences.Locality))
	b.WriteByte('|')
	b.WriteString(string(intent.Preferences.SpecificNode))
	return b.String()
}

// semanticEntry is one Tier 2 cache row, keyed by a 64-bit SimHash fingerprint.
type semanticEntry struct {
	decision domain.RouteDecision
	expires  time.Time
}

// DefaultSemanticCacheTTL is Tier 2's default TTL.
const DefaultSemanticCacheTTL = time.Hour

// SemanticCache backs Tier 2 (target budget ~0.1ms): lookup is by Hamming
// distance <= d_sim against stored fingerprints, not exact key match, so
// unlike ExactCache it scans its (bounded) key set rather than doing a
// single map probe.
type SemanticCache struct {
	mu      sync.Mutex
	entries map[uint64]semanticEntry
	order   []uint64 // insertion order, for simple FIFO eviction once over cap
	cap     int
	ttl     time.Duration
	now     func() time.Time
}

// NewSemanticCache creates a Tier 2 cache holding up to size fingerprints.
func NewSemanticCache(size int, ttl time.Duration) *SemanticCache {
	if size <= 0 {
		size = 2048
	}
	if ttl <= 0 {
		ttl = DefaultSemanticCacheTTL
	}
	return &SemanticCache{entries: make(map[uint64]semanticEntry), cap: size, ttl: ttl, now: time.Now}
}

// Lookup scans stored fingerprints for one within maxHamming of fp, returning
// the nearest match's decision. Expired entries are pruned as encountered.
func (c *SemanticCache) Lookup(fp uint64, maxHamming int) (domain.RouteDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bestDist := maxHamming + 1
	var best domain.RouteDecision
	found := false
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
			continue
		}
		d := hammingDistance(fp, k)
		if d <= maxHamming && d < bestDist {
			bestDist = d
			best = e.decision
			found = true
		}
	}
	return best, found
}

// Put stores a decision under fingerprint fp.
func (c *SemanticCache) Put(fp uint64, decision domain.RouteDecision, ttlOverride time.Duration) {
	ttl := c.ttl
	if ttlOverride > 0 {
		ttl = ttlOverride
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[fp]; !exists && len(c.entries) >= c.cap && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[fp] = semanticEntry{decision: decision, expires: c.now().Add(ttl)}
	c.order = append(c.order, fp)
}
