// Package dsa collects the shared data-structure toolkit used across the
// mesh: a consistent-hash ring for sharding domain ownership, a bloom filter
// for compact swarm/peer-has-chunk membership, a starvation-resistant
// priority queue for the knowledge sync scheduler, and the similarity
// primitives (SimHash, cosine) the router's Tier 2/Tier 4 caches rely on.
package dsa

import (
	"container/heap"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ─── Hash Ring ──────────────────────────────────────────────────────────────

// HashRingConfig tunes the ring's virtual-node density. More vnodes per
// physical node trade memory for a smoother key distribution.
type HashRingConfig struct {
	VirtualNodes int
}

// DefaultHashRingConfig returns the ring's default vnode density: 150
// virtual nodes per physical node gives good balance for small-to-medium
// mesh sizes without an excessive lookup table.
func DefaultHashRingConfig() HashRingConfig {
	return HashRingConfig{VirtualNodes: 150}
}

// HashRing is a consistent-hash ring over string node identifiers, used to
// shard ownership of knowledge domains (or any other key space) across
// nodes with minimal rebalancing on membership change.
type HashRing struct {
	mu       sync.RWMutex
	cfg      HashRingConfig
	vnodeOf  map[uint64]string // hash -> physical node
	sorted   []uint64          // sorted vnode hashes, kept in step with vnodeOf
	nodes    map[string]bool
}

// NewHashRing creates an empty ring with the given configuration.
func NewHashRing(cfg HashRingConfig) *HashRing {
	if cfg.VirtualNodes <= 0 {
		cfg.VirtualNodes = 150
	}
	return &HashRing{
		cfg:     cfg,
		vnodeOf: make(map[uint64]string),
		nodes:   make(map[string]bool),
	}
}

func ringHash(s string) uint64 {
	return xxhash.Sum64String(s)
}

// AddNode inserts a physical node and its virtual nodes into the ring.
// Adding a node already present is a no-op.
func (r *HashRing) AddNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nodes[node] {
		return
	}
	r.nodes[node] = true
	for i := 0; i < r.cfg.VirtualNodes; i++ {
		h := ringHash(node + "#" + strconv.Itoa(i))
		r.vnodeOf[h] = node
	}
	r.rebuildSorted()
}

// RemoveNode removes a physical node and all its virtual nodes.
func (r *HashRing) RemoveNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.nodes[node] {
		return
	}
	delete(r.nodes, node)
	for i := 0; i < r.cfg.VirtualNodes; i++ {
		h := ringHash(node + "#" + strconv.Itoa(i))
		delete(r.vnodeOf, h)
	}
	r.rebuildSorted()
}

func (r *HashRing) rebuildSorted() {
	sorted := make([]uint64, 0, len(r.vnodeOf))
	for h := range r.vnodeOf {
		sorted = append(sorted, h)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	r.sorted = sorted
}

// Lookup returns the physical node owning key, or "" if the ring is empty.
func (r *HashRing) Lookup(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sorted) == 0 {
		return ""
	}
	h := ringHash(key)
	idx := sort.Search(len(r.sorted), func(i int) bool { return r.sorted[i] >= h })
	if idx == len(r.sorted) {
		idx = 0
	}
	return r.vnodeOf[r.sorted[idx]]
}

// LookupN returns up to n distinct physical nodes walking clockwise from
// key's position, for replica placement. Capped at the ring's node count.
func (r *HashRing) LookupN(key string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sorted) == 0 || n <= 0 {
		return nil
	}
	h := ringHash(key)
	start := sort.Search(len(r.sorted), func(i int) bool { return r.sorted[i] >= h })

	seen := make(map[string]bool)
	out := make([]string, 0, n)
	for i := 0; i < len(r.sorted) && len(out) < n; i++ {
		idx := (start + i) % len(r.sorted)
		node := r.vnodeOf[r.sorted[idx]]
		if !seen[node] {
			seen[node] = true
			out = append(out, node)
		}
	}
	return out
}

// Nodes returns the set of physical nodes currently in the ring, sorted.
func (r *HashRing) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for n := range r.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of physical nodes in the ring.
func (r *HashRing) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// ─── Bloom Filter ───────────────────────────────────────────────────────────

// BloomConfig sizes a bloom filter for an expected item count and a target
// false-positive rate.
type BloomConfig struct {
	ExpectedItems int
	FPRate        float64
}

// DefaultBloomConfig targets 10,000 items at a 1% false-positive rate — a
// reasonable default for per-domain peer-has-chunk swarm tracking.
func DefaultBloomConfig() BloomConfig {
	return BloomConfig{ExpectedItems: 10000, FPRate: 0.01}
}

// BloomFilter is a fixed-size probabilistic set: Contains never
// false-negatives, and false-positives occur at approximately the
// configured rate.
type BloomFilter struct {
	mu       sync.RWMutex
	bits     []uint64
	numBits  uint
	numHash  uint
	count    int
}

// NewBloomFilter sizes and allocates a filter per the optimal formulas:
// m = ceil(-n*ln(p) / ln(2)^2), k = round(m/n * ln(2)).
func NewBloomFilter(cfg BloomConfig) *BloomFilter {
	if cfg.ExpectedItems <= 0 {
		cfg.ExpectedItems = 10000
	}
	if cfg.FPRate <= 0 || cfg.FPRate >= 1 {
		cfg.FPRate = 0.01
	}
	n := float64(cfg.ExpectedItems)
	m := math.Ceil(-n * math.Log(cfg.FPRate) / (math.Log(2) * math.Log(2)))
	k := math.Round(m / n * math.Log(2))
	if k < 1 {
		k = 1
	}
	numBits := uint(m)
	words := (numBits + 63) / 64
	return &BloomFilter{
		bits:    make([]uint64, words),
		numBits: numBits,
		numHash: uint(k),
	}
}

// hashes returns the numHash bit positions for item using double hashing
// (Kirsch-Mitzenmacher): h_i = h1 + i*h2 mod m.
func (b *BloomFilter) hashes(item string) []uint {
	h1 := xxhash.Sum64String(item)
	h2 := xxhash.Sum64String(item + "\x00salt")
	out := make([]uint, b.numHash)
	for i := uint(0); i < b.numHash; i++ {
		combined := h1 + uint64(i)*h2
		out[i] = uint(combined % uint64(b.numBits))
	}
	return out
}

// Add inserts item into the filter.
func (b *BloomFilter) Add(item string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pos := range b.hashes(item) {
		b.bits[pos/64] |= 1 << (pos % 64)
	}
	b.count++
}

// Contains reports whether item was possibly added. False positives are
// possible at approximately the configured rate; false negatives never occur.
func (b *BloomFilter) Contains(item string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, pos := range b.hashes(item) {
		if b.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Reset clears the filter back to empty.
func (b *BloomFilter) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.bits {
		b.bits[i] = 0
	}
	b.count = 0
}

// Count returns the number of items added since creation or the last Reset
// (an upper bound on set size, not corrected for possible duplicates).
func (b *BloomFilter) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Config returns the filter's bit-array size and hash-function count.
func (b *BloomFilter) Config() (numBits, numHash uint) {
	return b.numBits, b.numHash
}

// EstimatedFPRate estimates the current false-positive rate given how many
// bits are set, per the standard bloom-filter formula
// (1 - e^(-k*n/m))^k.
func (b *BloomFilter) EstimatedFPRate() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return 0
	}
	k := float64(b.numHash)
	n := float64(b.count)
	m := float64(b.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}

// ─── Priority Queue ─────────────────────────────────────────────────────────

// HeapItem is one entry in the priority queue: lower Priority values are
// served first, ties broken by earliest SubmittedAt (FIFO).
type HeapItem struct {
	Key         string
	Priority    int
	SubmittedAt time.Time
}

// PriorityQueueConfig controls starvation-prevention aging: a task waiting
// longer than BoostInterval has its effective priority reduced (boosted)
// by one level per interval elapsed, capped at MaxBoost.
type PriorityQueueConfig struct {
	BoostInterval time.Duration
	MaxBoost      int
}

// DefaultPriorityQueueConfig disables aging (BoostInterval=0 means no boost
// is ever applied) — callers that want starvation prevention must opt in.
func DefaultPriorityQueueConfig() PriorityQueueConfig {
	return PriorityQueueConfig{BoostInterval: 0, MaxBoost: 0}
}

// PriorityQueue is a concurrency-safe min-priority queue over HeapItem with
// starvation-prevention aging and FIFO tie-breaking.
type PriorityQueue struct {
	mu  sync.Mutex
	h   *itemHeap
	cfg PriorityQueueConfig
	now func() time.Time
}

// NewPriorityQueue creates an empty priority queue.
func NewPriorityQueue(cfg PriorityQueueConfig) *PriorityQueue {
	ih := &itemHeap{}
	heap.Init(ih)
	return &PriorityQueue{
		h:   ih,
		cfg: cfg,
		now: time.Now,
	}
}

func (pq *PriorityQueue) effectivePriority(it HeapItem, now time.Time) int {
	if pq.cfg.BoostInterval <= 0 {
		return it.Priority
	}
	waited := now.Sub(it.SubmittedAt)
	boost := int(waited / pq.cfg.BoostInterval)
	if boost > pq.cfg.MaxBoost {
		boost = pq.cfg.MaxBoost
	}
	return it.Priority - boost
}

// Push adds an item to the queue.
func (pq *PriorityQueue) Push(item HeapItem) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	heap.Push(pq.h, item)
}

// Pop removes and returns the highest-priority item (lowest effective
// priority value, ties broken by earliest SubmittedAt).
func (pq *PriorityQueue) Pop() (HeapItem, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.h.Len() == 0 {
		return HeapItem{}, false
	}
	pq.reorder()
	item := heap.Pop(pq.h).(HeapItem)
	return item, true
}

// Peek returns the highest-priority item without removing it.
func (pq *PriorityQueue) Peek() (HeapItem, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.h.Len() == 0 {
		return HeapItem{}, false
	}
	pq.reorder()
	return (*pq.h)[0].HeapItem, true
}

// Len returns the number of items currently queued.
func (pq *PriorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.h.Len()
}

// reorder recomputes effective priorities against the current clock and
// re-heapifies. Called with pq.mu held.
func (pq *PriorityQueue) reorder() {
	now := pq.now()
	for i := range *pq.h {
		(*pq.h)[i].effective = pq.effectivePriority((*pq.h)[i].HeapItem, now)
	}
	heap.Init(pq.h)
}

// itemHeap is the container/heap implementation backing PriorityQueue.
type itemHeap []rankedItem

type rankedItem struct {
	HeapItem
	effective int
}

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].effective != h[j].effective {
		return h[i].effective < h[j].effective
	}
	return h[i].SubmittedAt.Before(h[j].SubmittedAt)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) {
	*h = append(*h, rankedItem{HeapItem: x.(HeapItem)})
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item.HeapItem
}
