package knowledge

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/dsa"
)

// numPlanes sets the bucket space to 2^numPlanes buckets per domain — 256
// buckets balances scan size against how many chunks collide per bucket for
// typical domain sizes.
const numPlanes = 8

// indexSeed fixes the random hyperplane projection so bucket assignment is
// stable across restarts; the planes only need to be consistent with
// themselves; their direction is arbitrary.
const indexSeed = 0x5bd1e995

type indexEntry struct {
	chunk domain.KnowledgeChunk
}

// Index is a SimHash-style bucketed flat cosine-similarity vector index:
// chunks whose embeddings fall on the same side of a fixed set of random
// hyperplanes land in the same bucket, so a query only has to cosine-scan
// the handful of chunks near it instead of the whole domain. Approximate
// kNN, not exact — the simplification this mesh accepts in place of a full
// ANN library.
type Index struct {
	mu       sync.RWMutex
	planes   [][]float32
	dim      int
	byDomain map[string]map[uint64][]indexEntry // domain -> bucket -> entries
}

// NewIndex creates an empty index. Hyperplanes are lazily sized to the
// first embedding added, since dimensionality isn't known up front.
func NewIndex() *Index {
	return &Index{byDomain: make(map[string]map[uint64][]indexEntry)}
}

// Add indexes chunk under its domain. A chunk with no embedding is not
// indexed — it's still reachable by direct ID lookup through Store, just
// not by similarity search.
func (idx *Index) Add(chunk domain.KnowledgeChunk) {
	if len(chunk.Embedding) == 0 {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ensurePlanes(len(chunk.Embedding))
	if len(chunk.Embedding) != idx.dim {
		return // dimensionality mismatch against the rest of the index; skip rather than corrupt buckets
	}
	b := idx.bucketLocked(chunk.Embedding)
	dm, ok := idx.byDomain[chunk.Domain]
	if !ok {
		dm = make(map[uint64][]indexEntry)
		idx.byDomain[chunk.Domain] = dm
	}
	dm[b] = append(removeChunkID(dm[b], chunk.ID), indexEntry{chunk: chunk})
}

// Remove drops chunkID from dom's index, wherever its bucket is.
func (idx *Index) Remove(dom, chunkID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	dm, ok := idx.byDomain[dom]
	if !ok {
		return
	}
	for b, entries := range dm {
		dm[b] = removeChunkID(entries, chunkID)
	}
}

func removeChunkID(entries []indexEntry, id string) []indexEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.chunk.ID != id {
			out = append(out, e)
		}
	}
	return out
}

// Search returns up to k chunks in dom with cosine similarity to query at
// least minScore, nearest first. Scans the query's own bucket plus every
// single-bit-flip neighbor bucket, trading a small recall loss for a scan
// far smaller than the whole domain.
func (idx *Index) Search(query []float32, dom string, k int, minScore float64) []domain.ScoredChunk {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(query) == 0 || len(query) != idx.dim {
		return nil
	}
	dm, ok := idx.byDomain[dom]
	if !ok {
		return nil
	}

	b := idx.bucketLocked(query)
	seen := make(map[string]bool)
	var scored []domain.ScoredChunk
	for _, cand := range neighborBuckets(b) {
		for _, e := range dm[cand] {
			if seen[e.chunk.ID] {
				continue
			}
			seen[e.chunk.ID] = true
			score := dsa.CosineSimilarity(query, e.chunk.Embedding)
			if score >= minScore {
				scored = append(scored, domain.ScoredChunk{Chunk: e.chunk, Score: score})
			}
		}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// Count returns how many embeddings are indexed for dom, across all buckets.
func (idx *Index) Count(dom string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for _, entries := range idx.byDomain[dom] {
		n += len(entries)
	}
	return n
}

func (idx *Index) ensurePlanes(dim int) {
	if idx.planes != nil {
		return
	}
	idx.dim = dim
	rng := rand.New(rand.NewSource(indexSeed))
	idx.planes = make([][]float32, numPlanes)
	for i := range idx.planes {
		plane := make([]float32, dim)
		for j := range plane {
			plane[j] = float32(rng.NormFloat64())
		}
		idx.planes[i] = plane
	}
}

func (idx *Index) bucketLocked(v []float32) uint64 {
	var bucket uint64
	for i, plane := range idx.planes {
		if dot(v, plane) >= 0 {
			bucket |= 1 << uint(i)
		}
	}
	return bucket
}

func dot(a, b []float32) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// neighborBuckets returns b and every bucket one bit-flip away from it.
func neighborBuckets(b uint64) []uint64 {
	out := make([]uint64, 0, numPlanes+1)
	out = append(out, b)
	for i := 0; i < numPlanes; i++ {
		out = append(out, b^(1<<uint(i)))
	}
	return out
}
