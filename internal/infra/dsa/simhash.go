package dsa

import (
	"math"
	"math/bits"
	"strings"
)

// SimHash computes a 64-bit fingerprint over a set of tokens such that
// similar token sets produce fingerprints with low Hamming distance. Used
// for the router's Tier 2 semantic cache key and as the fallback
// similarity score in Tier 4 when a candidate carries no embedding.
func SimHash(tokens []string) uint64 {
	var weights [64]int
	for _, tok := range tokens {
		h := xxhashString(tok)
		for bit := 0; bit < 64; bit++ {
			if h&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}
	var out uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			out |= 1 << uint(bit)
		}
	}
	return out
}

// SimHashText tokenizes s on whitespace and lowercases before hashing — the
// normalization step the router applies to free-text intent payloads.
func SimHashText(s string) uint64 {
	return SimHash(strings.Fields(strings.ToLower(s)))
}

// HammingDistance returns the number of differing bits between a and b.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// SimHashSimilarity maps Hamming distance to a [0,1] similarity score,
// used as the Tier 4 rerank fallback score (scaled by 0.7) for candidates
// with no embedding representation.
func SimHashSimilarity(a, b uint64) float64 {
	d := HammingDistance(a, b)
	return 1.0 - float64(d)/64.0
}

// CosineSimilarity returns the cosine of the angle between two equal-length
// vectors, in [-1,1]. Representations are required to be L2-normalized at
// the source, so in practice this reduces to a dot product; the full
// computation is kept so callers that pass un-normalized vectors (e.g. a
// freshly computed query embedding) still get a correct score.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func xxhashString(s string) uint64 {
	return ringHash(s)
}
