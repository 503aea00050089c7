package router

import (
	"strings"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/dsa"
)

// simHashFallbackScale is Tier 4's penalty applied to candidates matched by
// SimHash similarity instead of a true embedding.
const simHashFallbackScale = 0.7

// keywordOnlyScore is the flat Tier 4 score for a candidate that carries
// neither an embedding nor a SimHash fingerprint — it survived Tier 3 on
// keyword/domain/generalist grounds alone.
const keywordOnlyScore = 0.5

// rerankScore computes Tier 4's semantic_score for one candidate against a
// query. queryEmbedding may be nil (no local embedder and no precomputed
// vector on the intent) — in that case only the SimHash and keyword-only
// paths are reachable.
func rerankScore(queryEmbedding []float32, querySimHash uint64, hasQuerySimHash bool, cand domain.Capability) float64 {
	if len(queryEmbedding) > 0 && len(cand.Repr.Embedding) == len(queryEmbedding) && len(cand.Repr.Embedding) > 0 {
		return dsa.CosineSimilarity(queryEmbedding, cand.Repr.Embedding)
	}
	if hasQuerySimHash && cand.Repr.HasSimHash {
		return dsa.SimHashSimilarity(querySimHash, cand.Repr.SimHash) * simHashFallbackScale
	}
	return keywordOnlyScore
}

// tokenize lowercases and splits on whitespace — the same normalization
// dsa.SimHashText applies, used here to derive keyword-overlap and a
// SimHash fingerprint from an intent's raw payload, treated as free text.
// The router never interprets payload structure beyond this best-effort
// tokenization; a binary payload simply tokenizes into nothing useful and
// Tier 3 falls back to type/domain matching alone.
func tokenize(payload []byte) []string {
	return strings.Fields(strings.ToLower(string(payload)))
}

// keywordOverlap reports whether query and capability keyword sets share at
// least one term.
func keywordOverlap(queryTokens []string, capKeywords []string) bool {
	if len(queryTokens) == 0 || len(capKeywords) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(capKeywords))
	for _, k := range capKeywords {
		set[strings.ToLower(k)] = struct{}{}
	}
	for _, t := range queryTokens {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}
