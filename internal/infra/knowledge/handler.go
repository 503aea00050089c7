package knowledge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
)

// defaultEscalationK and defaultEscalationMinScore bound the local-only
// search an incoming "rag/<domain>" intent runs — the escalating peer
// already filtered by its own min_score before asking, so a generous local
// floor here just avoids returning nothing when it need not.
const (
	defaultEscalationK        = 10
	defaultEscalationMinScore = 0.0
)

// RAGHandler is the domain.IntentHandler a node runs for incoming
// "rag/<domain>" intents — the receiving side of the knowledge search
// escalation. It never escalates further itself: SearchLocalOnly bounds the
// chain to a single hop.
type RAGHandler struct {
	syncer *Syncer
}

// NewRAGHandler wraps a Syncer as an IntentHandler.
func NewRAGHandler(s *Syncer) *RAGHandler {
	return &RAGHandler{syncer: s}
}

// Handle answers a rag/<domain> intent with this node's local search
// results, JSON-encoded as []domain.ScoredChunk — the shape Syncer.search
// expects back from an escalation.
func (h *RAGHandler) Handle(ctx context.Context, intent domain.Intent) ([]byte, error) {
	if intent.Type.Family() != "rag" {
		return nil, fmt.Errorf("knowledge: RAGHandler cannot serve intent type %q", intent.Type)
	}
	if len(intent.PrecomputedEmbedding) == 0 {
		return nil, fmt.Errorf("knowledge: rag intent %s carries no query embedding", intent.ID)
	}
	results := h.syncer.SearchLocalOnly(intent.PrecomputedEmbedding, intent.Domain, defaultEscalationK, defaultEscalationMinScore)
	out, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("knowledge: encode search results: %w", err)
	}
	return out, nil
}
