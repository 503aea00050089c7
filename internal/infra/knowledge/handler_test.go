package knowledge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
)

func TestRAGHandlerAnswersLocalSearch(t *testing.T) {
	store := newTestStore(t)
	index := NewIndex()
	chunk := domain.KnowledgeChunk{ID: "c1", Domain: "wildlife", Content: []byte("x"), Embedding: []float32{1, 0, 0, 0}}
	if _, err := store.Put(chunk); err != nil {
		t.Fatalf("Put: %v", err)
	}
	index.Add(chunk)

	syncer := NewSyncer("local", store, index, nil, nil, nil, DefaultSyncConfig())
	h := NewRAGHandler(syncer)

	intent := domain.Intent{
		ID:                   "i1",
		Type:                 "rag/wildlife",
		Domain:               "wildlife",
		PrecomputedEmbedding: []float32{1, 0, 0, 0},
	}
	out, err := h.Handle(context.Background(), intent)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	var results []domain.ScoredChunk
	if err := json.Unmarshal(out, &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 1 || results[0].Chunk.ID != "c1" {
		t.Fatalf("expected c1 in results, got %+v", results)
	}
}

func TestRAGHandlerRejectsWrongType(t *testing.T) {
	syncer := NewSyncer("local", newTestStore(t), NewIndex(), nil, nil, nil, DefaultSyncConfig())
	h := NewRAGHandler(syncer)
	if _, err := h.Handle(context.Background(), domain.Intent{Type: "llm/chat"}); err == nil {
		t.Fatal("expected error for non-rag intent type")
	}
}

func TestRAGHandlerRejectsMissingEmbedding(t *testing.T) {
	syncer := NewSyncer("local", newTestStore(t), NewIndex(), nil, nil, nil, DefaultSyncConfig())
	h := NewRAGHandler(syncer)
	if _, err := h.Handle(context.Background(), domain.Intent{Type: "rag/wildlife", Domain: "wildlife"}); err == nil {
		t.Fatal("expected error for missing embedding")
	}
}
