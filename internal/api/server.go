// Package api provides Atmosphere's caller-facing HTTP surface: intent
// submission and capability discovery. This is the minimal JSON-over-HTTP
// binding every node needs to be reachable at all.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/dispatcher"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/knowledge"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/transport"
)

// Server is Atmosphere's HTTP API server: the caller-facing intent and
// discovery routes, plus (when wired) the peer-facing transport routes on
// the same listener.
type Server struct {
	dispatcher     *dispatcher.Dispatcher
	registry       *registry.Registry
	knowledge      *knowledge.Syncer // nil if this node holds no knowledge store
	peerTransport  *transport.Server // nil if this node serves no peer traffic
	metricsEnabled bool
}

// NewServer creates a new API server bound to a dispatcher and registry.
func NewServer(d *dispatcher.Dispatcher, reg *registry.Registry) *Server {
	return &Server{dispatcher: d, registry: reg}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetPeerTransport mounts the peer-facing gossip/intent-forward/chunk/
// manifest routes alongside the caller-facing ones.
func (s *Server) SetPeerTransport(t *transport.Server) { s.peerTransport = t }

// SetKnowledge exposes the knowledge search endpoint backed by syncer.
func (s *Server) SetKnowledge(syncer *knowledge.Syncer) { s.knowledge = syncer }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/intents", s.handleSubmitIntent)
		r.Get("/capabilities", s.handleListCapabilities)
		r.Get("/nodes", s.handleListNodes)
		if s.knowledge != nil {
			r.Post("/knowledge/search", s.handleKnowledgeSearch)
		}
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	if s.peerTransport != nil {
		s.peerTransport.Mount(r)
	}

	return r
}

// handleSubmitIntent is the intent submission endpoint: request body is an
// Intent, response body is the IntentResponse the cascade+dispatcher
// produced.
func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var intent domain.Intent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		writeError(w, http.StatusBadRequest, "invalid intent body: "+err.Error())
		return
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}
	if intent.ID == "" {
		intent.ID = "intent-" + uuid.New().String()
	}

	ctx := r.Context()
	if intent.DeadlineMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(intent.DeadlineMs)*time.Millisecond)
		defer cancel()
	}

	resp, err := s.dispatcher.Dispatch(ctx, intent)
	if err != nil {
		status := http.StatusOK // the response body still carries a structured status
		switch {
		case errors.Is(err, domain.ErrNoCapableNode), errors.Is(err, domain.ErrAllCandidatesStale):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, domain.ErrDeadlineExceeded):
			status = http.StatusGatewayTimeout
		case errors.Is(err, domain.ErrOverloaded):
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListCapabilities is the capability discovery endpoint:
// list(filter{type?, domain?}) -> []Capability, derived from the registry
// snapshot.
func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	typeFilter := domain.CapabilityType(r.URL.Query().Get("type"))
	domainFilter := r.URL.Query().Get("domain")
	caps := s.registry.ListCapabilities(typeFilter, domainFilter)
	writeJSON(w, http.StatusOK, caps)
}

// handleListNodes is the registry snapshot: every known node with its
// capabilities, cost state, and last-seen time.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

type knowledgeSearchRequest struct {
	Domain    string    `json:"domain"`
	Embedding []float32 `json:"embedding"`
	K         int       `json:"k"`
	MinScore  float64   `json:"min_score"`
}

type knowledgeSearchResponse struct {
	Results  []domain.ScoredChunk `json:"results"`
	Warnings []string             `json:"warnings,omitempty"`
}

// handleKnowledgeSearch is the similarity-query endpoint: local-first, with
// the syncer's single remote escalation when coverage falls short. The
// response carries the escalation's coverage warnings verbatim.
func (s *Server) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request) {
	var req knowledgeSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid search body: "+err.Error())
		return
	}
	if req.Domain == "" || len(req.Embedding) == 0 {
		writeError(w, http.StatusBadRequest, "domain and embedding are required")
		return
	}
	if req.K <= 0 {
		req.K = 10
	}

	results, warnings, err := s.knowledge.Search(r.Context(), req.Embedding, req.Domain, req.K, req.MinScore)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrKnowledgeDomainMissing) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, knowledgeSearchResponse{Results: results, Warnings: warnings})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg, "type": "error"},
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
