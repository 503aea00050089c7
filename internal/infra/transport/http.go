// Package transport implements domain.Transport over plain HTTP: each node
// runs an http.Handler (mounted alongside the intent-submission API) that
// serves gossip envelopes, intent forwarding, and knowledge chunk/manifest
// fetches to its peers, and a client side that POSTs to a peer's advertised
// endpoint string. The wire format is JSON throughout — the core treats
// payload bodies as opaque, but the transport itself needs something
// concrete to move bytes, and JSON-over-HTTP is the simplest shape the rest
// of this codebase already reaches for (see internal/api).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
)

// EndpointResolver maps a node ID to one of its advertised transport
// addresses. The registry is the production source of truth; tests can
// supply a map-backed stub.
type EndpointResolver func(domain.NodeID) (string, bool)

// HTTPTransport implements domain.Transport by POSTing to a peer's
// advertised endpoint. A single instance is shared across the gossip
// engine, the dispatcher, and the knowledge syncer.
type HTTPTransport struct {
	client   *http.Client
	resolve  EndpointResolver
	selfAddr string // this node's own endpoint, advertised via NODE_HELLO
}

// New creates an HTTPTransport. resolve looks up a peer's endpoint by node
// ID (typically registry.Registry.Node); selfAddr is this node's own
// advertised address, used only for SelfEndpoint.
func New(resolve EndpointResolver, selfAddr string) *HTTPTransport {
	return &HTTPTransport{
		client:   &http.Client{Timeout: 30 * time.Second},
		resolve:  resolve,
		selfAddr: selfAddr,
	}
}

// SelfEndpoint returns the address this node advertises to peers.
func (t *HTTPTransport) SelfEndpoint() string { return t.selfAddr }

func (t *HTTPTransport) endpointFor(to domain.NodeID) (string, error) {
	addr, ok := t.resolve(to)
	if !ok || addr == "" {
		return "", fmt.Errorf("%w: no endpoint for %s", domain.ErrTransportUnavailable, to)
	}
	return addr, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("transport: peer returned %d: %s", resp.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

// SendGossip POSTs a raw gossip envelope to a peer's /atmosphere/gossip
// endpoint and returns its reply bytes verbatim — the gossip package owns
// encoding on both sides.
func (t *HTTPTransport) SendGossip(ctx context.Context, to domain.NodeID, payload []byte) ([]byte, error) {
	addr, err := t.endpointFor(to)
	if err != nil {
		return nil, err
	}
	return t.SendGossipAddr(ctx, addr, payload)
}

// SendGossipAddr is the bootstrap variant of SendGossip: addressed by a
// configured endpoint string instead of a node ID, for first contact with a
// peer whose NODE_HELLO nothing has gossiped yet.
func (t *HTTPTransport) SendGossipAddr(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/atmosphere/gossip", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("transport: build gossip request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("transport: gossip peer returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ForwardIntent ships an Intent to the node already chosen by routing —
// the receiving server invokes its own local handler directly, it does not
// re-route.
func (t *HTTPTransport) ForwardIntent(ctx context.Context, to domain.NodeID, intent domain.Intent) (domain.IntentResponse, error) {
	addr, err := t.endpointFor(to)
	if err != nil {
		return domain.IntentResponse{}, err
	}
	var out domain.IntentResponse
	if err := t.do(ctx, http.MethodPost, addr+"/atmosphere/intent", intent, &out); err != nil {
		return domain.IntentResponse{}, err
	}
	return out, nil
}

// FetchChunks requests chunk bodies by ID from a remote node's knowledge
// store.
func (t *HTTPTransport) FetchChunks(ctx context.Context, to domain.NodeID, dom string, ids []string) ([]domain.KnowledgeChunk, error) {
	addr, err := t.endpointFor(to)
	if err != nil {
		return nil, err
	}
	reqBody := chunksRequest{Domain: dom, IDs: ids}
	var out []domain.KnowledgeChunk
	if err := t.do(ctx, http.MethodPost, addr+"/atmosphere/chunks", reqBody, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchManifest requests a domain's current manifest from a remote node.
func (t *HTTPTransport) FetchManifest(ctx context.Context, to domain.NodeID, dom string) (domain.DomainManifest, error) {
	addr, err := t.endpointFor(to)
	if err != nil {
		return domain.DomainManifest{}, err
	}
	url := fmt.Sprintf("%s/atmosphere/manifest?domain=%s", addr, dom)
	var out domain.DomainManifest
	if err := t.do(ctx, http.MethodGet, url, nil, &out); err != nil {
		return domain.DomainManifest{}, err
	}
	return out, nil
}

type chunksRequest struct {
	Domain string   `json:"domain"`
	IDs    []string `json:"ids"`
}

// GossipHandler is the subset of gossip.Engine the server needs to answer
// inbound wire messages.
type GossipHandler interface {
	HandleMessage(ctx context.Context, raw []byte) ([]byte, error)
}

// ManifestSource is the subset of the knowledge syncer needed to answer a
// manifest request.
type ManifestSource interface {
	LocalManifestFor(dom string) (domain.DomainManifest, error)
}

// ChunkSource is the subset of the knowledge store needed to answer a chunk
// fetch.
type ChunkSource interface {
	Get(id string) (domain.KnowledgeChunk, error)
}

// Server mounts the peer-facing routes (gossip, intent forwarding, chunk and
// manifest fetch) onto a chi router. A node's own intent-submission API
// (internal/api) mounts these routes alongside its caller-facing ones so a
// single listener serves both surfaces.
type Server struct {
	Gossip   GossipHandler
	Handler  domain.IntentHandler // local intent execution for ForwardIntent
	Chunks   ChunkSource
	Manifest ManifestSource
}

// Mount attaches the /atmosphere/* peer routes to r.
func (s *Server) Mount(r chi.Router) {
	r.Route("/atmosphere", func(r chi.Router) {
		r.Post("/gossip", s.handleGossip)
		r.Post("/intent", s.handleIntent)
		r.Post("/chunks", s.handleChunks)
		r.Get("/manifest", s.handleManifest)
	})
}

func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply, err := s.Gossip.HandleMessage(r.Context(), raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(reply)
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var intent domain.Intent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.Handler == nil {
		writeJSON(w, http.StatusOK, domain.IntentResponse{ID: intent.ID, Status: domain.IntentFailed})
		return
	}
	start := time.Now()
	result, err := s.Handler.Handle(r.Context(), intent)
	resp := domain.IntentResponse{ID: intent.ID, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		resp.Status = domain.IntentFailed
	} else {
		resp.Status = domain.IntentCompleted
		resp.Result = result
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	var req chunksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.Chunks == nil {
		writeJSON(w, http.StatusOK, []domain.KnowledgeChunk{})
		return
	}
	out := make([]domain.KnowledgeChunk, 0, len(req.IDs))
	for _, id := range req.IDs {
		c, err := s.Chunks.Get(id)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	dom := r.URL.Query().Get("domain")
	if dom == "" || s.Manifest == nil {
		writeJSON(w, http.StatusNotFound, domain.DomainManifest{})
		return
	}
	m, err := s.Manifest.LocalManifestFor(dom)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
