package transport

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
)

type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, intent domain.Intent) ([]byte, error) {
	return intent.Payload, nil
}

type fakeGossipHandler struct{ got []byte }

func (f *fakeGossipHandler) HandleMessage(ctx context.Context, raw []byte) ([]byte, error) {
	f.got = raw
	return []byte("ack"), nil
}

type fakeChunkSource struct{ chunks map[string]domain.KnowledgeChunk }

func (f *fakeChunkSource) Get(id string) (domain.KnowledgeChunk, error) {
	c, ok := f.chunks[id]
	if !ok {
		return domain.KnowledgeChunk{}, domain.ErrKnowledgeDomainMissing
	}
	return c, nil
}

type fakeManifestSource struct{ manifests map[string]domain.DomainManifest }

func (f *fakeManifestSource) LocalManifestFor(dom string) (domain.DomainManifest, error) {
	m, ok := f.manifests[dom]
	if !ok {
		return domain.DomainManifest{}, domain.ErrKnowledgeDomainMissing
	}
	return m, nil
}

func newTestServer(t *testing.T, srv *Server) (string, func()) {
	t.Helper()
	r := chi.NewRouter()
	srv.Mount(r)
	ts := httptest.NewServer(r)
	return ts.URL, ts.Close
}

func TestHTTPTransportForwardIntentRoundtrip(t *testing.T) {
	srv := &Server{Handler: echoHandler{}}
	url, closeFn := newTestServer(t, srv)
	defer closeFn()

	tr := New(func(id domain.NodeID) (string, bool) {
		if id == "peerA" {
			return url, true
		}
		return "", false
	}, "http://self")

	resp, err := tr.ForwardIntent(context.Background(), "peerA", domain.Intent{ID: "i1", Payload: []byte("hello")})
	if err != nil {
		t.Fatalf("ForwardIntent: %v", err)
	}
	if resp.Status != domain.IntentCompleted || string(resp.Result) != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHTTPTransportForwardIntentUnknownNode(t *testing.T) {
	tr := New(func(domain.NodeID) (string, bool) { return "", false }, "http://self")
	if _, err := tr.ForwardIntent(context.Background(), "ghost", domain.Intent{}); err == nil {
		t.Fatal("expected error for unresolvable node")
	}
}

func TestHTTPTransportSendGossipRoundtrip(t *testing.T) {
	fg := &fakeGossipHandler{}
	srv := &Server{Gossip: fg}
	url, closeFn := newTestServer(t, srv)
	defer closeFn()

	tr := New(func(domain.NodeID) (string, bool) { return url, true }, "http://self")
	reply, err := tr.SendGossip(context.Background(), "peerA", []byte("digest-bytes"))
	if err != nil {
		t.Fatalf("SendGossip: %v", err)
	}
	if string(reply) != "ack" {
		t.Fatalf("expected ack reply, got %q", reply)
	}
	if string(fg.got) != "digest-bytes" {
		t.Fatalf("server did not see forwarded payload: %q", fg.got)
	}
}

func TestHTTPTransportFetchChunksAndManifest(t *testing.T) {
	chunk := domain.KnowledgeChunk{ID: "c1", Domain: "wildlife", Content: []byte("x")}
	manifest := domain.DomainManifest{Domain: "wildlife", Version: 3}
	srv := &Server{
		Chunks:   &fakeChunkSource{chunks: map[string]domain.KnowledgeChunk{"c1": chunk}},
		Manifest: &fakeManifestSource{manifests: map[string]domain.DomainManifest{"wildlife": manifest}},
	}
	url, closeFn := newTestServer(t, srv)
	defer closeFn()

	tr := New(func(domain.NodeID) (string, bool) { return url, true }, "http://self")

	chunks, err := tr.FetchChunks(context.Background(), "peerA", "wildlife", []string{"c1", "missing"})
	if err != nil {
		t.Fatalf("FetchChunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].ID != "c1" {
		t.Fatalf("expected only c1 to be returned, got %+v", chunks)
	}

	got, err := tr.FetchManifest(context.Background(), "peerA", "wildlife")
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if got.Version != 3 {
		t.Fatalf("expected version 3, got %d", got.Version)
	}
}
