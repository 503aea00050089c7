package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/router"
)

type fakeHandler struct {
	result []byte
	err    error
	calls  int
}

func (h *fakeHandler) Handle(ctx context.Context, intent domain.Intent) ([]byte, error) {
	h.calls++
	return h.result, h.err
}

type fakeTransport struct {
	forward func(ctx context.Context, to domain.NodeID, intent domain.Intent) (domain.IntentResponse, error)
}

func (t *fakeTransport) SendGossip(ctx context.Context, to domain.NodeID, payload []byte) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (t *fakeTransport) ForwardIntent(ctx context.Context, to domain.NodeID, intent domain.Intent) (domain.IntentResponse, error) {
	return t.forward(ctx, to, intent)
}

func (t *fakeTransport) FetchChunks(ctx context.Context, to domain.NodeID, dom string, ids []string) ([]domain.KnowledgeChunk, error) {
	return nil, errors.New("not implemented")
}

func (t *fakeTransport) FetchManifest(ctx context.Context, to domain.NodeID, dom string) (domain.DomainManifest, error) {
	return domain.DomainManifest{}, errors.New("not implemented")
}

func advertise(t *testing.T, reg *registry.Registry, node domain.NodeID, typ domain.CapabilityType) {
	t.Helper()
	reg.ApplyHello(domain.Node{ID: node})
	reg.ApplyCapabilityUpdate(node, []domain.Capability{{Type: typ, NodeID: node, Kind: domain.CapabilityTool}})
	reg.ApplyCostUpdate(node, domain.CostState{CPULoad: 0.1, MemPct: 0.1, SampledAt: time.Now()})
}

func TestDispatchLocalSuccess(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	advertise(t, reg, "local", "llm/chat")
	cascade := router.New("local", reg, nil, router.DefaultConfig())

	h := &fakeHandler{result: []byte("ok")}
	d := New("local", cascade, h, nil, DefaultConfig())

	intent := domain.Intent{ID: "i1", Type: "llm/chat", CreatedAt: time.Now()}
	resp, err := d.Dispatch(context.Background(), intent)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Status != domain.IntentCompleted || string(resp.Result) != "ok" {
		t.Fatalf("resp = %+v", resp)
	}
	if h.calls != 1 {
		t.Fatalf("handler called %d times, want 1", h.calls)
	}
}

func TestDispatchRemoteForward(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	advertise(t, reg, "nodeB", "llm/chat")
	cascade := router.New("local", reg, nil, router.DefaultConfig())

	var forwardedTo domain.NodeID
	transport := &fakeTransport{forward: func(ctx context.Context, to domain.NodeID, intent domain.Intent) (domain.IntentResponse, error) {
		forwardedTo = to
		return domain.IntentResponse{ID: intent.ID, Status: domain.IntentCompleted, Result: []byte("remote")}, nil
	}}
	d := New("local", cascade, nil, transport, DefaultConfig())

	intent := domain.Intent{ID: "i1", Type: "llm/chat", CreatedAt: time.Now()}
	resp, err := d.Dispatch(context.Background(), intent)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if forwardedTo != "nodeB" {
		t.Fatalf("forwarded to %s, want nodeB", forwardedTo)
	}
	if resp.RoutedTo != "nodeB" || string(resp.Result) != "remote" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestDispatchRetriesAcrossNodesOnFailure(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	advertise(t, reg, "nodeBad", "llm/chat")
	advertise(t, reg, "nodeGood", "llm/chat")
	cascade := router.New("local", reg, nil, router.DefaultConfig())

	transport := &fakeTransport{forward: func(ctx context.Context, to domain.NodeID, intent domain.Intent) (domain.IntentResponse, error) {
		if to == "nodeBad" {
			return domain.IntentResponse{}, errors.New("connection refused")
		}
		return domain.IntentResponse{ID: intent.ID, Status: domain.IntentCompleted, Result: []byte("good")}, nil
	}}
	d := New("local", cascade, nil, transport, DefaultConfig())

	intent := domain.Intent{ID: "i1", Type: "llm/chat", CreatedAt: time.Now()}
	resp, err := d.Dispatch(context.Background(), intent)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.RoutedTo != "nodeGood" {
		t.Fatalf("routed to %s, want nodeGood after retry", resp.RoutedTo)
	}
}

func TestDispatchExhaustsRetriesAndFails(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	advertise(t, reg, "nodeOnlyBad", "llm/chat")
	cascade := router.New("local", reg, nil, router.DefaultConfig())

	transport := &fakeTransport{forward: func(ctx context.Context, to domain.NodeID, intent domain.Intent) (domain.IntentResponse, error) {
		return domain.IntentResponse{}, errors.New("boom")
	}}
	d := New("local", cascade, nil, transport, DefaultConfig())

	intent := domain.Intent{ID: "i1", Type: "llm/chat", CreatedAt: time.Now()}
	resp, err := d.Dispatch(context.Background(), intent)
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if resp.Status != domain.IntentFailed {
		t.Fatalf("status = %s, want failed", resp.Status)
	}
}

func TestDispatchNoCapableNode(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	cascade := router.New("local", reg, nil, router.DefaultConfig())
	d := New("local", cascade, nil, nil, DefaultConfig())

	intent := domain.Intent{ID: "i1", Type: "llm/chat", CreatedAt: time.Now()}
	_, err := d.Dispatch(context.Background(), intent)
	if !errors.Is(err, domain.ErrNoCapableNode) {
		t.Fatalf("err = %v, want ErrNoCapableNode", err)
	}
}

func TestDispatchResultCacheHit(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	advertise(t, reg, "local", "llm/chat")
	cascade := router.New("local", reg, nil, router.DefaultConfig())

	h := &fakeHandler{result: []byte("cached")}
	d := New("local", cascade, h, nil, DefaultConfig())

	intent := domain.Intent{ID: "i1", Type: "llm/chat", CreatedAt: time.Now(), Cache: domain.CacheDirective{Key: "k1"}}
	if _, err := d.Dispatch(context.Background(), intent); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), intent); err != nil {
		t.Fatalf("Dispatch (cached): %v", err)
	}
	if h.calls != 1 {
		t.Fatalf("handler called %d times, want 1 (second call should hit result cache)", h.calls)
	}
}

func TestDispatchQueueOverflow(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	advertise(t, reg, "local", "llm/chat")
	cascade := router.New("local", reg, nil, router.DefaultConfig())

	block := make(chan struct{})
	blockingHandler := &blockingHandlerT{release: block}
	cfg := DefaultConfig()
	cfg.QueueCapacity = 1
	d := New("local", cascade, blockingHandler, nil, cfg)

	intent := domain.Intent{ID: "i1", Type: "llm/chat", CreatedAt: time.Now()}

	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), intent)
		done <- err
	}()

	// Give the first dispatch time to claim the single queue slot.
	time.Sleep(20 * time.Millisecond)

	_, err := d.Dispatch(context.Background(), domain.Intent{ID: "i2", Type: "llm/chat", CreatedAt: time.Now()})
	if !errors.Is(err, domain.ErrOverloaded) {
		t.Fatalf("err = %v, want ErrOverloaded", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
}

type blockingHandlerT struct{ release chan struct{} }

func (h *blockingHandlerT) Handle(ctx context.Context, intent domain.Intent) ([]byte, error) {
	<-h.release
	return []byte("done"), nil
}
