package gossip

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
	"github.com/atmosphere-mesh/atmosphere/internal/security"
)

// fakeApplier records every call the engine dispatches to it, for assertion.
type fakeApplier struct {
	mu        sync.Mutex
	hellos    []domain.Node
	capUpds   int
	costUpds  int
	farewells []domain.NodeID
	evicted   []domain.NodeID
}

func (f *fakeApplier) ApplyHello(n domain.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hellos = append(f.hellos, n)
}
func (f *fakeApplier) ApplyCapabilityUpdate(domain.NodeID, []domain.Capability) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capUpds++
}
func (f *fakeApplier) ApplyCostUpdate(domain.NodeID, domain.CostState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.costUpds++
}
func (f *fakeApplier) ApplyKnowledgeState(domain.NodeID, []domain.NodeKnowledgeState) {}
func (f *fakeApplier) ApplyFarewell(id domain.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.farewells = append(f.farewells, id)
}
func (f *fakeApplier) Evict(id domain.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, id)
}

func (f *fakeApplier) helloCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hellos)
}

// loopbackTransport routes SendGossip calls directly to the target engine's
// HandleMessage, simulating a mesh of in-process nodes without any real network.
type loopbackTransport struct {
	peers map[domain.NodeID]*Engine
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{peers: make(map[domain.NodeID]*Engine)}
}

func (lt *loopbackTransport) register(e *Engine) { lt.peers[e.Self()] = e }

func (lt *loopbackTransport) SendGossip(ctx context.Context, to domain.NodeID, payload []byte) ([]byte, error) {
	peer, ok := lt.peers[to]
	if !ok {
		return nil, fmt.Errorf("loopback: no such peer %s", to)
	}
	return peer.HandleMessage(ctx, payload)
}

func (lt *loopbackTransport) ForwardIntent(ctx context.Context, to domain.NodeID, intent domain.Intent) (domain.IntentResponse, error) {
	return domain.IntentResponse{}, fmt.Errorf("loopback: ForwardIntent not supported")
}
func (lt *loopbackTransport) FetchChunks(ctx context.Context, to domain.NodeID, dom string, ids []string) ([]domain.KnowledgeChunk, error) {
	return nil, fmt.Errorf("loopback: FetchChunks not supported")
}
func (lt *loopbackTransport) FetchManifest(ctx context.Context, to domain.NodeID, dom string) (domain.DomainManifest, error) {
	return domain.DomainManifest{}, fmt.Errorf("loopback: FetchManifest not supported")
}

func TestEngine_Apply_IdempotentOnDuplicateSeq(t *testing.T) {
	applier := &fakeApplier{}
	e := New("nodeA", DefaultConfig(), nil, applier)

	env := Envelope{Sender: "nodeB", Seq: 1, Type: MsgNodeHello, Hello: &HelloPayload{Node: domain.Node{ID: "nodeB"}}}
	if !e.Apply(env) {
		t.Fatal("first apply should report true")
	}
	if e.Apply(env) {
		t.Fatal("duplicate (sender,seq) apply should report false")
	}
	if applier.helloCount() != 1 {
		t.Fatalf("hello applied %d times, want 1", applier.helloCount())
	}
}

func TestEngine_Apply_MonotonicSeqRejectsStale(t *testing.T) {
	applier := &fakeApplier{}
	e := New("nodeA", DefaultConfig(), nil, applier)

	mk := func(seq uint64) Envelope {
		return Envelope{Sender: "nodeB", Seq: seq, Type: MsgNodeHello, Hello: &HelloPayload{Node: domain.Node{ID: "nodeB"}}}
	}

	if !e.Apply(mk(5)) {
		t.Fatal("seq 5 should apply")
	}
	if e.Apply(mk(3)) {
		t.Fatal("seq 3 (older than seq 5 on file) should be rejected")
	}
	if !e.Apply(mk(7)) {
		t.Fatal("seq 7 (newer) should apply")
	}
	if got := applier.helloCount(); got != 2 {
		t.Fatalf("hello applied %d times, want 2 (seq 5 and seq 7)", got)
	}
}

func TestEngine_Tick_PropagatesCapabilityUpdateViaDigestReconcile(t *testing.T) {
	lt := newLoopbackTransport()
	applierA := &fakeApplier{}
	applierB := &fakeApplier{}

	cfg := DefaultConfig()
	a := New("nodeA", cfg, lt, applierA)
	b := New("nodeB", cfg, lt, applierB)
	lt.register(a)
	lt.register(b)

	a.Seed("nodeB")
	b.Seed("nodeA")

	b.EmitCapabilityUpdate([]domain.Capability{{Type: "vision/classify", NodeID: "nodeB", Kind: domain.CapabilityTool}})

	a.Tick(context.Background())

	if applierA.capUpds != 1 {
		t.Fatalf("node A capability updates = %d, want 1 after tick pulled node B's state", applierA.capUpds)
	}
}

func TestEngine_Broadcast_DeliversFarewellImmediately(t *testing.T) {
	lt := newLoopbackTransport()
	applierA := &fakeApplier{}
	applierB := &fakeApplier{}

	cfg := DefaultConfig()
	a := New("nodeA", cfg, lt, applierA)
	b := New("nodeB", cfg, lt, applierB)
	lt.register(a)
	lt.register(b)

	a.Seed("nodeB")
	b.Seed("nodeA")

	a.EmitFarewell(context.Background(), "shutting down")

	if len(applierB.farewells) != 1 || applierB.farewells[0] != domain.NodeID("nodeA") {
		t.Fatalf("node B farewells = %v, want [nodeA]", applierB.farewells)
	}
}

func TestEngine_PruneEvicted_CallsApplierEvictAndOnLeave(t *testing.T) {
	applier := &fakeApplier{}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := New("nodeA", Config{TGossip: time.Second, FanoutK: 3, Liveness: LivenessConfig{LivenessWindow: 2 * time.Second, EvictionWindow: 5 * time.Second}}, nil, applier)
	e.liveness.now = func() time.Time { return now }

	var leftIDs []domain.NodeID
	e.OnLeave = func(id domain.NodeID) { leftIDs = append(leftIDs, id) }

	e.Apply(Envelope{Sender: "nodeB", Seq: 1, Type: MsgNodeHello, Hello: &HelloPayload{Node: domain.Node{ID: "nodeB"}}})
	now = now.Add(10 * time.Second) // well past EvictionWindow

	e.pruneEvicted()

	if len(applier.evicted) != 1 || applier.evicted[0] != domain.NodeID("nodeB") {
		t.Fatalf("applier.evicted = %v, want [nodeB]", applier.evicted)
	}
	if len(leftIDs) != 1 || leftIDs[0] != domain.NodeID("nodeB") {
		t.Fatalf("OnLeave fired for %v, want [nodeB]", leftIDs)
	}
}

func TestEngine_Reconcile_RetainsCapabilityEnvelopeAfterCostUpdates(t *testing.T) {
	// A burst of cost updates must not displace the capability envelope from
	// retransmission: a peer that missed the partition still needs it.
	lt := newLoopbackTransport()
	applierA := &fakeApplier{}
	applierB := &fakeApplier{}

	cfg := DefaultConfig()
	a := New("nodeA", cfg, lt, applierA)
	b := New("nodeB", cfg, lt, applierB)
	lt.register(a)
	lt.register(b)

	b.EmitCapabilityUpdate([]domain.Capability{{Type: "llm/chat", NodeID: "nodeB", Kind: domain.CapabilityTool}})
	for i := 0; i < 5; i++ {
		b.EmitCostUpdate(domain.CostState{CPULoad: float64(i) / 10})
	}

	// A has never heard from B; one tick must deliver both the newest cost
	// state and the older capability update.
	a.Seed("nodeB")
	b.Seed("nodeA")
	a.Tick(context.Background())

	if applierA.capUpds != 1 {
		t.Fatalf("capability updates applied on A = %d, want 1", applierA.capUpds)
	}
	if applierA.costUpds == 0 {
		t.Fatalf("no cost update applied on A")
	}
}

// addrLoopback extends the loopback transport with the bootstrap dial shape.
type addrLoopback struct {
	loopbackTransport
	byAddr map[string]*Engine
}

func (al *addrLoopback) SendGossipAddr(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	peer, ok := al.byAddr[addr]
	if !ok {
		return nil, fmt.Errorf("loopback: no peer at %s", addr)
	}
	return peer.HandleMessage(ctx, payload)
}

func TestEngine_Bootstrap_LearnsPeerStateFromEndpointAlone(t *testing.T) {
	applierA := &fakeApplier{}
	applierB := &fakeApplier{}

	cfg := DefaultConfig()
	lt := &addrLoopback{loopbackTransport: *newLoopbackTransport(), byAddr: map[string]*Engine{}}
	a := New("nodeA", cfg, lt, applierA)
	b := New("nodeB", cfg, lt, applierB)
	lt.register(a)
	lt.register(b)
	lt.byAddr["http://b.local:7475"] = b

	b.EmitHello(domain.Node{ID: "nodeB", Endpoints: []string{"http://b.local:7475"}})

	a.Bootstrap(context.Background(), []string{"http://b.local:7475"})

	if applierA.helloCount() != 1 {
		t.Fatalf("A applied %d hellos after bootstrap, want 1", applierA.helloCount())
	}
}

func TestEngine_Apply_VerifiesSignedEnvelopes(t *testing.T) {
	kp, err := security.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	sender := New(kp.NodeID(), DefaultConfig(), nil, &fakeApplier{})
	sender.SetSigner(kp)

	cfg := DefaultConfig()
	cfg.RequireSignedEnvelopes = true
	applier := &fakeApplier{}
	receiver := New("receiver", cfg, nil, applier)

	env := sender.EmitHello(domain.Node{ID: kp.NodeID()})
	if len(env.Signature) == 0 {
		t.Fatal("emitted envelope carries no signature")
	}
	if !receiver.Apply(env) {
		t.Fatal("valid signed envelope rejected")
	}
	if applier.helloCount() != 1 {
		t.Fatalf("hello applied %d times, want 1", applier.helloCount())
	}
}

func TestEngine_Apply_RejectsTamperedEnvelope(t *testing.T) {
	kp, _ := security.GenerateKeypair()
	sender := New(kp.NodeID(), DefaultConfig(), nil, &fakeApplier{})
	sender.SetSigner(kp)

	applier := &fakeApplier{}
	receiver := New("receiver", DefaultConfig(), nil, applier)

	env := sender.EmitHello(domain.Node{ID: kp.NodeID(), Name: "honest"})
	env.Hello.Node.Name = "forged"

	if receiver.Apply(env) {
		t.Fatal("tampered envelope applied")
	}
	if applier.helloCount() != 0 {
		t.Fatalf("tampered hello reached the applier")
	}
}

func TestEngine_Apply_UnsignedPolicy(t *testing.T) {
	env := Envelope{Sender: "nodeB", Seq: 1, Type: MsgNodeHello, Hello: &HelloPayload{Node: domain.Node{ID: "nodeB"}}}

	lax := New("nodeA", DefaultConfig(), nil, &fakeApplier{})
	if !lax.Apply(env) {
		t.Fatal("unsigned envelope rejected without RequireSignedEnvelopes")
	}

	strictCfg := DefaultConfig()
	strictCfg.RequireSignedEnvelopes = true
	strict := New("nodeA", strictCfg, nil, &fakeApplier{})
	if strict.Apply(env) {
		t.Fatal("unsigned envelope applied despite RequireSignedEnvelopes")
	}
}

func TestEngine_Seed_FiresOnJoinOnce(t *testing.T) {
	e := New("nodeA", DefaultConfig(), nil, &fakeApplier{})
	calls := 0
	e.OnJoin = func(domain.NodeID) { calls++ }
	e.Seed("nodeB")
	e.Seed("nodeB")
	if calls != 1 {
		t.Fatalf("OnJoin fired %d times, want 1", calls)
	}
}
