// Package gossip implements Atmosphere's epidemic state-dissemination layer:
// periodic push/pull anti-entropy between a random subset of live peers,
// idempotent per-sender-seq apply, and the alive/stale/evicted liveness FSM.
//
// The call shape here (New, DefaultConfig, .OnJoin, .OnLeave, .Start, .Seed
// in place of a .Join, .Members, .AliveCount) mirrors a SWIM-style membership type referenced
// elsewhere but never implemented; this package backs that shape with real
// push/pull anti-entropy instead of SWIM failure-detection.
package gossip

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/metrics"
	"github.com/atmosphere-mesh/atmosphere/internal/security"
)

// Applier receives parsed gossip events for the registry and knowledge store
// to fold into local state. The engine never touches that state directly.
type Applier interface {
	ApplyHello(node domain.Node)
	ApplyCapabilityUpdate(nodeID domain.NodeID, caps []domain.Capability)
	ApplyCostUpdate(nodeID domain.NodeID, cost domain.CostState)
	ApplyKnowledgeState(nodeID domain.NodeID, states []domain.NodeKnowledgeState)
	ApplyFarewell(nodeID domain.NodeID)
	Evict(nodeID domain.NodeID)
}

// Signer signs locally originated envelopes. *security.Keypair implements
// it; the engine only needs the signing half of the keypair.
type Signer interface {
	Sign(message []byte) []byte
}

// Config controls anti-entropy cadence and fanout.
type Config struct {
	TGossip  time.Duration // base tick interval (default 2s)
	FanoutK  int           // peers contacted per tick (default 3)
	Liveness LivenessConfig

	// RequireSignedEnvelopes rejects inbound envelopes from other nodes
	// that carry no signature. Envelopes carrying one are verified against
	// the sender identity regardless of this flag.
	RequireSignedEnvelopes bool
}

// DefaultConfig returns fallback defaults: 2s ticks, fanout 3. The daemon
// supplies its own configured tick interval instead.
func DefaultConfig() Config {
	tg := 2 * time.Second
	return Config{TGossip: tg, FanoutK: 3, Liveness: DefaultLivenessConfig(tg)}
}

// peerRecord keeps the latest envelope per message type for one sender. The
// digest advertises only the sender's highest seq, but retransmission must
// not let a fresh NODE_COST_UPDATE displace the CAPABILITY_UPDATE a healing
// partition still needs — each type's newest envelope is retained and a
// behind peer receives all of them.
type peerRecord struct {
	latest  map[MessageType]Envelope
	highSeq uint64
}

func (p *peerRecord) envelopes() []Envelope {
	out := make([]Envelope, 0, len(p.latest))
	for _, env := range p.latest {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (p *peerRecord) hash() uint64 {
	h := xxhash.New()
	for _, env := range p.envelopes() {
		b, err := Encode(env)
		if err != nil {
			continue
		}
		_, _ = h.Write(b)
	}
	return h.Sum64()
}

// envelopeHash fingerprints a single envelope's encoded bytes.
func envelopeHash(env Envelope) uint64 {
	b, err := Encode(env)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}

// Engine is one node's gossip participant: it owns no domain state beyond
// the raw envelopes needed for retransmission and idempotency — capability,
// cost, and knowledge state live wherever Applier puts them.
type Engine struct {
	mu        sync.RWMutex
	self      domain.NodeID
	cfg       Config
	transport domain.Transport
	applier   Applier
	signer    Signer // nil = locally originated envelopes go out unsigned
	liveness  *LivenessTracker
	records   map[domain.NodeID]*peerRecord
	localSeq  uint64
	now       func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	// OnJoin/OnLeave mirror the standard SWIM hook shape: OnJoin fires the
	// first time a peer is seen ALIVE, OnLeave fires when it is evicted.
	OnJoin  func(domain.NodeID)
	OnLeave func(domain.NodeID)
}

// New constructs a gossip engine for the local node identified by self.
func New(self domain.NodeID, cfg Config, transport domain.Transport, applier Applier) *Engine {
	if cfg.TGossip <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.FanoutK <= 0 {
		cfg.FanoutK = 3
	}
	if cfg.Liveness.LivenessWindow <= 0 {
		cfg.Liveness = DefaultLivenessConfig(cfg.TGossip)
	}
	return &Engine{
		self:      self,
		cfg:       cfg,
		transport: transport,
		applier:   applier,
		liveness:  NewLivenessTracker(cfg.Liveness),
		records:   make(map[domain.NodeID]*peerRecord),
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSigner installs the keypair used to sign locally originated envelopes.
// The engine's self ID must be the signer's public key hex, or peers will
// reject everything it emits. Call before any Emit.
func (e *Engine) SetSigner(s Signer) { e.signer = s }

// seal signs a locally originated envelope, if a signer is installed.
func (e *Engine) seal(env Envelope) Envelope {
	if e.signer != nil {
		env.Signature = e.signer.Sign(env.SigningBytes())
	}
	return env
}

// Seed registers bootstrap peer IDs as ALIVE without requiring a prior
// envelope — the gossip equivalent of an explicit Join().
func (e *Engine) Seed(ids ...domain.NodeID) {
	for _, id := range ids {
		if id == e.self {
			continue
		}
		wasKnown := e.liveness.State(id) != LivenessEvicted
		e.liveness.Touch(id)
		if !wasKnown && e.OnJoin != nil {
			e.OnJoin(id)
		}
	}
}

// Self returns the local node's ID.
func (e *Engine) Self() domain.NodeID { return e.self }

// Members returns every peer the engine currently tracks (any liveness state).
func (e *Engine) Members() []domain.NodeID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.NodeID, 0, len(e.records))
	for id := range e.records {
		out = append(out, id)
	}
	return out
}

// AliveCount returns the number of peers currently ALIVE.
func (e *Engine) AliveCount() int { return len(e.liveness.LivePeers()) }

// PeerState reports a peer's current liveness state.
func (e *Engine) PeerState(id domain.NodeID) LivenessState { return e.liveness.State(id) }

// nextSeq issues the next monotonic sequence number for locally originated
// messages.
func (e *Engine) nextSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localSeq++
	return e.localSeq
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// EmitHello builds and locally applies a NODE_HELLO envelope for node.
func (e *Engine) EmitHello(node domain.Node) Envelope {
	env := e.seal(Envelope{Sender: e.self, Seq: e.nextSeq(), WallTS: e.clock(), Type: MsgNodeHello, Hello: &HelloPayload{Node: node}})
	e.Apply(env)
	return env
}

// EmitCapabilityUpdate builds and locally applies a CAPABILITY_UPDATE envelope.
func (e *Engine) EmitCapabilityUpdate(caps []domain.Capability) Envelope {
	env := e.seal(Envelope{Sender: e.self, Seq: e.nextSeq(), WallTS: e.clock(), Type: MsgCapabilityUpdate,
		Capability: &CapabilityUpdatePayload{NodeID: e.self, Capabilities: caps}})
	e.Apply(env)
	return env
}

// EmitCostUpdate builds and locally applies a NODE_COST_UPDATE envelope.
func (e *Engine) EmitCostUpdate(cost domain.CostState) Envelope {
	env := e.seal(Envelope{Sender: e.self, Seq: e.nextSeq(), WallTS: e.clock(), Type: MsgNodeCostUpdate,
		Cost: &CostUpdatePayload{NodeID: e.self, Cost: cost}})
	e.Apply(env)
	return env
}

// EmitKnowledgeState builds and locally applies a KNOWLEDGE_STATE envelope.
func (e *Engine) EmitKnowledgeState(states []domain.NodeKnowledgeState) Envelope {
	env := e.seal(Envelope{Sender: e.self, Seq: e.nextSeq(), WallTS: e.clock(), Type: MsgKnowledgeState,
		Knowledge: &KnowledgeStatePayload{NodeID: e.self, States: states}})
	e.Apply(env)
	return env
}

// EmitFarewell builds and locally applies a FAREWELL envelope, then
// broadcasts it immediately — a graceful departure should not wait for the
// next anti-entropy tick to be noticed.
func (e *Engine) EmitFarewell(ctx context.Context, reason string) Envelope {
	env := e.seal(Envelope{Sender: e.self, Seq: e.nextSeq(), WallTS: e.clock(), Type: MsgFarewell,
		Farewell: &FarewellPayload{NodeID: e.self, Reason: reason}})
	e.Apply(env)
	e.Broadcast(ctx, env)
	return env
}

// Apply applies an inbound or locally-originated envelope under the
// idempotent-per-sender-seq rule: a (Sender, Seq) already applied, or an
// older Seq than what's on file for that message type, is a silent no-op.
// Returns whether the envelope was newly applied.
//
// Envelopes from other nodes are authenticated first: a signature must
// verify against the sender identity (the origin's public key hex), and an
// unsigned envelope is rejected outright when the engine requires signing.
func (e *Engine) Apply(env Envelope) bool {
	if env.Sender != e.self && !e.authenticate(env) {
		return false
	}
	e.mu.Lock()
	rec, known := e.records[env.Sender]
	if !known {
		rec = &peerRecord{latest: make(map[MessageType]Envelope)}
		e.records[env.Sender] = rec
	}
	if prev, ok := rec.latest[env.Type]; ok && env.Seq <= prev.Seq {
		e.mu.Unlock()
		return false
	}
	rec.latest[env.Type] = env
	if env.Seq > rec.highSeq {
		rec.highSeq = env.Seq
	}
	e.mu.Unlock()
	metrics.GossipMessages.WithLabelValues(string(env.Type)).Inc()

	if env.Type == MsgFarewell {
		e.liveness.Forget(env.Sender)
	} else {
		wasKnown := known
		e.liveness.Touch(env.Sender)
		if !wasKnown && e.OnJoin != nil && env.Sender != e.self {
			e.OnJoin(env.Sender)
		}
	}
	e.dispatch(env)
	return true
}

func (e *Engine) dispatch(env Envelope) {
	if e.applier == nil {
		return
	}
	switch env.Type {
	case MsgNodeHello:
		if env.Hello != nil {
			e.applier.ApplyHello(env.Hello.Node)
		}
	case MsgCapabilityUpdate:
		if env.Capability != nil {
			e.applier.ApplyCapabilityUpdate(env.Capability.NodeID, env.Capability.Capabilities)
		}
	case MsgNodeCostUpdate:
		if env.Cost != nil {
			e.applier.ApplyCostUpdate(env.Cost.NodeID, env.Cost.Cost)
		}
	case MsgKnowledgeState:
		if env.Knowledge != nil {
			e.applier.ApplyKnowledgeState(env.Knowledge.NodeID, env.Knowledge.States)
		}
	case MsgAgentRegister:
		if env.AgentRegister != nil {
			e.applier.ApplyCapabilityUpdate(env.AgentRegister.NodeID, env.AgentRegister.Capabilities)
		}
	case MsgToolAvailable:
		if env.ToolAvailable != nil {
			e.applier.ApplyCapabilityUpdate(env.ToolAvailable.NodeID, []domain.Capability{env.ToolAvailable.Tool})
		}
	case MsgModelDeployed:
		// Recorded for idempotency/propagation; nothing in the registry
		// schema distinguishes a model deployment from the capability
		// update that normally accompanies it.
	case MsgFarewell:
		if env.Farewell != nil {
			e.applier.ApplyFarewell(env.Farewell.NodeID)
			if e.OnLeave != nil {
				e.OnLeave(env.Farewell.NodeID)
			}
		}
	}
}

// LocalDigest snapshots the engine's current (node_id -> seq, hash) table.
func (e *Engine) LocalDigest() DigestSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ds := DigestSet{Sender: e.self, Digests: make([]Digest, 0, len(e.records))}
	for id, rec := range e.records {
		ds.Digests = append(ds.Digests, Digest{NodeID: id, Seq: rec.highSeq, Hash: rec.hash()})
	}
	return ds
}

// reconcile answers a remote digest: which local records the remote side is
// behind on (Push), and which node IDs the local side is behind on or
// missing relative to the remote digest (Pull). A behind peer gets every
// retained envelope for that sender, not just the newest one.
func (e *Engine) reconcile(remote DigestSet) ReconcileResponse {
	e.mu.RLock()
	defer e.mu.RUnlock()

	remoteIdx := make(map[domain.NodeID]Digest, len(remote.Digests))
	for _, d := range remote.Digests {
		remoteIdx[d.NodeID] = d
	}

	var resp ReconcileResponse
	for id, rec := range e.records {
		if rd, known := remoteIdx[id]; !known || rd.Seq < rec.highSeq {
			resp.Push = append(resp.Push, rec.envelopes()...)
		}
	}
	for _, d := range remote.Digests {
		if rec, known := e.records[d.NodeID]; !known || rec.highSeq < d.Seq {
			resp.Pull = append(resp.Pull, d.NodeID)
		}
	}
	return resp
}

func (e *Engine) buildPushBatch(ids []domain.NodeID) PushBatch {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var batch PushBatch
	for _, id := range ids {
		if rec, ok := e.records[id]; ok {
			batch.Envelopes = append(batch.Envelopes, rec.envelopes()...)
		}
	}
	return batch
}

// HandleMessage is the single inbound entry point for bytes arriving via a
// domain.Transport implementation's server side — decodes a WireMessage,
// dispatches by kind, and returns the encoded reply (nil reply for a push).
func (e *Engine) HandleMessage(ctx context.Context, raw []byte) ([]byte, error) {
	var msg WireMessage
	if err := Decode(raw, &msg); err != nil {
		return nil, fmt.Errorf("gossip: decode wire message: %w", err)
	}
	switch msg.Kind {
	case WireDigest:
		if msg.Digest == nil {
			return nil, fmt.Errorf("gossip: digest message missing body")
		}
		resp := e.reconcile(*msg.Digest)
		return Encode(WireMessage{Kind: WireReconcile, Reconcile: &resp})
	case WirePush:
		if msg.Push != nil {
			for _, env := range msg.Push.Envelopes {
				e.Apply(env)
			}
		}
		return Encode(WireMessage{Kind: WirePush})
	default:
		return nil, fmt.Errorf("gossip: unknown wire kind %q", msg.Kind)
	}
}

// Broadcast pushes env directly to a fanout of live peers, bypassing digest
// reconciliation — for urgent messages (FAREWELL, a significant cost flip)
// that should not wait for the next tick.
func (e *Engine) Broadcast(ctx context.Context, env Envelope) {
	if e.transport == nil {
		return
	}
	batch := PushBatch{Envelopes: []Envelope{env}}
	msg, err := Encode(WireMessage{Kind: WirePush, Push: &batch})
	if err != nil {
		return
	}
	for _, p := range e.selectFanout() {
		if _, err := e.transport.SendGossip(ctx, p, msg); err != nil {
			log.Printf("[gossip] broadcast to %s failed: %v", p, err)
		}
	}
}

// Tick runs one anti-entropy round: digest exchange with a fanout of live
// peers, applying anything they push back, then satisfying anything they
// pulled.
func (e *Engine) Tick(ctx context.Context) {
	if e.transport == nil {
		return
	}
	for _, peer := range e.selectFanout() {
		e.exchangeWith(ctx, peer)
	}
	metrics.PeersKnown.Set(float64(e.liveness.Count()))
	metrics.PeersAlive.Set(float64(e.AliveCount()))
}

func (e *Engine) exchangeWith(ctx context.Context, peer domain.NodeID) {
	digest := e.LocalDigest()
	reqBytes, err := Encode(WireMessage{Kind: WireDigest, Digest: &digest})
	if err != nil {
		return
	}
	respBytes, err := e.transport.SendGossip(ctx, peer, reqBytes)
	if err != nil {
		// Transport failure is not itself an eviction signal — the liveness
		// tracker ages the peer out on its own schedule.
		return
	}
	var resp WireMessage
	if err := Decode(respBytes, &resp); err != nil || resp.Reconcile == nil {
		return
	}
	for _, env := range resp.Reconcile.Push {
		e.Apply(env)
	}
	if len(resp.Reconcile.Pull) == 0 {
		return
	}
	batch := e.buildPushBatch(resp.Reconcile.Pull)
	if len(batch.Envelopes) == 0 {
		return
	}
	msg, err := Encode(WireMessage{Kind: WirePush, Push: &batch})
	if err != nil {
		return
	}
	if _, err := e.transport.SendGossip(ctx, peer, msg); err != nil {
		log.Printf("[gossip] pull-satisfy push to %s failed: %v", peer, err)
	}
}

func (e *Engine) selectFanout() []domain.NodeID {
	live := e.liveness.LivePeers()
	filtered := live[:0]
	for _, id := range live {
		if id != e.self {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) <= e.cfg.FanoutK {
		return filtered
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	e.rng.Shuffle(len(filtered), func(i, j int) { filtered[i], filtered[j] = filtered[j], filtered[i] })
	return filtered[:e.cfg.FanoutK]
}

// Run starts the periodic anti-entropy loop. Call in a goroutine.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TGossip)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
			e.pruneEvicted()
		}
	}
}

// Start is an alias for Run kept for call-shape parity with other SWIM-style
// gossip engines.
func (e *Engine) Start(ctx context.Context) { e.Run(ctx) }

func (e *Engine) pruneEvicted() {
	for _, id := range e.liveness.Evicted() {
		if e.applier != nil {
			e.applier.Evict(id)
		}
		e.mu.Lock()
		delete(e.records, id)
		e.mu.Unlock()
		e.liveness.Forget(id)
		if e.OnLeave != nil {
			e.OnLeave(id)
		}
	}
}

// authenticate checks an inbound envelope's signature against its claimed
// sender. Returns false (and logs) on a forged or missing-but-required
// signature.
func (e *Engine) authenticate(env Envelope) bool {
	if len(env.Signature) == 0 {
		if e.cfg.RequireSignedEnvelopes {
			log.Printf("[gossip] rejected unsigned envelope from %s", env.Sender)
			return false
		}
		return true
	}
	if !security.VerifyHex(env.SigningBytes(), env.Signature, string(env.Sender)) {
		log.Printf("[gossip] rejected envelope with bad signature claiming sender %s", env.Sender)
		return false
	}
	return true
}

// AddrDialer is the optional transport extension bootstrap needs: a digest
// exchange addressed by endpoint string rather than node ID, for peers the
// registry cannot resolve yet because nothing has gossiped their NODE_HELLO.
type AddrDialer interface {
	SendGossipAddr(ctx context.Context, addr string, payload []byte) ([]byte, error)
}

// Bootstrap runs one digest exchange against each configured bootstrap
// endpoint. The reply teaches this node the peers' NODE_HELLO records (and
// everything else they hold), after which normal ID-addressed anti-entropy
// takes over. A transport without AddrDialer support makes this a no-op.
func (e *Engine) Bootstrap(ctx context.Context, addrs []string) {
	dialer, ok := e.transport.(AddrDialer)
	if !ok || len(addrs) == 0 {
		return
	}
	digest := e.LocalDigest()
	reqBytes, err := Encode(WireMessage{Kind: WireDigest, Digest: &digest})
	if err != nil {
		return
	}
	for _, addr := range addrs {
		respBytes, err := dialer.SendGossipAddr(ctx, addr, reqBytes)
		if err != nil {
			log.Printf("[gossip] bootstrap exchange with %s failed: %v", addr, err)
			continue
		}
		var resp WireMessage
		if err := Decode(respBytes, &resp); err != nil || resp.Reconcile == nil {
			continue
		}
		for _, env := range resp.Reconcile.Push {
			e.Apply(env)
		}
		if len(resp.Reconcile.Pull) == 0 {
			continue
		}
		batch := e.buildPushBatch(resp.Reconcile.Pull)
		if len(batch.Envelopes) == 0 {
			continue
		}
		msg, err := Encode(WireMessage{Kind: WirePush, Push: &batch})
		if err != nil {
			continue
		}
		if _, err := dialer.SendGossipAddr(ctx, addr, msg); err != nil {
			log.Printf("[gossip] bootstrap push to %s failed: %v", addr, err)
		}
	}
}
