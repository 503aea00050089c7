package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/api"
	"github.com/atmosphere-mesh/atmosphere/internal/domain"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/cost"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/dispatcher"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/gossip"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/knowledge"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/router"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/transport"
	"github.com/atmosphere-mesh/atmosphere/internal/security"
)

// Daemon is one Atmosphere node's runtime: it wires the gossip engine,
// capability registry, cost collector, intent router, dispatcher, knowledge
// store/syncer, and HTTP surfaces together and owns their lifecycle.
type Daemon struct {
	Config Config

	Keypair   *security.Keypair
	Registry  *registry.Registry
	Gossip    *gossip.Engine
	Collector *cost.Collector
	Cascade   *router.Cascade
	Dispatch  *dispatcher.Dispatcher
	Store     *knowledge.Store
	Index     *knowledge.Index
	Syncer    *knowledge.Syncer
	Transport *transport.HTTPTransport
	Server    *api.Server

	cancel context.CancelFunc
}

// New creates and initializes a Daemon with all services wired, reading
// configuration from disk (or defaults).
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon from an explicit configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	home := cfg.Home.Dir
	if home == "" {
		home = atmosphereHome()
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	kp, err := security.LoadOrCreateKeypair(home)
	if err != nil {
		log.Printf("[daemon] WARNING: failed to load keypair: %v (gossip envelopes will go out unsigned)", err)
	}

	self := domain.NodeID(cfg.NodeID)
	if self == "" && kp != nil {
		self = kp.NodeID()
	}
	if self == "" {
		self = "node-local"
	}

	d := &Daemon{Config: cfg, Keypair: kp}

	// ─── Registry ───────────────────────────────────────────────────────
	gossipInterval := secondsOr(cfg.GossipIntervalS, 5)
	liveness := secondsOr(cfg.LivenessWindowS, 0)
	if liveness <= 0 {
		liveness = 5 * gossipInterval
	}
	eviction := secondsOr(cfg.EvictionWindowS, 0)
	if eviction <= 0 {
		eviction = 3 * liveness
	}
	staleThreshold := secondsOr(cfg.CostStaleThresholdS, 120)

	d.Registry = registry.New(registry.Config{
		LivenessWindow: liveness,
		StaleThreshold: staleThreshold,
		EvictionWindow: eviction,
	})

	// ─── Transport ──────────────────────────────────────────────────────
	publicAddr := cfg.API.PublicAddress
	if publicAddr == "" {
		publicAddr = fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)
	}
	d.Transport = transport.New(func(id domain.NodeID) (string, bool) {
		node, ok := d.Registry.Node(id)
		if !ok || len(node.Endpoints) == 0 {
			return "", false
		}
		return node.Endpoints[0], true
	}, publicAddr)

	// ─── Gossip ─────────────────────────────────────────────────────────
	d.Gossip = gossip.New(self, gossip.Config{
		TGossip: gossipInterval,
		FanoutK: orInt(cfg.GossipFanoutK, 3),
		Liveness: gossip.LivenessConfig{
			LivenessWindow: liveness,
			EvictionWindow: eviction,
		},
		RequireSignedEnvelopes: cfg.RequireSignedGossip,
	}, d.Transport, registry.Applier{Registry: d.Registry})

	// Sign what this node emits. Only valid when the node's identity IS the
	// keypair's public key hex — a configured node_id override makes
	// signatures unverifiable against the sender field, so emit unsigned
	// and say so.
	switch {
	case kp == nil:
	case self == kp.NodeID():
		d.Gossip.SetSigner(kp)
	default:
		log.Printf("[daemon] node_id %q overrides the keypair identity; gossip envelopes will go out unsigned", self)
	}

	// ─── Cost collector ─────────────────────────────────────────────────
	d.Collector = cost.NewCollector(cost.CollectorConfig{
		TickInterval:      30 * time.Second,
		BudgetSensitivity: orFloat(cfg.BudgetSensitivity, 1.0),
		BandwidthWindow:   60 * time.Second,
	}, func(state domain.CostState) {
		d.Registry.ApplyCostUpdate(self, state)
		d.Gossip.Broadcast(context.Background(), d.Gossip.EmitCostUpdate(state))
	})

	// ─── Knowledge store & sync ─────────────────────────────────────────
	store, err := knowledge.Open(filepath.Join(home, "knowledge"))
	if err != nil {
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}
	d.Store = store
	d.Index = knowledge.NewIndex()

	syncCfg := knowledge.DefaultSyncConfig()
	syncCfg.CapacityBytes = cfg.KnowledgeBudgetBytes
	for dom, lim := range cfg.PerDomainLimits {
		syncCfg.DomainLimits = append(syncCfg.DomainLimits, knowledge.DomainLimit{
			Domain: dom, MaxBytes: lim.MaxBytes, MaxChunks: lim.MaxChunks,
		})
	}

	// ─── Router & dispatcher ────────────────────────────────────────────
	var embedder domain.Embedder // nil unless an external collaborator sets one; EmbedderAvailable just informs callers
	d.Cascade = router.New(self, d.Registry, embedder, router.Config{
		ExactCacheSize:    4096,
		ExactCacheTTL:     secondsOr(cfg.CacheTTLExactS, 60),
		SemanticCacheSize: 4096,
		SemanticCacheTTL:  secondsOr(cfg.CacheTTLSemanticS, 3600),
		SimHashHammingMax: orInt(cfg.SimhashHammingMax, 3),
		BudgetSensitivity: orFloat(cfg.BudgetSensitivity, 1.0),
		PreferLocalBonus:  router.DefaultPreferLocalBonus,
	})

	// The local execution handler answers both self-routed Dispatch calls
	// and intents forwarded here by another node's dispatcher — in both
	// cases a node already chosen as the target must execute locally, not
	// re-route. rag/<domain> is the only capability this node itself
	// serves, and it needs the syncer, which in turn needs the dispatcher
	// to issue its own escalations — handlerSlot breaks that cycle.
	slot := &handlerSlot{}
	d.Dispatch = dispatcher.New(self, d.Cascade, slot, d.Transport, dispatcher.DefaultConfig())
	d.Syncer = knowledge.NewSyncer(self, d.Store, d.Index, d.Transport, registryPeerResolver{d.Registry}, d.Dispatch, syncCfg)
	slot.set(knowledge.NewRAGHandler(d.Syncer))

	for _, dom := range cfg.Subscriptions {
		priority := 0
		if lim, ok := cfg.PerDomainLimits[dom]; ok {
			priority = lim.Priority
		}
		d.Syncer.Subscribe(dom, priority)
		advertiseRAGCapability(d, self, dom)
	}

	// ─── Self-announcement ──────────────────────────────────────────────
	// The HELLO goes through the gossip engine, not just the local registry:
	// anti-entropy retransmits it, which is the only way peers ever learn
	// this node's endpoints.
	d.Gossip.EmitHello(domain.Node{ID: self, Name: cfg.NodeID, Endpoints: []string{publicAddr}})

	// ─── API server ─────────────────────────────────────────────────────
	srv := api.NewServer(d.Dispatch, d.Registry)
	srv.SetKnowledge(d.Syncer)
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}
	srv.SetPeerTransport(&transport.Server{
		Gossip:   d.Gossip,
		Handler:  slot,
		Chunks:   d.Store,
		Manifest: d.Syncer,
	})
	d.Server = srv

	return d, nil
}

// advertiseRAGCapability publishes a rag/<domain> tool capability for self,
// both into the local registry and via an immediate gossip broadcast, so
// peers can route rag/<domain> escalations here once this node is
// subscribed.
func advertiseRAGCapability(d *Daemon, self domain.NodeID, dom string) {
	cap := domain.Capability{
		Type:   domain.CapabilityType("rag/" + dom),
		Domain: dom,
		NodeID: self,
		Kind:   domain.CapabilityTool,
		Repr:   domain.Representations{Domain: dom, Keywords: []string{dom}},
	}
	existing, _ := d.Registry.Node(self)
	caps := append(append([]domain.Capability{}, existing.Capabilities...), cap)
	d.Registry.ApplyCapabilityUpdate(self, caps)
	d.Gossip.Broadcast(context.Background(), d.Gossip.EmitCapabilityUpdate(caps))
}

// handlerSlot is a domain.IntentHandler whose real implementation is
// installed after construction, breaking the dispatcher/syncer/handler
// construction cycle: the dispatcher needs a handler at construction time,
// but the RAG handler needs the syncer, which needs the dispatcher.
type handlerSlot struct {
	mu      sync.RWMutex
	handler domain.IntentHandler
}

func (s *handlerSlot) set(h domain.IntentHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *handlerSlot) Handle(ctx context.Context, intent domain.Intent) ([]byte, error) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("daemon: no local handler installed yet")
	}
	return h.Handle(ctx, intent)
}

// registryPeerResolver adapts *registry.Registry to knowledge.PeerResolver,
// ordering candidates by hop count so the syncer prefers the closest source
// for its manifest exchange.
type registryPeerResolver struct{ reg *registry.Registry }

func (r registryPeerResolver) PeersForDomain(dom string) []domain.NodeID {
	matches := r.reg.LookupDomain(dom)
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Node.Hops < matches[j].Node.Hops })
	out := make([]domain.NodeID, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Node.ID)
	}
	return out
}

// Serve starts every background loop (gossip, cost sampling, knowledge
// sync) and the HTTP server, blocking until ctx is cancelled or a shutdown
// signal arrives.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if len(d.Config.BootstrapPeers) > 0 {
		d.Gossip.Bootstrap(ctx, d.Config.BootstrapPeers)
	}

	go d.Gossip.Run(ctx)
	go d.Collector.Run(ctx)
	go d.runKnowledgeSync(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		d.Close()
	}()

	log.Printf("atmosphere node serving on http://%s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// runKnowledgeSync ticks the syncer's priority-scheduled sync loop on a
// fixed cadence until ctx is cancelled, announcing KNOWLEDGE_STATE via
// gossip whenever a round changed any subscribed domain's state.
func (d *Daemon) runKnowledgeSync(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastAnnounced string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Syncer.Tick(ctx)

			states := make([]domain.NodeKnowledgeState, 0, len(d.Config.Subscriptions))
			summary := ""
			for _, dom := range d.Config.Subscriptions {
				if st, ok := d.Syncer.State(dom); ok {
					states = append(states, st)
					summary += fmt.Sprintf("%s:%d:%d:%s;", st.Domain, st.LocalVersion, st.ChunksLocal, st.State)
				}
			}
			if len(states) > 0 && summary != lastAnnounced {
				lastAnnounced = summary
				d.Gossip.Broadcast(ctx, d.Gossip.EmitKnowledgeState(states))
			}
		}
	}
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Store != nil {
		_ = d.Store.Close()
	}
}

func secondsOr(v, fallback float64) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v * float64(time.Second))
}

func orInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func orFloat(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	return v
}
