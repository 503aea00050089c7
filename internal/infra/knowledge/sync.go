package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/dsa"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/metrics"
)

// PeerResolver finds candidate nodes advertising a given knowledge domain.
// Implemented by the capability registry; kept as a narrow interface here so
// this package never imports registry directly.
type PeerResolver interface {
	PeersForDomain(dom string) []domain.NodeID
}

// IntentDispatcher is the subset of the dispatcher this package needs to
// escalate an unanswerable local search to a better-stocked peer as an
// ordinary routed intent.
type IntentDispatcher interface {
	Dispatch(ctx context.Context, intent domain.Intent) (domain.IntentResponse, error)
}

// DomainLimit caps one domain's local footprint independently of the global
// capacity budget. Zero values mean unlimited.
type DomainLimit struct {
	Domain    string
	MaxBytes  int64
	MaxChunks int
}

// SyncConfig bounds sync scheduling and local storage behavior.
type SyncConfig struct {
	FetchBatchSize  int           // chunks per GET_CHUNKS round-trip
	BaseBackoff     time.Duration // first retry delay after a sync error
	MaxBackoff      time.Duration
	CapacityBytes   int64   // 0 = unlimited
	MinFreeFraction float64 // fraction of CapacityBytes the eviction sweep keeps free
	DomainLimits    []DomainLimit
}

// DefaultSyncConfig returns the documented defaults: 32 chunks per fetch
// round, exponential backoff from 5s up to 10m on repeated domain errors,
// and a 5% free-space floor.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		FetchBatchSize:  32,
		BaseBackoff:     5 * time.Second,
		MaxBackoff:      10 * time.Minute,
		MinFreeFraction: 0.05,
	}
}

type domainSchedule struct {
	nextAttempt time.Time
}

// Syncer runs the pull-based sync protocol (SUBSCRIBE / GET_MANIFEST / DIFF
// / GET_CHUNKS / APPLY) for every subscribed domain, and answers similarity
// search against the local Index, escalating to a remote peer when local
// coverage comes up short.
type Syncer struct {
	self      domain.NodeID
	store     *Store
	index     *Index
	transport domain.Transport
	peers     PeerResolver
	dispatch  IntentDispatcher // nil on a node with no dispatcher wired (search stays local-only)
	cfg       SyncConfig
	now       func() time.Time

	mu        sync.Mutex
	states    map[string]*domain.NodeKnowledgeState
	schedules map[string]*domainSchedule
	queue     *dsa.PriorityQueue
	limits    map[string]DomainLimit

	// tracker remembers which peer's manifest listed which chunk IDs, and
	// ring spreads chunk-batch fetches across the peers holding a domain so
	// one source doesn't serve a whole re-replication alone.
	tracker *PeerChunkTracker
	rings   map[string]*dsa.HashRing // domain -> ring of peers seen holding it
}

// NewSyncer builds a Syncer. peers and dispatch may be nil — Tick then runs
// no-op (nothing to sync against) and Search never escalates remotely.
func NewSyncer(self domain.NodeID, store *Store, index *Index, transport domain.Transport, peers PeerResolver, dispatch IntentDispatcher, cfg SyncConfig) *Syncer {
	if cfg.FetchBatchSize <= 0 {
		cfg.FetchBatchSize = 32
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	if cfg.MinFreeFraction <= 0 {
		cfg.MinFreeFraction = 0.05
	}
	limits := make(map[string]DomainLimit, len(cfg.DomainLimits))
	for _, l := range cfg.DomainLimits {
		limits[l.Domain] = l
	}
	return &Syncer{
		self: self, store: store, index: index, transport: transport,
		peers: peers, dispatch: dispatch, cfg: cfg, now: time.Now,
		states:    make(map[string]*domain.NodeKnowledgeState),
		schedules: make(map[string]*domainSchedule),
		queue:     dsa.NewPriorityQueue(dsa.DefaultPriorityQueueConfig()),
		limits:    limits,
		tracker:   NewPeerChunkTracker(),
		rings:     make(map[string]*dsa.HashRing),
	}
}

// Subscribe registers dom for ongoing sync at the given priority (lower
// values sync first and survive eviction longest).
func (s *Syncer) Subscribe(dom string, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[dom]; ok {
		return
	}
	s.states[dom] = &domain.NodeKnowledgeState{Domain: dom, State: domain.SyncSyncing, Priority: priority}
	s.schedules[dom] = &domainSchedule{}
	s.queue.Push(dsa.HeapItem{Key: dom, Priority: priority, SubmittedAt: s.now()})
}

// State returns a snapshot of a subscribed domain's sync state.
func (s *Syncer) State(dom string) (domain.NodeKnowledgeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[dom]
	if !ok {
		return domain.NodeKnowledgeState{}, false
	}
	return *st, true
}

// Tick drains every domain in the schedule whose backoff has elapsed,
// running one sync round apiece, then re-enqueues them all for the next
// Tick. Call on a fixed interval (the daemon's sync ticker).
func (s *Syncer) Tick(ctx context.Context) {
	s.mu.Lock()
	due := make([]string, 0, len(s.states))
	var deferred []dsa.HeapItem
	now := s.now()
	for s.queue.Len() > 0 {
		item, ok := s.queue.Pop()
		if !ok {
			break
		}
		sched := s.schedules[item.Key]
		if sched != nil && now.Before(sched.nextAttempt) {
			// Not due yet — set aside and keep draining; a lower-priority
			// domain behind it may already be due.
			deferred = append(deferred, item)
			continue
		}
		due = append(due, item.Key)
	}
	for _, item := range deferred {
		s.queue.Push(item)
	}
	s.mu.Unlock()

	for _, dom := range due {
		s.syncDomain(ctx, dom)
		s.mu.Lock()
		priority := 0
		if st, ok := s.states[dom]; ok {
			priority = st.Priority
		}
		s.queue.Push(dsa.HeapItem{Key: dom, Priority: priority, SubmittedAt: s.now()})
		s.mu.Unlock()
	}
}

func (s *Syncer) syncDomain(ctx context.Context, dom string) {
	if s.peers == nil || s.transport == nil {
		return
	}
	peers := s.peers.PeersForDomain(dom)
	candidates := peers[:0:0]
	for _, p := range peers {
		if p != s.self {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		s.recordError(dom)
		return
	}

	// Resolver order prefers the closest peer; fall through on failure.
	var remote domain.DomainManifest
	var peer domain.NodeID
	var err error
	for _, p := range candidates {
		remote, err = s.transport.FetchManifest(ctx, p, dom)
		if err == nil {
			peer = p
			break
		}
	}
	if err != nil {
		s.recordError(dom)
		return
	}
	s.registerSource(dom, peer, remote)

	local, err := s.localManifest(dom)
	if err != nil {
		s.recordError(dom)
		return
	}

	diff := DiffManifests(local, remote)
	if !diff.IsEmpty() {
		if err := s.applyDiff(ctx, peer, dom, diff); err != nil {
			s.recordError(dom)
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[dom]
	if st == nil {
		return
	}
	st.LocalVersion = remote.Version
	st.RemoteVersion = remote.Version
	st.ChunksLocal = len(remote.Entries)
	st.ChunksPending = 0
	st.State = domain.SyncFull
	st.LastSyncedAt = s.now()
	st.ConsecutiveErrors = 0
	s.schedules[dom].nextAttempt = time.Time{}

	s.evictIfNeeded()
	s.publishMetricsLocked(dom)
}

// registerSource folds a fetched manifest into the peer-inventory tracker and
// the domain's fetch ring.
func (s *Syncer) registerSource(dom string, peer domain.NodeID, m domain.DomainManifest) {
	ids := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		ids[i] = e.ChunkID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.Register(dom, peer, ids)
	ring, ok := s.rings[dom]
	if !ok {
		ring = dsa.NewHashRing(dsa.DefaultHashRingConfig())
		s.rings[dom] = ring
	}
	ring.AddNode(string(peer))
}

// fetchPeerFor assigns a chunk to a source peer: consistent hashing over the
// peers seen holding the domain, skipping any the tracker says lack the
// chunk, falling back to the peer whose manifest is being applied.
func (s *Syncer) fetchPeerFor(dom, chunkID string, fallback domain.NodeID) domain.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.rings[dom]
	if !ok {
		return fallback
	}
	for _, p := range ring.LookupN(chunkID, ring.Size()) {
		if s.tracker.Has(dom, domain.NodeID(p), chunkID) {
			return domain.NodeID(p)
		}
	}
	return fallback
}

// publishMetricsLocked refreshes the per-domain gauges. Called with s.mu held.
func (s *Syncer) publishMetricsLocked(dom string) {
	st := s.states[dom]
	if st == nil {
		return
	}
	for _, state := range []domain.KnowledgeSyncState{
		domain.SyncSyncing, domain.SyncFull, domain.SyncPartial,
		domain.SyncStale, domain.SyncOffline, domain.SyncError,
	} {
		v := 0.0
		if st.State == state {
			v = 1.0
		}
		metrics.KnowledgeDomainState.WithLabelValues(dom, string(state)).Set(v)
	}
	metrics.KnowledgeChunksLocal.WithLabelValues(dom).Set(float64(st.ChunksLocal))
}

func (s *Syncer) localManifest(dom string) (domain.DomainManifest, error) {
	summaries, err := s.store.ChunkSummaries(dom)
	if err != nil {
		return domain.DomainManifest{}, err
	}
	// A peer may request the manifest of a domain this node stores without
	// subscribing to (it is the authority, or retains it after unsubscribe);
	// version 0 then means "whatever the chunks say".
	var version uint64
	s.mu.Lock()
	if st, ok := s.states[dom]; ok {
		version = st.LocalVersion
	}
	s.mu.Unlock()
	return BuildManifest(dom, version, summaries, 0), nil
}

func (s *Syncer) applyDiff(ctx context.Context, peer domain.NodeID, dom string, diff domain.ManifestDiff) error {
	toFetch := append(append([]string{}, diff.Added...), diff.Updated...)
	for _, id := range diff.Removed {
		s.store.Delete(id)
		s.index.Remove(dom, id)
	}

	// Consistent assignment of each chunk to a source peer spreads the fetch
	// load across every peer holding the domain.
	byPeer := make(map[domain.NodeID][]string)
	for _, id := range toFetch {
		p := s.fetchPeerFor(dom, id, peer)
		byPeer[p] = append(byPeer[p], id)
	}

	g, gctx := errgroup.WithContext(ctx)
	for p, ids := range byPeer {
		p, ids := p, ids
		g.Go(func() error {
			for start := 0; start < len(ids); start += s.cfg.FetchBatchSize {
				end := start + s.cfg.FetchBatchSize
				if end > len(ids) {
					end = len(ids)
				}
				if err := s.fetchAndApplyBatch(gctx, p, peer, dom, ids[start:end]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// fetchAndApplyBatch pulls one GET_CHUNKS batch from src, verifying each
// chunk's checksum before it touches the store. A chunk that fails
// verification is refetched once from the manifest source; a second failure
// fails the domain's sync round (the scheduler's backoff handles retry).
func (s *Syncer) fetchAndApplyBatch(ctx context.Context, src, fallback domain.NodeID, dom string, ids []string) error {
	chunks, err := s.transport.FetchChunks(ctx, src, dom, ids)
	if err != nil {
		if src == fallback {
			return fmt.Errorf("fetch chunks for %s: %w", dom, err)
		}
		// A secondary source failing wholesale falls back to the manifest peer.
		chunks, err = s.transport.FetchChunks(ctx, fallback, dom, ids)
		if err != nil {
			return fmt.Errorf("fetch chunks for %s: %w", dom, err)
		}
	}

	var fetched int64
	for _, c := range chunks {
		if c.Checksum != "" && checksumOf(c.Content) != c.Checksum {
			refetched, rerr := s.transport.FetchChunks(ctx, fallback, dom, []string{c.ID})
			if rerr != nil || len(refetched) == 0 || checksumOf(refetched[0].Content) != refetched[0].Checksum {
				return fmt.Errorf("chunk %s: %w", c.ID, domain.ErrChunkChecksumMismatch)
			}
			c = refetched[0]
		}
		stored, err := s.store.Put(c)
		if err != nil {
			return err
		}
		s.index.Add(stored)
		fetched += int64(len(c.Content))
	}
	metrics.KnowledgeBytesTransferred.WithLabelValues(dom).Add(float64(fetched))
	return nil
}

func (s *Syncer) recordError(dom string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[dom]
	if st == nil {
		return
	}
	st.ConsecutiveErrors++
	st.State = domain.SyncError
	backoff := s.cfg.BaseBackoff << uint(minInt(st.ConsecutiveErrors-1, 10))
	if backoff > s.cfg.MaxBackoff || backoff <= 0 {
		backoff = s.cfg.MaxBackoff
	}
	s.schedules[dom].nextAttempt = s.now().Add(backoff)
	s.publishMetricsLocked(dom)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// evictIfNeeded first enforces each domain's own byte/chunk caps
// independently of the global budget, then frees chunks, lowest-priority
// domain and oldest-queried chunk first, until total storage is back under
// the capacity ceiling implied by MinFreeFraction. Called with s.mu held.
func (s *Syncer) evictIfNeeded() {
	s.enforceDomainLimits()
	if s.cfg.CapacityBytes <= 0 {
		return
	}
	total, err := s.store.TotalBytes()
	if err != nil {
		return
	}
	floor := int64(float64(s.cfg.CapacityBytes) * (1 - s.cfg.MinFreeFraction))
	if total <= floor {
		return
	}

	type domainPriority struct {
		dom      string
		priority int
	}
	var doms []domainPriority
	for dom, st := range s.states {
		doms = append(doms, domainPriority{dom: dom, priority: st.Priority})
	}
	sort.Slice(doms, func(i, j int) bool { return doms[i].priority > doms[j].priority }) // evict highest-priority-number domains first

	for _, dp := range doms {
		if total <= floor {
			break
		}
		ids, err := s.store.ListDomain(dp.dom)
		if err != nil {
			continue
		}
		for _, id := range ids {
			if total <= floor {
				break
			}
			s.store.Delete(id)
			s.index.Remove(dp.dom, id)
			if st := s.states[dp.dom]; st != nil {
				st.ChunksLocal--
				st.State = domain.SyncPartial
			}
			total, _ = s.store.TotalBytes()
		}
	}
}

// enforceDomainLimits evicts oldest-queried chunks within any domain over
// its configured byte or chunk cap. Called with s.mu held.
func (s *Syncer) enforceDomainLimits() {
	for dom, lim := range s.limits {
		if lim.MaxBytes <= 0 && lim.MaxChunks <= 0 {
			continue
		}
		ids, err := s.store.ListDomain(dom)
		if err != nil {
			continue
		}
		bytes, _ := s.store.DomainBytes(dom)
		count := len(ids)
		for _, id := range ids {
			overBytes := lim.MaxBytes > 0 && bytes > lim.MaxBytes
			overChunks := lim.MaxChunks > 0 && count > lim.MaxChunks
			if !overBytes && !overChunks {
				break
			}
			s.store.Delete(id)
			s.index.Remove(dom, id)
			count--
			bytes, _ = s.store.DomainBytes(dom)
			if st := s.states[dom]; st != nil {
				st.ChunksLocal = count
				st.State = domain.SyncPartial
			}
		}
	}
}

// Search answers a similarity query against dom's local index. When dom is
// not subscribed locally, or no local result clears minScore, and a
// dispatcher is wired, escalates once (never
// recursively — depth is always 1 on the escalation path) to a peer as a
// "rag/<domain>" intent carrying the query embedding, merging any remote
// hits into the result. The returned warnings surface non-fatal coverage
// degradations to the caller's response.
func (s *Syncer) Search(ctx context.Context, query []float32, dom string, k int, minScore float64) ([]domain.ScoredChunk, []string, error) {
	return s.search(ctx, query, dom, k, minScore, 0)
}

// SearchLocalOnly answers a query using only this node's index — the
// handler a remote peer runs for an incoming "rag/<domain>" intent, so the
// escalation chain can never bounce more than once.
func (s *Syncer) SearchLocalOnly(query []float32, dom string, k int, minScore float64) []domain.ScoredChunk {
	return s.index.Search(query, dom, k, minScore)
}

// LocalManifestFor exposes localManifest to the transport server, which
// answers GET_MANIFEST requests from subscribing peers.
func (s *Syncer) LocalManifestFor(dom string) (domain.DomainManifest, error) {
	return s.localManifest(dom)
}

func (s *Syncer) search(ctx context.Context, query []float32, dom string, k int, minScore float64, depth int) ([]domain.ScoredChunk, []string, error) {
	_, subscribed := s.State(dom)
	local := s.index.Search(query, dom, k, minScore)

	// Escalation is a quality decision, not a count decision: go remote only
	// when no subscription covers the domain, or nothing local clears
	// minScore (the index filters by it, so an empty result IS "best local
	// score < min_score"). A domain holding few chunks that all score well
	// stays local.
	needRemote := !subscribed || len(local) == 0
	if !needRemote || depth > 0 || s.dispatch == nil {
		if !subscribed && len(local) == 0 && s.dispatch == nil {
			return nil, nil, fmt.Errorf("domain %s: %w", dom, domain.ErrKnowledgeDomainMissing)
		}
		return local, nil, nil
	}

	metrics.KnowledgeSearchEscalations.Inc()
	intent := domain.Intent{
		ID:                   fmt.Sprintf("rag-escalation-%d", s.now().UnixNano()),
		Type:                 domain.CapabilityType("rag/" + dom),
		Domain:               dom,
		PrecomputedEmbedding: query,
		CreatedAt:            s.now(),
		DeadlineMs:           5000,
	}
	resp, err := s.dispatch.Dispatch(ctx, intent)
	if err != nil || resp.Status != domain.IntentCompleted {
		return local, nil, nil // escalation is best-effort; local results still stand
	}

	var remote []domain.ScoredChunk
	if err := json.Unmarshal(resp.Result, &remote); err != nil {
		return local, nil, nil
	}

	merged := mergeScored(local, remote, k)
	return merged, []string{domain.WarnPartialLocalCoverage}, nil
}

func mergeScored(a, b []domain.ScoredChunk, k int) []domain.ScoredChunk {
	seen := make(map[string]bool, len(a))
	out := make([]domain.ScoredChunk, 0, len(a)+len(b))
	for _, sc := range a {
		seen[sc.Chunk.ID] = true
		out = append(out, sc)
	}
	for _, sc := range b {
		if !seen[sc.Chunk.ID] {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
