package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
)

type fakePeers struct {
	byDomain map[string][]domain.NodeID
}

func (f *fakePeers) PeersForDomain(dom string) []domain.NodeID { return f.byDomain[dom] }

type fakeSyncTransport struct {
	manifest map[string]domain.DomainManifest // dom -> manifest
	chunks   map[string]domain.KnowledgeChunk  // chunk id -> chunk
	fetchErr error
}

func (f *fakeSyncTransport) SendGossip(ctx context.Context, to domain.NodeID, payload []byte) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSyncTransport) ForwardIntent(ctx context.Context, to domain.NodeID, intent domain.Intent) (domain.IntentResponse, error) {
	return domain.IntentResponse{}, errors.New("not implemented")
}

func (f *fakeSyncTransport) FetchManifest(ctx context.Context, to domain.NodeID, dom string) (domain.DomainManifest, error) {
	if f.fetchErr != nil {
		return domain.DomainManifest{}, f.fetchErr
	}
	m, ok := f.manifest[dom]
	if !ok {
		return domain.DomainManifest{}, errors.New("no such domain")
	}
	return m, nil
}

func (f *fakeSyncTransport) FetchChunks(ctx context.Context, to domain.NodeID, dom string, ids []string) ([]domain.KnowledgeChunk, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]domain.KnowledgeChunk, 0, len(ids))
	for _, id := range ids {
		c, ok := f.chunks[id]
		if !ok {
			return nil, errors.New("unknown chunk " + id)
		}
		out = append(out, c)
	}
	return out, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSyncerPullsNewChunksFromPeer(t *testing.T) {
	store := newTestStore(t)
	index := NewIndex()

	chunk := domain.KnowledgeChunk{ID: "c1", Domain: "docs", Content: []byte("hello"), Version: 1}
	chunk.Checksum = checksumOf(chunk.Content)
	manifest := BuildManifest("docs", 1, []domain.KnowledgeChunk{chunk}, 0)

	transport := &fakeSyncTransport{
		manifest: map[string]domain.DomainManifest{"docs": manifest},
		chunks:   map[string]domain.KnowledgeChunk{"c1": chunk},
	}
	peers := &fakePeers{byDomain: map[string][]domain.NodeID{"docs": {"peerA"}}}

	s := NewSyncer("local", store, index, transport, peers, nil, DefaultSyncConfig())
	s.Subscribe("docs", 1)
	s.Tick(context.Background())

	got, err := store.Get("c1")
	if err != nil {
		t.Fatalf("Get after sync: %v", err)
	}
	if string(got.Content) != "hello" {
		t.Fatalf("content = %q", got.Content)
	}

	st, ok := s.State("docs")
	if !ok {
		t.Fatalf("expected state for docs")
	}
	if st.State != domain.SyncFull || st.ChunksLocal != 1 || st.ConsecutiveErrors != 0 {
		t.Fatalf("state = %+v", st)
	}
}

func TestSyncerAppliesRemovalsFromDiff(t *testing.T) {
	store := newTestStore(t)
	index := NewIndex()

	stale := domain.KnowledgeChunk{ID: "stale", Domain: "docs", Content: []byte("old"), Version: 1}
	if _, err := store.Put(stale); err != nil {
		t.Fatalf("seed Put: %v", err)
	}
	index.Add(domain.KnowledgeChunk{ID: "stale", Domain: "docs", Embedding: []float32{1, 0}})

	manifest := BuildManifest("docs", 2, nil, 0) // remote now has nothing
	transport := &fakeSyncTransport{
		manifest: map[string]domain.DomainManifest{"docs": manifest},
		chunks:   map[string]domain.KnowledgeChunk{},
	}
	peers := &fakePeers{byDomain: map[string][]domain.NodeID{"docs": {"peerA"}}}

	s := NewSyncer("local", store, index, transport, peers, nil, DefaultSyncConfig())
	s.Subscribe("docs", 1)
	s.Tick(context.Background())

	if _, err := store.Get("stale"); err == nil {
		t.Fatalf("expected stale chunk to be deleted")
	}
	if index.Count("docs") != 0 {
		t.Fatalf("expected index entry removed, count = %d", index.Count("docs"))
	}
}

func TestSyncerNoPeersRecordsError(t *testing.T) {
	store := newTestStore(t)
	index := NewIndex()
	transport := &fakeSyncTransport{}
	peers := &fakePeers{byDomain: map[string][]domain.NodeID{}}

	s := NewSyncer("local", store, index, transport, peers, nil, DefaultSyncConfig())
	s.Subscribe("docs", 1)
	s.Tick(context.Background())

	st, ok := s.State("docs")
	if !ok {
		t.Fatalf("expected state for docs")
	}
	if st.State != domain.SyncError || st.ConsecutiveErrors != 1 {
		t.Fatalf("state = %+v", st)
	}
}

func TestSyncerBackoffDelaysRetryAfterError(t *testing.T) {
	store := newTestStore(t)
	index := NewIndex()
	transport := &fakeSyncTransport{fetchErr: errors.New("unreachable")}
	peers := &fakePeers{byDomain: map[string][]domain.NodeID{"docs": {"peerA"}}}

	cfg := DefaultSyncConfig()
	cfg.BaseBackoff = time.Hour // long enough that a second immediate Tick is a no-op
	s := NewSyncer("local", store, index, transport, peers, nil, cfg)
	s.Subscribe("docs", 1)

	s.Tick(context.Background())
	st, _ := s.State("docs")
	if st.ConsecutiveErrors != 1 {
		t.Fatalf("after first tick, ConsecutiveErrors = %d, want 1", st.ConsecutiveErrors)
	}

	s.Tick(context.Background())
	st, _ = s.State("docs")
	if st.ConsecutiveErrors != 1 {
		t.Fatalf("second tick ran before backoff elapsed: ConsecutiveErrors = %d", st.ConsecutiveErrors)
	}
}

func TestSyncerSearchReturnsLocalHitsWithoutEscalating(t *testing.T) {
	store := newTestStore(t)
	index := NewIndex()
	index.Add(domain.KnowledgeChunk{ID: "c1", Domain: "docs", Embedding: []float32{1, 0, 0}})

	s := NewSyncer("local", store, index, nil, nil, nil, DefaultSyncConfig())
	results, warnings, err := s.Search(context.Background(), []float32{1, 0, 0}, "docs", 1, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Chunk.ID != "c1" {
		t.Fatalf("results = %+v", results)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none for a fully local answer", warnings)
	}
}

type fakeDispatcher struct {
	resp  domain.IntentResponse
	err   error
	calls int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, intent domain.Intent) (domain.IntentResponse, error) {
	f.calls++
	return f.resp, f.err
}

func TestSyncerSearchEscalatesWhenNothingLocalMatches(t *testing.T) {
	store := newTestStore(t)
	index := NewIndex() // no local chunks for "docs"

	remote := []domain.ScoredChunk{{Chunk: domain.KnowledgeChunk{ID: "remote1", Domain: "docs"}, Score: 0.9}}
	body, err := json.Marshal(remote)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	dispatch := &fakeDispatcher{resp: domain.IntentResponse{Status: domain.IntentCompleted, Result: body}}

	s := NewSyncer("local", store, index, nil, nil, dispatch, DefaultSyncConfig())
	results, warnings, err := s.Search(context.Background(), []float32{1, 0, 0}, "docs", 1, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Chunk.ID != "remote1" {
		t.Fatalf("results = %+v", results)
	}
	if len(warnings) != 1 || warnings[0] != domain.WarnPartialLocalCoverage {
		t.Fatalf("warnings = %v, want [partial_local_coverage]", warnings)
	}
}

func TestSyncerRejectsCorruptChunkAfterRefetch(t *testing.T) {
	store := newTestStore(t)
	index := NewIndex()

	chunk := domain.KnowledgeChunk{ID: "c1", Domain: "docs", Content: []byte("payload"), Version: 1}
	chunk.Checksum = "deadbeef" // never matches the content hash
	manifest := BuildManifest("docs", 1, []domain.KnowledgeChunk{chunk}, 0)

	transport := &fakeSyncTransport{
		manifest: map[string]domain.DomainManifest{"docs": manifest},
		chunks:   map[string]domain.KnowledgeChunk{"c1": chunk},
	}
	peers := &fakePeers{byDomain: map[string][]domain.NodeID{"docs": {"peerA"}}}

	s := NewSyncer("local", store, index, transport, peers, nil, DefaultSyncConfig())
	s.Subscribe("docs", 1)
	s.Tick(context.Background())

	if _, err := store.Get("c1"); err == nil {
		t.Fatalf("corrupt chunk should not have been stored")
	}
	st, _ := s.State("docs")
	if st.State != domain.SyncError {
		t.Fatalf("state = %s, want error after checksum mismatch survived the refetch", st.State)
	}
}

func TestSyncerEnforcesPerDomainChunkLimit(t *testing.T) {
	store := newTestStore(t)
	index := NewIndex()

	chunks := make([]domain.KnowledgeChunk, 3)
	byID := make(map[string]domain.KnowledgeChunk, 3)
	for i := range chunks {
		c := domain.KnowledgeChunk{ID: "c" + string(rune('1'+i)), Domain: "docs", Content: []byte{byte(i)}, Version: 1}
		c.Checksum = checksumOf(c.Content)
		chunks[i] = c
		byID[c.ID] = c
	}
	manifest := BuildManifest("docs", 1, chunks, 0)
	transport := &fakeSyncTransport{
		manifest: map[string]domain.DomainManifest{"docs": manifest},
		chunks:   byID,
	}
	peers := &fakePeers{byDomain: map[string][]domain.NodeID{"docs": {"peerA"}}}

	cfg := DefaultSyncConfig()
	cfg.DomainLimits = []DomainLimit{{Domain: "docs", MaxChunks: 2}}
	s := NewSyncer("local", store, index, transport, peers, nil, cfg)
	s.Subscribe("docs", 1)
	s.Tick(context.Background())

	ids, err := store.ListDomain("docs")
	if err != nil {
		t.Fatalf("ListDomain: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("stored %d chunks, want 2 after per-domain limit eviction", len(ids))
	}
	st, _ := s.State("docs")
	if st.State != domain.SyncPartial {
		t.Fatalf("state = %s, want partial once the limit trimmed the domain", st.State)
	}
}

func TestSyncerGlobalBudgetEvictsLowestPriorityDomainFirst(t *testing.T) {
	store := newTestStore(t)
	index := NewIndex()

	// Two domains, 64 bytes each; a 100-byte budget with a 5% floor forces
	// eviction out of the lower-priority (higher number) domain only.
	mk := func(id, dom string) domain.KnowledgeChunk {
		c := domain.KnowledgeChunk{ID: id, Domain: dom, Content: make([]byte, 64), Version: 1}
		c.Checksum = checksumOf(c.Content)
		return c
	}
	important := mk("imp1", "procedures")
	casual := mk("cas1", "archive")
	manifest := BuildManifest("archive", 1, []domain.KnowledgeChunk{casual}, 0)

	if _, err := store.Put(important); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	transport := &fakeSyncTransport{
		manifest: map[string]domain.DomainManifest{"archive": manifest},
		chunks:   map[string]domain.KnowledgeChunk{"cas1": casual},
	}
	peers := &fakePeers{byDomain: map[string][]domain.NodeID{"archive": {"peerA"}}}

	cfg := DefaultSyncConfig()
	cfg.CapacityBytes = 100
	s := NewSyncer("local", store, index, transport, peers, nil, cfg)
	s.Subscribe("procedures", 0) // high priority survives
	s.Subscribe("archive", 9)    // low priority is evicted first
	s.Tick(context.Background())

	total, err := store.TotalBytes()
	if err != nil {
		t.Fatalf("TotalBytes: %v", err)
	}
	if total > 100 {
		t.Fatalf("stored %d bytes, want under the 100-byte budget", total)
	}
	if _, err := store.Get("imp1"); err != nil {
		t.Fatalf("high-priority chunk evicted before the low-priority domain: %v", err)
	}
}

func TestSyncerLocalManifestForUnsubscribedDomain(t *testing.T) {
	store := newTestStore(t)
	chunk := domain.KnowledgeChunk{ID: "c1", Domain: "archive", Content: []byte("kept"), Version: 1}
	if _, err := store.Put(chunk); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s := NewSyncer("local", store, NewIndex(), nil, nil, nil, DefaultSyncConfig())
	m, err := s.LocalManifestFor("archive")
	if err != nil {
		t.Fatalf("LocalManifestFor: %v", err)
	}
	if len(m.Entries) != 1 || m.Entries[0].ChunkID != "c1" {
		t.Fatalf("manifest = %+v, want the stored chunk listed", m)
	}
}

func TestSyncerSearchStaysLocalWithFewButGoodHits(t *testing.T) {
	// A domain holding fewer than k chunks, all clearing minScore, is
	// answered locally — result count is not an escalation trigger.
	store := newTestStore(t)
	index := NewIndex()
	index.Add(domain.KnowledgeChunk{ID: "c1", Domain: "docs", Embedding: normalized(1, 0, 0)})
	index.Add(domain.KnowledgeChunk{ID: "c2", Domain: "docs", Embedding: normalized(2, 0, 0)})

	dispatch := &fakeDispatcher{resp: domain.IntentResponse{Status: domain.IntentCompleted}}
	s := NewSyncer("local", store, index, nil, nil, dispatch, DefaultSyncConfig())
	s.Subscribe("docs", 1)

	results, warnings, err := s.Search(context.Background(), normalized(1, 0, 0), "docs", 5, 0.75)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v, want both local chunks", results)
	}
	if dispatch.calls != 0 {
		t.Fatalf("escalated %d times despite good local coverage", dispatch.calls)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
}

func TestSyncerSearchEscalatesOnLowLocalScore(t *testing.T) {
	// The local best scores 0.61, under the 0.75 floor; a peer answers at
	// 0.94. The merged result prefers the remote hit and the response
	// carries the coverage warning.
	store := newTestStore(t)
	index := NewIndex()
	index.Add(domain.KnowledgeChunk{ID: "weak", Domain: "docs", Embedding: normalized(0.61, 0.7924, 0)})

	remote := []domain.ScoredChunk{{Chunk: domain.KnowledgeChunk{ID: "remote1", Domain: "docs"}, Score: 0.94}}
	body, err := json.Marshal(remote)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	dispatch := &fakeDispatcher{resp: domain.IntentResponse{Status: domain.IntentCompleted, Result: body}}

	s := NewSyncer("local", store, index, nil, nil, dispatch, DefaultSyncConfig())
	s.Subscribe("docs", 1)

	results, warnings, err := s.Search(context.Background(), normalized(1, 0, 0), "docs", 5, 0.75)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if dispatch.calls != 1 {
		t.Fatalf("escalated %d times, want exactly once", dispatch.calls)
	}
	if len(results) != 1 || results[0].Chunk.ID != "remote1" {
		t.Fatalf("results = %+v, want the remote hit", results)
	}
	if len(warnings) != 1 || warnings[0] != domain.WarnPartialLocalCoverage {
		t.Fatalf("warnings = %v, want [partial_local_coverage]", warnings)
	}
}

func TestSyncerSearchLocalOnlyNeverEscalates(t *testing.T) {
	store := newTestStore(t)
	index := NewIndex()
	s := NewSyncer("local", store, index, nil, nil, &fakeDispatcher{err: errors.New("should never be called")}, DefaultSyncConfig())

	results := s.SearchLocalOnly([]float32{1, 0, 0}, "docs", 5, 0.5)
	if len(results) != 0 {
		t.Fatalf("results = %+v, want empty", results)
	}
}
