package domain

import "time"

// KnowledgeDomain describes a RAG domain's chunking/distribution policy.
// Authoritative source is one node; every other holder is a replica.
type KnowledgeDomain struct {
	ID               string            `json:"id"`
	Version          uint64            `json:"version"`
	ChunkingPolicy   string            `json:"chunking_policy"`
	EmbeddingModel   string            `json:"embedding_model"`
	DistributionRule string            `json:"distribution_rules"`
	Security         string            `json:"security,omitempty"` // "" = open, else encryption scheme name
	Priority         int               `json:"priority"`           // eviction order: lower value survives longer
}

// KnowledgeChunk is the atomic unit of replicated knowledge. Immutable once
// created; updates are superseded by (ID, Version+1), never mutated in place.
type KnowledgeChunk struct {
	ID         string            `json:"id"`
	Domain     string            `json:"domain"`
	DocRef     string            `json:"doc_ref"`
	Content    []byte            `json:"content_bytes"`
	Embedding  []float32         `json:"embedding,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Version    uint64            `json:"version"`
	Checksum   string            `json:"checksum"` // hex digest of Content
	LastQuery  time.Time         `json:"-"`         // local LRU bookkeeping, not wire state
	SizeBytes  int64             `json:"-"`
}

// ManifestEntry is one row of a DomainManifest: a compact fingerprint of a
// single chunk sufficient to detect add/update/remove without shipping the
// chunk body.
type ManifestEntry struct {
	ChunkID          string `json:"chunk_id"`
	Version          uint64 `json:"version"`
	TruncatedChecksum string `json:"truncated_checksum"` // first 16 hex chars of full checksum
}

// DomainManifest is a compact snapshot of a knowledge domain's chunk set,
// used to compute sync deltas. Batches group entries under a rollup checksum
// so a diff can skip whole unchanged ranges before drilling into individual
// IDs.
type DomainManifest struct {
	Domain       string          `json:"domain"`
	Version      uint64          `json:"version"`
	Entries      []ManifestEntry `json:"entries"`
	BatchSize    int             `json:"batch_size"`
	BatchRollups []string        `json:"batch_rollups"` // xxhash of each BatchSize-sized batch, in order
}

// ManifestDiff is the result of comparing a local manifest against a remote
// one: chunk IDs to fetch-and-insert, fetch-and-replace, and delete.
type ManifestDiff struct {
	Added   []string
	Updated []string
	Removed []string
}

// IsEmpty reports whether the diff carries no work — the sync roundtrip
// invariant requires this once local_version == remote_version.
func (d ManifestDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// KnowledgeSyncState is the lifecycle state of a node's subscription to a
// domain, mutated only by the knowledge sync loop.
type KnowledgeSyncState string

const (
	SyncSyncing KnowledgeSyncState = "syncing"
	SyncFull    KnowledgeSyncState = "full"
	SyncPartial KnowledgeSyncState = "partial"
	SyncStale   KnowledgeSyncState = "stale"
	SyncOffline KnowledgeSyncState = "offline"
	SyncError   KnowledgeSyncState = "error"
)

// NodeKnowledgeState is a node's per-domain view, gossiped in KNOWLEDGE_STATE
// messages and maintained locally by the sync loop.
type NodeKnowledgeState struct {
	Domain        string             `json:"domain"`
	LocalVersion  uint64             `json:"local_version"`
	RemoteVersion uint64             `json:"remote_version"`
	ChunksLocal   int                `json:"chunks_local"`
	ChunksPending int                `json:"chunks_pending"`
	StorageBytes  int64              `json:"storage_bytes"`
	State         KnowledgeSyncState `json:"state"`
	Priority      int                `json:"priority"`
	LastSyncedAt  time.Time          `json:"last_synced_at"`
	ConsecutiveErrors int            `json:"-"` // drives the ERROR backoff schedule
}

// ScoredChunk pairs a chunk with its similarity score for a search result.
type ScoredChunk struct {
	Chunk KnowledgeChunk
	Score float64
}
