package knowledge

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/dsa"
)

// DefaultManifestBatchSize groups manifest entries so a diff can skip whole
// unchanged ranges via BatchRollups before drilling into individual IDs.
const DefaultManifestBatchSize = 64

// BuildManifest computes a DomainManifest from a domain's current chunk
// set, sorted by chunk ID so batch boundaries are stable across peers
// holding an identical chunk set.
func BuildManifest(dom string, version uint64, chunks []domain.KnowledgeChunk, batchSize int) domain.DomainManifest {
	if batchSize <= 0 {
		batchSize = DefaultManifestBatchSize
	}
	entries := make([]domain.ManifestEntry, len(chunks))
	for i, c := range chunks {
		entries[i] = domain.ManifestEntry{
			ChunkID:           c.ID,
			Version:           c.Version,
			TruncatedChecksum: truncatedChecksum(c.Checksum),
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ChunkID < entries[j].ChunkID })

	m := domain.DomainManifest{Domain: dom, Version: version, Entries: entries, BatchSize: batchSize}
	m.BatchRollups = rollups(entries, batchSize)
	return m
}

func truncatedChecksum(full string) string {
	if len(full) <= 16 {
		return full
	}
	return full[:16]
}

// rollups computes one xxhash digest per BatchSize-sized run of entries, in
// order — the compact fingerprint a diff compares before listing individual
// chunk IDs (spec's two-phase manifest diff).
func rollups(entries []domain.ManifestEntry, batchSize int) []string {
	var out []string
	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		h := xxhash.New()
		for _, e := range entries[start:end] {
			h.WriteString(e.ChunkID)
			h.WriteString("|")
			h.WriteString(strconv.FormatUint(e.Version, 10))
			h.WriteString("|")
			h.WriteString(e.TruncatedChecksum)
			h.WriteString(";")
		}
		out = append(out, strconv.FormatUint(h.Sum64(), 16))
	}
	return out
}

// DiffManifests computes the sync delta of remote relative to local: chunk
// IDs local must fetch-and-insert (Added), fetch-and-replace (Updated), and
// delete (Removed). When the versions match and every batch rollup checksum
// is equal, an empty diff is returned without inspecting entries; otherwise
// every entry of both manifests is compared. Rollups are not used to narrow
// the comparison to the batches that changed.
func DiffManifests(local, remote domain.DomainManifest) domain.ManifestDiff {
	if local.Version == remote.Version && sameRollups(local.BatchRollups, remote.BatchRollups) {
		return domain.ManifestDiff{}
	}

	localIdx := indexEntries(local.Entries)
	remoteIdx := indexEntries(remote.Entries)

	var diff domain.ManifestDiff
	for id, re := range remoteIdx {
		if le, ok := localIdx[id]; !ok {
			diff.Added = append(diff.Added, id)
		} else if le.Version < re.Version || le.TruncatedChecksum != re.TruncatedChecksum {
			diff.Updated = append(diff.Updated, id)
		}
	}
	for id := range localIdx {
		if _, ok := remoteIdx[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Updated)
	sort.Strings(diff.Removed)
	return diff
}

func sameRollups(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func indexEntries(entries []domain.ManifestEntry) map[string]domain.ManifestEntry {
	idx := make(map[string]domain.ManifestEntry, len(entries))
	for _, e := range entries {
		idx[e.ChunkID] = e
	}
	return idx
}

// PeerChunkTracker tracks, per domain, which remote peers likely hold which
// chunk: a bloom filter per (peer, domain) pair, since the chunk universe
// here is domain-scoped rather than one global swarm.
type PeerChunkTracker struct {
	filters map[string]*dsa.BloomFilter // "{domain}:{node_id}" -> filter
}

// NewPeerChunkTracker creates an empty tracker.
func NewPeerChunkTracker() *PeerChunkTracker {
	return &PeerChunkTracker{filters: make(map[string]*dsa.BloomFilter)}
}

// Register records the chunk IDs a peer reports holding for a domain.
func (t *PeerChunkTracker) Register(dom string, peer domain.NodeID, chunkIDs []string) {
	bf := dsa.NewBloomFilter(dsa.BloomConfig{ExpectedItems: maxInt(len(chunkIDs), 64), FPRate: 0.01})
	for _, id := range chunkIDs {
		bf.Add(id)
	}
	t.filters[trackerKey(dom, peer)] = bf
}

// Has reports whether a peer likely holds chunkID for dom (bloom filter:
// never a false negative, rare false positive).
func (t *PeerChunkTracker) Has(dom string, peer domain.NodeID, chunkID string) bool {
	bf, ok := t.filters[trackerKey(dom, peer)]
	if !ok {
		return false
	}
	return bf.Contains(chunkID)
}

// Forget drops a peer's tracked inventory for a domain.
func (t *PeerChunkTracker) Forget(dom string, peer domain.NodeID) {
	delete(t.filters, trackerKey(dom, peer))
}

func trackerKey(dom string, peer domain.NodeID) string { return dom + ":" + string(peer) }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
