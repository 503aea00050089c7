// Package knowledge implements local storage and peer synchronization of
// knowledge chunks: content-addressed blobs on disk plus a SQLite metadata
// table, synced against remote manifests via a priority-scheduled worker.
package knowledge

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO required

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
)

// Store persists knowledge chunks as content-addressed blobs under
// dir/blobs/<checksum>, with a SQLite metadata table tracking domain,
// version, checksum, and per-chunk size/last-query bookkeeping.
type Store struct {
	dir string
	db  *sql.DB
}

// Open creates or opens a Store rooted at dir. Enables WAL mode and a
// 5-second busy timeout.
func Open(dir string) (*Store, error) {
	blobsDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blobs dir: %w", err)
	}

	dbPath := filepath.Join(dir, "knowledge.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	s := &Store{dir: dir, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying SQLite handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS chunks (
		id          TEXT PRIMARY KEY,
		domain      TEXT NOT NULL,
		doc_ref     TEXT NOT NULL DEFAULT '',
		version     INTEGER NOT NULL,
		checksum    TEXT NOT NULL,
		size_bytes  INTEGER NOT NULL,
		metadata    TEXT NOT NULL DEFAULT '{}',
		last_query  INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_domain ON chunks(domain);
	CREATE INDEX IF NOT EXISTS idx_chunks_last_query ON chunks(last_query);`)
	return err
}

// blobPath returns the content-addressed path for a checksum.
func (s *Store) blobPath(checksum string) string {
	return filepath.Join(s.dir, "blobs", checksum)
}

// checksumOf hashes chunk content with SHA-256, hex-encoded — the checksum
// ChunkChecksumMismatch verifies chunks against after transfer.
func checksumOf(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// Put writes a chunk's blob (if its checksum isn't already on disk) and
// upserts its metadata row. Recomputes and overwrites chunk.Checksum.
func (s *Store) Put(chunk domain.KnowledgeChunk) (domain.KnowledgeChunk, error) {
	chunk.Checksum = checksumOf(chunk.Content)
	chunk.SizeBytes = int64(len(chunk.Content))

	path := s.blobPath(chunk.Checksum)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, chunk.Content, 0o644); err != nil {
			return domain.KnowledgeChunk{}, fmt.Errorf("write blob: %w", err)
		}
	}

	meta, err := marshalMeta(chunk.Metadata)
	if err != nil {
		return domain.KnowledgeChunk{}, err
	}
	_, err = s.db.Exec(
		`INSERT INTO chunks (id, domain, doc_ref, version, checksum, size_bytes, metadata, last_query)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			domain=excluded.domain, doc_ref=excluded.doc_ref, version=excluded.version,
			checksum=excluded.checksum, size_bytes=excluded.size_bytes, metadata=excluded.metadata`,
		chunk.ID, chunk.Domain, chunk.DocRef, chunk.Version, chunk.Checksum, chunk.SizeBytes, meta, nowUnix(),
	)
	if err != nil {
		return domain.KnowledgeChunk{}, fmt.Errorf("upsert chunk metadata: %w", err)
	}
	return chunk, nil
}

// Get loads a chunk by ID, verifying its blob against the stored checksum.
// Touches last_query for LRU eviction accounting.
func (s *Store) Get(id string) (domain.KnowledgeChunk, error) {
	row := s.db.QueryRow(
		`SELECT id, domain, doc_ref, version, checksum, size_bytes, metadata FROM chunks WHERE id = ?`, id)
	var c domain.KnowledgeChunk
	var metaJSON string
	if err := row.Scan(&c.ID, &c.Domain, &c.DocRef, &c.Version, &c.Checksum, &c.SizeBytes, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return domain.KnowledgeChunk{}, fmt.Errorf("chunk %s: %w", id, domain.ErrKnowledgeDomainMissing)
		}
		return domain.KnowledgeChunk{}, err
	}

	content, err := os.ReadFile(s.blobPath(c.Checksum))
	if err != nil {
		return domain.KnowledgeChunk{}, fmt.Errorf("read blob for chunk %s: %w", id, err)
	}
	if checksumOf(content) != c.Checksum {
		return domain.KnowledgeChunk{}, fmt.Errorf("chunk %s: %w", id, domain.ErrChunkChecksumMismatch)
	}
	c.Content = content
	c.Metadata, err = unmarshalMeta(metaJSON)
	if err != nil {
		return domain.KnowledgeChunk{}, err
	}

	_, _ = s.db.Exec(`UPDATE chunks SET last_query = ? WHERE id = ?`, nowUnix(), id)
	c.LastQuery = time.Now()
	return c, nil
}

// Delete removes a chunk's metadata row. The blob is left in place — another
// chunk may share the same content digest.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM chunks WHERE id = ?`, id)
	return err
}

// ChunkSummaries returns every chunk stored for a domain with its metadata
// populated but Content left nil — cheap enough to call on every sync tick
// to build a local manifest, unlike Get which always reads the blob.
func (s *Store) ChunkSummaries(dom string) ([]domain.KnowledgeChunk, error) {
	rows, err := s.db.Query(
		`SELECT id, domain, doc_ref, version, checksum, size_bytes FROM chunks WHERE domain = ?`, dom)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.KnowledgeChunk
	for rows.Next() {
		var c domain.KnowledgeChunk
		if err := rows.Scan(&c.ID, &c.Domain, &c.DocRef, &c.Version, &c.Checksum, &c.SizeBytes); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListDomain returns every chunk ID currently stored for a domain, ordered
// oldest-queried first — the order the eviction sweep consumes.
func (s *Store) ListDomain(dom string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM chunks WHERE domain = ? ORDER BY COALESCE(last_query, 0) ASC`, dom)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TotalBytes returns the sum of size_bytes across every stored chunk,
// across all domains — the storage accounting the eviction sweep uses
// against min_free.
func (s *Store) TotalBytes() (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`SELECT SUM(size_bytes) FROM chunks`).Scan(&total)
	return total.Int64, err
}

// DomainBytes returns storage used by a single domain.
func (s *Store) DomainBytes(dom string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`SELECT SUM(size_bytes) FROM chunks WHERE domain = ?`, dom).Scan(&total)
	return total.Int64, err
}

func nowUnix() int64 { return time.Now().Unix() }

func marshalMeta(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal chunk metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMeta(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
	}
	return m, nil
}
