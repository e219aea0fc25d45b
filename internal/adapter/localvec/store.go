// Package localvec is the embedded-local index backend: chunks and their
// vectors live in a single SQLite file and similarity queries are a
// brute-force cosine scan. It exists so the engine runs with zero external
// services when no remote index is configured.
package localvec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"threadline/backend/internal/vector"
)

const lockShards = 64

// Store implements the index backend contract on a local SQLite file.
// Upserts to the same chunk ID are serialized through a sharded mutex;
// distinct IDs proceed concurrently and reads take no lock at all.
type Store struct {
	db    *sql.DB
	locks [lockShards]sync.Mutex
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", vector.ErrBackendUnavailable, path, err)
	}
	// SQLite allows one writer; more write conns just queue behind locks.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS chunks (
            chunk_id     TEXT PRIMARY KEY,
            chapter_id   TEXT NOT NULL,
            position     INTEGER NOT NULL,
            text         TEXT NOT NULL,
            content_hash TEXT NOT NULL,
            vector       BLOB NOT NULL,
            indexed_at   TEXT NOT NULL
        );
        CREATE INDEX IF NOT EXISTS chunks_chapter_idx ON chunks (chapter_id);
    `)
	if err != nil {
		return fmt.Errorf("%w: ensure schema: %v", vector.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(chunkID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(chunkID))
	return &s.locks[h.Sum32()%lockShards]
}

// Upsert inserts or replaces the entry for the chunk ID, atomically.
func (s *Store) Upsert(ctx context.Context, e vector.Entry) error {
	mu := s.lockFor(e.ChunkID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO chunks (chunk_id, chapter_id, position, text, content_hash, vector, indexed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(chunk_id) DO UPDATE SET
            chapter_id = excluded.chapter_id,
            position = excluded.position,
            text = excluded.text,
            content_hash = excluded.content_hash,
            vector = excluded.vector,
            indexed_at = excluded.indexed_at
    `, e.ChunkID, e.ChapterID, e.Position, e.Text, e.ContentHash,
		encodeVector(e.Vector), e.IndexedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %v", vector.ErrBackendUnavailable, e.ChunkID, err)
	}
	return nil
}

// Delete removes the given chunk IDs; missing IDs are a no-op.
func (s *Store) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIDs)), ",")
	args := make([]interface{}, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE chunk_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("%w: delete: %v", vector.ErrBackendUnavailable, err)
	}
	return nil
}

// DeleteChapter removes every entry belonging to the chapter.
func (s *Store) DeleteChapter(ctx context.Context, chapterID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE chapter_id = ?`, chapterID)
	if err != nil {
		return fmt.Errorf("%w: delete chapter %s: %v", vector.ErrBackendUnavailable, chapterID, err)
	}
	return nil
}

// Query scans all candidate rows and ranks them by cosine similarity.
// Linear scan is fine at manuscript scale (hundreds of paragraphs).
func (s *Store) Query(ctx context.Context, queryVec []float32, k int, chapterFilter string) ([]vector.Hit, error) {
	q := `SELECT chunk_id, chapter_id, position, text, vector FROM chunks`
	var args []interface{}
	if chapterFilter != "" {
		q += ` WHERE chapter_id = ?`
		args = append(args, chapterFilter)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", vector.ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var hits []vector.Hit
	for rows.Next() {
		var hit vector.Hit
		var blob []byte
		if err := rows.Scan(&hit.ChunkID, &hit.ChapterID, &hit.Position, &hit.Text, &blob); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", vector.ErrBackendUnavailable, err)
		}
		hit.Similarity = cosine(queryVec, decodeVector(blob))
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", vector.ErrBackendUnavailable, err)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) EntriesByChapter(ctx context.Context, chapterID string) ([]vector.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT chunk_id, chapter_id, position, text, content_hash, vector, indexed_at
        FROM chunks WHERE chapter_id = ? ORDER BY position
    `, chapterID)
	if err != nil {
		return nil, fmt.Errorf("%w: entries for %s: %v", vector.ErrBackendUnavailable, chapterID, err)
	}
	defer rows.Close()

	var entries []vector.Entry
	for rows.Next() {
		var e vector.Entry
		var blob []byte
		var indexedAt string
		if err := rows.Scan(&e.ChunkID, &e.ChapterID, &e.Position, &e.Text, &e.ContentHash, &blob, &indexedAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", vector.ErrBackendUnavailable, err)
		}
		e.Vector = decodeVector(blob)
		if ts, err := time.Parse(time.RFC3339, indexedAt); err == nil {
			e.IndexedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", vector.ErrBackendUnavailable, err)
	}
	return count, nil
}

func (s *Store) ListChapters(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chapter_id FROM chunks ORDER BY chapter_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list chapters: %v", vector.ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var chapters []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", vector.ErrBackendUnavailable, err)
		}
		chapters = append(chapters, id)
	}
	return chapters, rows.Err()
}

// Vectors are stored as little-endian float32 blobs.

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
