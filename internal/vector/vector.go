// Package vector defines the contract shared by the index backends. Exactly
// one backend is selected at startup; callers never switch backends per call.
package vector

import (
	"errors"
	"time"
)

// ErrBackendUnavailable wraps transport-level failures of the index backend.
// A request that hits it fails as a whole; per-chunk upserts are atomic, so
// no partial write is assumed corrupt.
var ErrBackendUnavailable = errors.New("vector backend unavailable")

// Entry is the persisted record for one live chunk. One entry per chunk ID;
// replacing an entry never duplicates it.
type Entry struct {
	ChunkID     string
	ChapterID   string
	Position    int
	Text        string
	ContentHash string
	Vector      []float32
	IndexedAt   time.Time
}

// Hit is a similarity query result.
type Hit struct {
	ChunkID    string
	ChapterID  string
	Position   int
	Text       string
	Similarity float64
}
