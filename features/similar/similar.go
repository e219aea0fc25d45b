// Package similar finds indexed passages close to a supplied text. It is a
// thin lookup over the embedder and the vector backend, used by authors to
// spot near-duplicate or related prose before a full continuity check.
package similar

import (
	"context"
	"fmt"

	"threadline/backend/internal/adapter/gemini"
	"threadline/backend/internal/vector"
)

const (
	defaultTopK      = 5
	defaultThreshold = 0.7
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Store interface {
	Query(ctx context.Context, queryVec []float32, k int, chapterFilter string) ([]vector.Hit, error)
	Count(ctx context.Context) (int, error)
}

// Passage is one similar-passage result.
type Passage struct {
	ChunkID    string  `json:"chunk_id"`
	ChapterID  string  `json:"chapter_id"`
	Position   int     `json:"position"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

type Service struct {
	embedder Embedder
	store    Store
}

func NewService(embedder Embedder, store Store) *Service {
	return &Service{embedder: embedder, store: store}
}

// Find returns up to topK indexed passages whose similarity to the text
// clears the threshold. An empty index short-circuits without an embedding
// call.
func (s *Service) Find(ctx context.Context, text string, topK int, threshold float64) ([]Passage, error) {
	if topK < 1 {
		topK = defaultTopK
	}
	if threshold <= 0 {
		threshold = defaultThreshold
	}

	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return []Passage{}, nil
	}
	if topK > count {
		topK = count
	}

	vec, err := s.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding passage: %w", err)
	}

	hits, err := s.store.Query(ctx, vec, topK, "")
	if err != nil {
		return nil, err
	}

	out := make([]Passage, 0, len(hits))
	for _, h := range hits {
		if h.Similarity < threshold {
			continue
		}
		out = append(out, Passage{
			ChunkID:    h.ChunkID,
			ChapterID:  h.ChapterID,
			Position:   h.Position,
			Text:       h.Text,
			Similarity: h.Similarity,
		})
	}
	return out, nil
}

func (s *Service) embed(ctx context.Context, content string) ([]float32, error) {
	vec, err := s.embedder.Embed(ctx, content)
	if err == nil || !gemini.IsTransient(err) {
		return vec, err
	}
	return s.embedder.Embed(ctx, content)
}
