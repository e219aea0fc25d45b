package weaviate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate/entities/models"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"threadline/backend/internal/vector"
)

// maxChapterEntries bounds a single per-chapter fetch. Chapters are a few
// hundred paragraphs at most in practice.
const maxChapterEntries = 10000

// Store is the managed-remote index backend. One object per chunk; object
// UUIDs are derived from the chunk ID, so replacing a chunk can never
// duplicate it.
type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return vector.EnsureSchema(ctx, vector.NewWeaviateClientAdapter(s.client))
}

func objectID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("threadline/chunk/"+chunkID)).String()
}

// Upsert replaces the object for the entry's chunk ID. Weaviate serializes
// writes to a single object ID server-side, which gives the last-write-wins
// discipline the reconciler relies on.
func (s *Store) Upsert(ctx context.Context, e vector.Entry) error {
	id := objectID(e.ChunkID)

	// Delete-then-create: the client has no single-call replace for objects
	// with caller-supplied vectors. A 404 on delete is the common case.
	err := s.client.Data().Deleter().
		WithClassName(vector.ClassName).
		WithID(id).
		Do(ctx)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: delete before upsert: %v", vector.ErrBackendUnavailable, err)
	}

	_, err = s.client.Data().Creator().
		WithClassName(vector.ClassName).
		WithID(id).
		WithProperties(map[string]interface{}{
			"chunkId":     e.ChunkID,
			"chapterId":   e.ChapterID,
			"position":    e.Position,
			"text":        e.Text,
			"contentHash": e.ContentHash,
			"indexedAt":   e.IndexedAt.UTC().Format(time.RFC3339),
		}).
		WithVector(e.Vector).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %v", vector.ErrBackendUnavailable, e.ChunkID, err)
	}
	return nil
}

// Delete removes the given chunk IDs. Missing IDs are a no-op.
func (s *Store) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"chunkId"}).
			WithOperator(filters.ContainsAny).
			WithValueText(chunkIDs...)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: batch delete: %v", vector.ErrBackendUnavailable, err)
	}
	return nil
}

// DeleteChapter removes every entry belonging to the chapter.
func (s *Store) DeleteChapter(ctx context.Context, chapterID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"chapterId"}).
			WithOperator(filters.Equal).
			WithValueString(chapterID)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: delete chapter %s: %v", vector.ErrBackendUnavailable, chapterID, err)
	}
	return nil
}

// Query returns the k nearest entries by cosine similarity, optionally
// restricted to one chapter.
func (s *Store) Query(ctx context.Context, queryVec []float32, k int, chapterFilter string) ([]vector.Hit, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(queryVec)

	fields := []graphql.Field{
		{Name: "chunkId"},
		{Name: "chapterId"},
		{Name: "position"},
		{Name: "text"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	builder := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithLimit(k).
		WithFields(fields...)

	if chapterFilter != "" {
		builder = builder.WithWhere(filters.Where().
			WithPath([]string{"chapterId"}).
			WithOperator(filters.Equal).
			WithValueString(chapterFilter))
	}

	res, err := builder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", vector.ErrBackendUnavailable, err)
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors)
	}

	var hits []vector.Hit
	for _, props := range classObjects(res.Data) {
		hit := vector.Hit{}
		if v, ok := props["chunkId"].(string); ok {
			hit.ChunkID = v
		}
		if v, ok := props["chapterId"].(string); ok {
			hit.ChapterID = v
		}
		if v, ok := props["position"].(float64); ok {
			hit.Position = int(v)
		}
		if v, ok := props["text"].(string); ok {
			hit.Text = v
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if c, ok := additional["certainty"].(float64); ok {
				// Weaviate certainty is (1+cos)/2; report plain cosine.
				hit.Similarity = 2*c - 1
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// EntriesByChapter fetches every entry of a chapter, including stored
// vectors, for hash comparison and cross-chapter similarity checks.
func (s *Store) EntriesByChapter(ctx context.Context, chapterID string) ([]vector.Entry, error) {
	fields := []graphql.Field{
		{Name: "chunkId"},
		{Name: "chapterId"},
		{Name: "position"},
		{Name: "text"},
		{Name: "contentHash"},
		{Name: "indexedAt"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "vector"}}},
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithWhere(filters.Where().
			WithPath([]string{"chapterId"}).
			WithOperator(filters.Equal).
			WithValueString(chapterID)).
		WithLimit(maxChapterEntries).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: entries for %s: %v", vector.ErrBackendUnavailable, chapterID, err)
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors)
	}

	var entries []vector.Entry
	for _, props := range classObjects(res.Data) {
		entry := vector.Entry{}
		if v, ok := props["chunkId"].(string); ok {
			entry.ChunkID = v
		}
		if v, ok := props["chapterId"].(string); ok {
			entry.ChapterID = v
		}
		if v, ok := props["position"].(float64); ok {
			entry.Position = int(v)
		}
		if v, ok := props["text"].(string); ok {
			entry.Text = v
		}
		if v, ok := props["contentHash"].(string); ok {
			entry.ContentHash = v
		}
		if v, ok := props["indexedAt"].(string); ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				entry.IndexedAt = ts
			}
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if raw, ok := additional["vector"].([]interface{}); ok {
				vec := make([]float32, 0, len(raw))
				for _, f := range raw {
					if fv, ok := f.(float64); ok {
						vec = append(vec, float32(fv))
					}
				}
				entry.Vector = vec
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Count returns the number of live entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", vector.ErrBackendUnavailable, err)
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors)
	}

	if agg, ok := res.Data["Aggregate"].(map[string]interface{}); ok {
		if rows, ok := agg[vector.ClassName].([]interface{}); ok && len(rows) > 0 {
			if row, ok := rows[0].(map[string]interface{}); ok {
				if meta, ok := row["meta"].(map[string]interface{}); ok {
					if count, ok := meta["count"].(float64); ok {
						return int(count), nil
					}
				}
			}
		}
	}
	return 0, nil
}

// ListChapters returns the distinct chapter IDs present in the index.
func (s *Store) ListChapters(ctx context.Context) ([]string, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithGroupBy("chapterId").
		WithFields(
			graphql.Field{Name: "groupedBy", Fields: []graphql.Field{{Name: "value"}}},
			graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}},
		).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list chapters: %v", vector.ErrBackendUnavailable, err)
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors)
	}

	var chapters []string
	if agg, ok := res.Data["Aggregate"].(map[string]interface{}); ok {
		if rows, ok := agg[vector.ClassName].([]interface{}); ok {
			for _, r := range rows {
				row, ok := r.(map[string]interface{})
				if !ok {
					continue
				}
				if grouped, ok := row["groupedBy"].(map[string]interface{}); ok {
					if v, ok := grouped["value"].(string); ok {
						chapters = append(chapters, v)
					}
				}
			}
		}
	}
	return chapters, nil
}

func classObjects(data map[string]models.JSONObject) []map[string]interface{} {
	var out []map[string]interface{}
	if get, ok := data["Get"].(map[string]interface{}); ok {
		if rows, ok := get[vector.ClassName].([]interface{}); ok {
			for _, r := range rows {
				if props, ok := r.(map[string]interface{}); ok {
					out = append(out, props)
				}
			}
		}
	}
	return out
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	// The client surfaces REST errors as *fault.WeaviateClientError with the
	// status code in the message; matching on 404 keeps us off its internals.
	return strings.Contains(err.Error(), "404")
}
