package indexing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"threadline/backend/internal/adapter/gemini"
	"threadline/backend/internal/config"
	"threadline/backend/internal/events"
	"threadline/backend/internal/middleware"
	"threadline/backend/internal/text"
	"threadline/backend/internal/vector"
)

// Chapter is an already-parsed manuscript chapter. Parsing binary document
// formats is the document store's job, not ours.
type Chapter struct {
	ID         string    `json:"chapter_id"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Stats reflects backend state after a reconcile run. EmbedFailures counts
// chunks that were skipped because the embedding provider failed; their old
// entries, if any, were left untouched.
type Stats struct {
	TotalChunks     int       `json:"total_chunks"`
	ChaptersIndexed []string  `json:"chapters_indexed"`
	LastIndexed     time.Time `json:"last_indexed"`
	Embedded        int       `json:"embedded"`
	Skipped         int       `json:"skipped"`
	Deleted         int       `json:"deleted"`
	EmbedFailures   int       `json:"embed_failures"`
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Store interface {
	Upsert(ctx context.Context, e vector.Entry) error
	Delete(ctx context.Context, chunkIDs []string) error
	DeleteChapter(ctx context.Context, chapterID string) error
	EntriesByChapter(ctx context.Context, chapterID string) ([]vector.Entry, error)
	Count(ctx context.Context) (int, error)
	ListChapters(ctx context.Context) ([]string, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload interface{})
}

// RunRecorder persists run outcomes for the history endpoints. Recording is
// best-effort; implementations log their own failures.
type RunRecorder interface {
	RecordRun(ctx context.Context, kind string, score int, status string, incomplete bool, detail interface{})
}

type Service struct {
	embedder    Embedder
	store       Store
	pub         EventPublisher
	recorder    RunRecorder
	concurrency int
}

func NewService(embedder Embedder, store Store, pub EventPublisher, rec RunRecorder, concurrency int) *Service {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Service{embedder: embedder, store: store, pub: pub, recorder: rec, concurrency: concurrency}
}

// Reconcile brings the index in line with the given chapter set. Unchanged
// chunks cost nothing: no embedding call, no upsert. Entries whose chunk no
// longer exists, and whole chapters absent from the input, are deleted.
// Deletions for a chapter are applied only after its upserts have landed, so
// a chapter is never transiently empty in the index.
func (s *Service) Reconcile(ctx context.Context, chapters []Chapter) (Stats, error) {
	start := time.Now()
	var stats Stats

	inputIDs := make(map[string]bool, len(chapters))
	for _, ch := range chapters {
		inputIDs[ch.ID] = true
	}

	for _, ch := range chapters {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := s.reconcileChapter(ctx, ch, &stats); err != nil {
			return stats, err
		}
	}

	// Chapters that disappeared from the input lose all their entries.
	indexed, err := s.store.ListChapters(ctx)
	if err != nil {
		return stats, err
	}
	for _, id := range indexed {
		if inputIDs[id] {
			continue
		}
		entries, err := s.store.EntriesByChapter(ctx, id)
		if err != nil {
			return stats, err
		}
		if err := s.store.DeleteChapter(ctx, id); err != nil {
			return stats, err
		}
		stats.Deleted += len(entries)
		slog.InfoContext(ctx, "removed chapter from index", "chapter", id, "chunks", len(entries))
	}

	if err := s.fillStats(ctx, &stats); err != nil {
		return stats, err
	}

	slog.InfoContext(ctx, "reconcile finished",
		"total_chunks", stats.TotalChunks,
		"embedded", stats.Embedded,
		"skipped", stats.Skipped,
		"deleted", stats.Deleted,
		"embed_failures", stats.EmbedFailures,
		"duration", time.Since(start))

	if s.recorder != nil {
		s.recorder.RecordRun(ctx, "index", -1, "", stats.EmbedFailures > 0, stats)
	}
	if s.pub != nil {
		s.pub.Publish(ctx, config.TopicIndexResult, events.IndexResultPayload{
			TotalChunks:   stats.TotalChunks,
			Chapters:      stats.ChaptersIndexed,
			Embedded:      stats.Embedded,
			Skipped:       stats.Skipped,
			Deleted:       stats.Deleted,
			EmbedFailures: stats.EmbedFailures,
			FinishedAt:    events.Timestamp(time.Now()),
			CorrelationID: middleware.GetCorrelationID(ctx),
		})
	}

	return stats, nil
}

func (s *Service) reconcileChapter(ctx context.Context, ch Chapter, stats *Stats) error {
	chunks := text.SplitParagraphs(ch.ID, ch.Text)

	existing, err := s.store.EntriesByChapter(ctx, ch.ID)
	if err != nil {
		return err
	}
	existingByID := make(map[string]vector.Entry, len(existing))
	for _, e := range existing {
		existingByID[e.ChunkID] = e
	}

	var pending []text.Chunk
	fresh := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		fresh[c.ID] = true
		if prev, ok := existingByID[c.ID]; ok && prev.ContentHash == c.ContentHash {
			stats.Skipped++
			continue
		}
		pending = append(pending, c)
	}

	embedded, failures, err := s.embedAndUpsert(ctx, pending)
	stats.Embedded += embedded
	stats.EmbedFailures += failures
	if err != nil {
		return err
	}

	// Stale entries go last: paragraphs that were removed or renumbered.
	var stale []string
	for id := range existingByID {
		if !fresh[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := s.store.Delete(ctx, stale); err != nil {
			return err
		}
		stats.Deleted += len(stale)
	}
	return nil
}

// embedAndUpsert runs the pending chunks through the embedding provider with
// bounded parallelism. A provider failure skips that chunk; a backend failure
// aborts the run. Each upsert is atomic, so cancellation between chunks
// leaves the index consistent.
func (s *Service) embedAndUpsert(ctx context.Context, pending []text.Chunk) (int, int, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		embedded int
		failures int
		firstErr error
	)
	sem := make(chan struct{}, s.concurrency)

	for _, c := range pending {
		wg.Add(1)
		go func(c text.Chunk) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			mu.Lock()
			aborted := firstErr != nil
			mu.Unlock()
			if aborted || ctx.Err() != nil {
				return
			}

			vec, err := s.embed(ctx, c.Text)
			if err != nil {
				slog.WarnContext(ctx, "embedding failed, skipping chunk", "chunk", c.ID, "error", err)
				mu.Lock()
				failures++
				mu.Unlock()
				return
			}

			entry := vector.Entry{
				ChunkID:     c.ID,
				ChapterID:   c.ChapterID,
				Position:    c.Position,
				Text:        c.Text,
				ContentHash: c.ContentHash,
				Vector:      vec,
				IndexedAt:   time.Now(),
			}
			if err := s.store.Upsert(ctx, entry); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			embedded++
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	if firstErr != nil {
		return embedded, failures, firstErr
	}
	return embedded, failures, ctx.Err()
}

// embed retries once on transient provider errors; permanent errors fail
// immediately.
func (s *Service) embed(ctx context.Context, content string) ([]float32, error) {
	vec, err := s.embedder.Embed(ctx, content)
	if err == nil || !gemini.IsTransient(err) {
		return vec, err
	}
	return s.embedder.Embed(ctx, content)
}

func (s *Service) fillStats(ctx context.Context, stats *Stats) error {
	count, err := s.store.Count(ctx)
	if err != nil {
		return err
	}
	chapters, err := s.store.ListChapters(ctx)
	if err != nil {
		return err
	}
	sort.Strings(chapters)

	stats.TotalChunks = count
	stats.ChaptersIndexed = chapters
	stats.LastIndexed = time.Now()
	return nil
}

// CurrentStats derives index stats from backend state without reconciling.
func (s *Service) CurrentStats(ctx context.Context) (Stats, error) {
	count, err := s.store.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	chapters, err := s.store.ListChapters(ctx)
	if err != nil {
		return Stats{}, err
	}
	sort.Strings(chapters)

	var last time.Time
	for _, id := range chapters {
		entries, err := s.store.EntriesByChapter(ctx, id)
		if err != nil {
			return Stats{}, err
		}
		for _, e := range entries {
			if e.IndexedAt.After(last) {
				last = e.IndexedAt
			}
		}
	}

	return Stats{
		TotalChunks:     count,
		ChaptersIndexed: chapters,
		LastIndexed:     last,
	}, nil
}
