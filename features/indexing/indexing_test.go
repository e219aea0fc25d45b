package indexing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/backend/internal/adapter/gemini"
	"threadline/backend/internal/vector"
)

type memStore struct {
	mu         sync.Mutex
	entries    map[string]vector.Entry
	upserts    int
	failUpsert error
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]vector.Entry{}}
}

func (m *memStore) Upsert(_ context.Context, e vector.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpsert != nil {
		return m.failUpsert
	}
	m.upserts++
	m.entries[e.ChunkID] = e
	return nil
}

func (m *memStore) Delete(_ context.Context, chunkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range chunkIDs {
		delete(m.entries, id)
	}
	return nil
}

func (m *memStore) DeleteChapter(_ context.Context, chapterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.ChapterID == chapterID {
			delete(m.entries, id)
		}
	}
	return nil
}

func (m *memStore) EntriesByChapter(_ context.Context, chapterID string) ([]vector.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []vector.Entry
	for _, e := range m.entries {
		if e.ChapterID == chapterID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *memStore) ListChapters(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, e := range m.entries {
		if !seen[e.ChapterID] {
			seen[e.ChapterID] = true
			out = append(out, e.ChapterID)
		}
	}
	return out, nil
}

type fakeEmbedder struct {
	mu            sync.Mutex
	calls         int
	failText      string
	failErr       error
	transientOnce bool
	tripped       bool
}

func (f *fakeEmbedder) Embed(_ context.Context, content string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failText != "" && strings.Contains(content, f.failText) {
		if f.transientOnce && f.tripped {
			return []float32{1, 0, 0}, nil
		}
		f.tripped = true
		return nil, f.failErr
	}
	return []float32{1, 0, 0}, nil
}

func chapterText(paragraphs int) string {
	var parts []string
	for i := 0; i < paragraphs; i++ {
		parts = append(parts, fmt.Sprintf("Paragraph %d has some distinct content.", i))
	}
	return strings.Join(parts, "\n\n")
}

func threeChapters() []Chapter {
	return []Chapter{
		{ID: "ch1", Title: "One", Text: chapterText(8)},
		{ID: "ch2", Title: "Two", Text: chapterText(8)},
		{ID: "ch3", Title: "Three", Text: chapterText(8)},
	}
}

func TestReconcileInitialRun(t *testing.T) {
	store := newMemStore()
	emb := &fakeEmbedder{}
	svc := NewService(emb, store, nil, nil, 4)

	stats, err := svc.Reconcile(context.Background(), threeChapters())
	require.NoError(t, err)

	assert.Equal(t, 24, stats.TotalChunks)
	assert.Equal(t, 24, stats.Embedded)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 0, stats.Deleted)
	assert.Equal(t, []string{"ch1", "ch2", "ch3"}, stats.ChaptersIndexed)
	assert.Equal(t, 24, emb.calls)
	assert.False(t, stats.LastIndexed.IsZero())
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := newMemStore()
	emb := &fakeEmbedder{}
	svc := NewService(emb, store, nil, nil, 4)

	_, err := svc.Reconcile(context.Background(), threeChapters())
	require.NoError(t, err)

	upsertsAfterFirst := store.upserts
	callsAfterFirst := emb.calls

	stats, err := svc.Reconcile(context.Background(), threeChapters())
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, emb.calls, "unchanged chunks must not be re-embedded")
	assert.Equal(t, upsertsAfterFirst, store.upserts, "unchanged chunks must not be re-upserted")
	assert.Equal(t, 24, stats.Skipped)
	assert.Equal(t, 0, stats.Embedded)
	assert.Equal(t, 24, stats.TotalChunks)
}

func TestReconcileSingleEditedParagraph(t *testing.T) {
	store := newMemStore()
	emb := &fakeEmbedder{}
	svc := NewService(emb, store, nil, nil, 4)

	chapters := threeChapters()
	_, err := svc.Reconcile(context.Background(), chapters)
	require.NoError(t, err)
	callsAfterFirst := emb.calls

	parts := strings.Split(chapters[1].Text, "\n\n")
	parts[3] = "This paragraph was rewritten entirely."
	chapters[1].Text = strings.Join(parts, "\n\n")

	stats, err := svc.Reconcile(context.Background(), chapters)
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst+1, emb.calls)
	assert.Equal(t, 1, stats.Embedded)
	assert.Equal(t, 23, stats.Skipped)
}

func TestReconcileDeletesStaleChunks(t *testing.T) {
	store := newMemStore()
	emb := &fakeEmbedder{}
	svc := NewService(emb, store, nil, nil, 4)

	chapters := []Chapter{{ID: "ch1", Text: chapterText(5)}}
	_, err := svc.Reconcile(context.Background(), chapters)
	require.NoError(t, err)

	chapters[0].Text = chapterText(3)
	stats, err := svc.Reconcile(context.Background(), chapters)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Deleted)
	assert.Equal(t, 3, stats.TotalChunks)
	_, found := store.entries["ch1_para_4"]
	assert.False(t, found)
}

func TestReconcileRemovedChapter(t *testing.T) {
	store := newMemStore()
	emb := &fakeEmbedder{}
	svc := NewService(emb, store, nil, nil, 4)

	_, err := svc.Reconcile(context.Background(), threeChapters())
	require.NoError(t, err)

	stats, err := svc.Reconcile(context.Background(), threeChapters()[:2])
	require.NoError(t, err)

	assert.Equal(t, 8, stats.Deleted)
	assert.Equal(t, 16, stats.TotalChunks)
	assert.Equal(t, []string{"ch1", "ch2"}, stats.ChaptersIndexed)
}

func TestReconcileSkipsFailedEmbeddings(t *testing.T) {
	store := newMemStore()
	emb := &fakeEmbedder{failText: "Paragraph 2", failErr: errors.New("quota exceeded")}
	svc := NewService(emb, store, nil, nil, 1)

	chapters := []Chapter{{ID: "ch1", Text: chapterText(5)}}
	stats, err := svc.Reconcile(context.Background(), chapters)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.EmbedFailures)
	assert.Equal(t, 4, stats.Embedded)
	assert.Equal(t, 4, stats.TotalChunks)
	_, found := store.entries["ch1_para_2"]
	assert.False(t, found, "failed chunk must not be indexed")
}

func TestReconcileRetriesTransientEmbedError(t *testing.T) {
	store := newMemStore()
	emb := &fakeEmbedder{
		failText:      "Paragraph 1",
		failErr:       &gemini.TransientError{Err: errors.New("rate limited")},
		transientOnce: true,
	}
	svc := NewService(emb, store, nil, nil, 1)

	chapters := []Chapter{{ID: "ch1", Text: chapterText(3)}}
	stats, err := svc.Reconcile(context.Background(), chapters)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.EmbedFailures)
	assert.Equal(t, 3, stats.Embedded)
	assert.Equal(t, 4, emb.calls, "transient failure costs exactly one extra call")
}

func TestReconcileAbortsOnBackendError(t *testing.T) {
	store := newMemStore()
	store.failUpsert = fmt.Errorf("%w: connection refused", vector.ErrBackendUnavailable)
	emb := &fakeEmbedder{}
	svc := NewService(emb, store, nil, nil, 1)

	_, err := svc.Reconcile(context.Background(), []Chapter{{ID: "ch1", Text: chapterText(3)}})
	require.Error(t, err)
	assert.ErrorIs(t, err, vector.ErrBackendUnavailable)
}

func TestCurrentStats(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.entries["ch1_para_0"] = vector.Entry{ChunkID: "ch1_para_0", ChapterID: "ch1", IndexedAt: now.Add(-time.Hour)}
	store.entries["ch2_para_0"] = vector.Entry{ChunkID: "ch2_para_0", ChapterID: "ch2", IndexedAt: now}

	svc := NewService(&fakeEmbedder{}, store, nil, nil, 1)
	stats, err := svc.CurrentStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.TotalChunks)
	assert.Equal(t, []string{"ch1", "ch2"}, stats.ChaptersIndexed)
	assert.WithinDuration(t, now, stats.LastIndexed, time.Second)
}

func TestHandlerReconcile(t *testing.T) {
	store := newMemStore()
	svc := NewService(&fakeEmbedder{}, store, nil, nil, 2)
	handler := NewHandler(svc)

	body := `{"chapters":[{"chapter_id":"ch1","title":"One","text":"First paragraph.\n\nSecond paragraph."}]}`
	req := httptest.NewRequest(http.MethodPost, "/index/reconcile", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	handler.Reconcile(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_chunks":2`)
	assert.Contains(t, rec.Body.String(), `"embedded":2`)
}

func TestHandlerReconcileValidation(t *testing.T) {
	handler := NewHandler(NewService(&fakeEmbedder{}, newMemStore(), nil, nil, 2))

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"chapters":`},
		{"missing chapter id", `{"chapters":[{"text":"hello"}]}`},
		{"duplicate chapter id", `{"chapters":[{"chapter_id":"a","text":"x"},{"chapter_id":"a","text":"y"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/index/reconcile", bytes.NewBufferString(tc.body))
			rec := httptest.NewRecorder()
			handler.Reconcile(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
		})
	}
}

func TestHandlerReconcileBackendUnavailable(t *testing.T) {
	store := newMemStore()
	store.failUpsert = fmt.Errorf("%w: dial tcp", vector.ErrBackendUnavailable)
	handler := NewHandler(NewService(&fakeEmbedder{}, store, nil, nil, 2))

	body := `{"chapters":[{"chapter_id":"ch1","text":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/index/reconcile", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	handler.Reconcile(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "BACKEND_UNAVAILABLE")
}
