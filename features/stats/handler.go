package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"threadline/backend/internal/middleware"
	"threadline/backend/internal/vector"
)

type IndexReader interface {
	Count(ctx context.Context) (int, error)
	ListChapters(ctx context.Context) ([]string, error)
	EntriesByChapter(ctx context.Context, chapterID string) ([]vector.Entry, error)
}

type Handler struct {
	index IndexReader
}

func NewHandler(index IndexReader) *Handler {
	return &Handler{index: index}
}

type StatsResponse struct {
	TotalChunks     int       `json:"total_chunks"`
	ChaptersIndexed []string  `json:"chapters_indexed"`
	LastIndexed     time.Time `json:"last_indexed"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting index stats", "correlationId", correlationID)

	count, err := h.index.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count chunks", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count chunks", http.StatusInternalServerError)
		return
	}

	chapters, err := h.index.ListChapters(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list chapters", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to list chapters", http.StatusInternalServerError)
		return
	}
	sort.Strings(chapters)

	var last time.Time
	for _, ch := range chapters {
		entries, err := h.index.EntriesByChapter(ctx, ch)
		if err != nil {
			slog.ErrorContext(ctx, "failed to read chapter entries", "chapter", ch, "error", err, "correlationId", correlationID)
			h.writeError(ctx, w, "INTERNAL_ERROR", "failed to read chapter entries", http.StatusInternalServerError)
			return
		}
		for _, e := range entries {
			if e.IndexedAt.After(last) {
				last = e.IndexedAt
			}
		}
	}

	resp := StatsResponse{
		TotalChunks:     count,
		ChaptersIndexed: chapters,
		LastIndexed:     last,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
