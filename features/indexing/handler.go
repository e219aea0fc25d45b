package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"threadline/backend/internal/middleware"
	"threadline/backend/internal/vector"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Chapters []Chapter `json:"chapters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	seen := make(map[string]bool, len(req.Chapters))
	for _, ch := range req.Chapters {
		if strings.TrimSpace(ch.ID) == "" {
			h.writeError(ctx, w, "VALIDATION_ERROR", "chapter_id is required", http.StatusBadRequest)
			return
		}
		if seen[ch.ID] {
			h.writeError(ctx, w, "VALIDATION_ERROR", "duplicate chapter_id: "+ch.ID, http.StatusBadRequest)
			return
		}
		seen[ch.ID] = true
	}

	stats, err := h.service.Reconcile(ctx, req.Chapters)
	if err != nil {
		slog.ErrorContext(ctx, "reconcile failed", "error", err)
		if errors.Is(err, vector.ErrBackendUnavailable) {
			h.writeError(ctx, w, "BACKEND_UNAVAILABLE", "vector backend unavailable", http.StatusServiceUnavailable)
			return
		}
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": stats}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.service.CurrentStats(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read index stats", "error", err)
		if errors.Is(err, vector.ErrBackendUnavailable) {
			h.writeError(ctx, w, "BACKEND_UNAVAILABLE", "vector backend unavailable", http.StatusServiceUnavailable)
			return
		}
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": stats}); err != nil {
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
