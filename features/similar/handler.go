package similar

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

func (h *Handler) Find(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Text      string  `json:"text"`
		TopK      int     `json:"top_k"`
		Threshold float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "text is required", http.StatusBadRequest)
		return
	}

	passages, err := h.service.Find(ctx, req.Text, req.TopK, req.Threshold)
	if err != nil {
		slog.ErrorContext(ctx, "similar passage lookup failed", "error", err)
		if errors.Is(err, vector.ErrBackendUnavailable) {
			h.writeError(ctx, w, "BACKEND_UNAVAILABLE", "vector backend unavailable", http.StatusServiceUnavailable)
			return
		}
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": passages}); err != nil {
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
