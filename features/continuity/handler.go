package continuity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
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

// Check runs a continuity check. A request with a passage checks that draft
// against the index; an empty body or empty passage audits the full chapter
// sequence.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Passage string `json:"passage"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
	}

	var (
		report *Report
		err    error
	)
	if strings.TrimSpace(req.Passage) != "" {
		report, err = h.service.CheckText(ctx, req.Passage)
	} else {
		report, err = h.service.CheckSequence(ctx)
	}
	if err != nil {
		slog.ErrorContext(ctx, "continuity check failed", "error", err)
		if errors.Is(err, vector.ErrBackendUnavailable) {
			h.writeError(ctx, w, "BACKEND_UNAVAILABLE", "vector backend unavailable", http.StatusServiceUnavailable)
			return
		}
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": report}); err != nil {
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
