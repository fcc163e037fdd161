package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/viewmill/outbox-queue/internal/service"
)

// DLQHandler serves the dead-letter listing and manual replay endpoints.
type DLQHandler struct {
	svc    *service.QueueService
	logger *zap.Logger
}

func NewDLQHandler(svc *service.QueueService, logger *zap.Logger) *DLQHandler {
	return &DLQHandler{svc: svc, logger: logger}
}

// List handles GET /api/v1/dlq
//
// @Summary  List dead-lettered entries
// @Tags     dlq
// @Produce  json
// @Param    limit  query     int  false  "Max entries (default 100)"
// @Success  200    {object}  map[string]any
// @Router   /api/v1/dlq [get]
func (h *DLQHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}

	entries, err := h.svc.ListDLQ(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list dead-letter entries")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

// Replay handles POST /api/v1/dlq/{id}/replay
//
// @Summary  Replay a dead-lettered entry as pending with a fresh retry budget
// @Tags     dlq
// @Produce  json
// @Param    id   path      string  true  "Entry UUID"
// @Success  200  {object}  map[string]any
// @Success  404  {object}  map[string]any  "Nothing to replay (not an error)"
// @Failure  409  {object}  map[string]string  "Primary table already holds the same idempotency key"
// @Router   /api/v1/dlq/{id}/replay [post]
func (h *DLQHandler) Replay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.svc.ReplayFromDLQ(r.Context(), id)
	if err != nil {
		h.logger.Error("dlq replay failed", zap.String("id", id), zap.Error(err))
		mapError(w, err)
		return
	}
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]any{"replayed": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"replayed": true})
}
