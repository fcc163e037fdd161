package handler

import (
	"net/http"
	"time"

	"github.com/viewmill/outbox-queue/internal/service"
)

// QueueHandler serves the read-only observability surface consumed by the
// admin dashboards.
type QueueHandler struct {
	svc *service.QueueService
}

func NewQueueHandler(svc *service.QueueService) *QueueHandler {
	return &QueueHandler{svc: svc}
}

// Stats handles GET /api/v1/queue/stats
//
// @Summary  Queue snapshot: counts by status and type, age bounds, latency
// @Tags     queue
// @Produce  json
// @Success  200  {object}  domain.QueueStats
// @Router   /api/v1/queue/stats [get]
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Stale handles GET /api/v1/queue/stale
//
// @Summary  List processing entries claimed longer ago than a threshold
// @Tags     queue
// @Produce  json
// @Param    older_than  query     string  false  "Go duration, default 5m"
// @Success  200         {object}  map[string]any
// @Router   /api/v1/queue/stale [get]
func (h *QueueHandler) Stale(w http.ResponseWriter, r *http.Request) {
	olderThan := 5 * time.Minute
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "older_than must be a positive duration")
			return
		}
		olderThan = d
	}

	entries, err := h.svc.ListStale(r.Context(), olderThan)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list stale entries")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"older_than": olderThan.String(),
		"count":      len(entries),
		"entries":    entries,
	})
}
