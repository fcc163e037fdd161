package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/viewmill/outbox-queue/internal/api/middleware"
	"github.com/viewmill/outbox-queue/internal/domain"
	"github.com/viewmill/outbox-queue/internal/service"
)

// EntryHandler handles the producer-facing entry endpoints.
type EntryHandler struct {
	svc    *service.QueueService
	logger *zap.Logger
}

func NewEntryHandler(svc *service.QueueService, logger *zap.Logger) *EntryHandler {
	return &EntryHandler{svc: svc, logger: logger}
}

// Create handles POST /api/v1/entries
//
// @Summary  Enqueue a single entry
// @Tags     entries
// @Accept   json
// @Produce  json
// @Param    body  body      service.EnqueueRequest  true  "Entry payload"
// @Success  201   {object}  domain.Entry
// @Failure  409   {object}  map[string]string  "Idempotency key already exists"
// @Failure  422   {object}  map[string]string
// @Router   /api/v1/entries [post]
func (h *EntryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	e, err := h.svc.Enqueue(r.Context(), req)
	if err != nil {
		h.logger.Warn("enqueue failed",
			zap.String("request_id", apimw.GetRequestID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, e)
}

// CreateBatch handles POST /api/v1/entries/batch
//
// @Summary  Enqueue a batch atomically
// @Tags     entries
// @Accept   json
// @Produce  json
// @Param    body  body      []service.EnqueueRequest  true  "Batch payload"
// @Success  201   {object}  map[string]any
// @Failure  409   {object}  map[string]string  "Whole batch rejected on idempotency collision"
// @Failure  422   {object}  map[string]string
// @Router   /api/v1/entries/batch [post]
func (h *EntryHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var requests []service.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&requests); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	entries, err := h.svc.EnqueueBatch(r.Context(), requests)
	if err != nil {
		h.logger.Warn("enqueue batch failed",
			zap.String("request_id", apimw.GetRequestID(r.Context())),
			zap.Int("size", len(requests)),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

// GetByID handles GET /api/v1/entries/{id}
//
// @Summary  Get an entry by ID
// @Tags     entries
// @Produce  json
// @Param    id   path      string  true  "Entry UUID"
// @Success  200  {object}  domain.Entry
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/entries/{id} [get]
func (h *EntryHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// ListPending handles GET /api/v1/entries
//
// @Summary  List pending entries in FIFO order
// @Tags     entries
// @Produce  json
// @Param    aggregate_type  query     string  false  "Filter by aggregate type"
// @Param    limit           query     int     false  "Max entries (default 100)"
// @Success  200             {object}  map[string]any
// @Router   /api/v1/entries [get]
func (h *EntryHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	filter := parseListFilter(r)
	entries, err := h.svc.ListPending(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list entries")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

// Reset handles POST /api/v1/entries/{id}/reset
//
// @Summary  Return a failed entry to pending
// @Tags     entries
// @Produce  json
// @Param    id   path      string  true  "Entry UUID"
// @Success  200  {object}  domain.Entry
// @Failure  404  {object}  map[string]string
// @Failure  409  {object}  map[string]string  "Retry budget exhausted"
// @Router   /api/v1/entries/{id}/reset [post]
func (h *EntryHandler) Reset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := h.svc.ResetToPending(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func parseListFilter(r *http.Request) domain.ListFilter {
	q := r.URL.Query()
	filter := domain.ListFilter{Limit: 100}

	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 1000 {
		filter.Limit = l
	}
	if t := q.Get("aggregate_type"); t != "" {
		at := domain.AggregateType(t)
		filter.AggregateType = &at
	}
	return filter
}
