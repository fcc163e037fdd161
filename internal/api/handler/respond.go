package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/viewmill/outbox-queue/internal/domain"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// mapError translates domain sentinel errors to HTTP status codes.
// All mapping lives here so individual handlers stay concise. Anything that
// is not a domain sentinel is an infrastructure failure and surfaces as 500.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrIdempotencyViolation),
		errors.Is(err, domain.ErrRetryExhausted):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidAggregateType),
		errors.Is(err, domain.ErrInvalidAggregateID),
		errors.Is(err, domain.ErrEmptyEventType),
		errors.Is(err, domain.ErrEmptyPayload),
		errors.Is(err, domain.ErrBatchEmpty):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
