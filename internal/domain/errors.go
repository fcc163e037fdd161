package domain

import "errors"

// Sentinel errors used throughout the application.
// The API layer translates these to HTTP status codes via a single mapError
// function; anything that does not match a sentinel is treated as a storage
// (infrastructure) error and surfaced verbatim.
var (
	ErrNotFound             = errors.New("entry not found")
	ErrIdempotencyViolation = errors.New("idempotency key already exists")
	ErrRetryExhausted       = errors.New("retry budget exhausted")
	ErrInvalidAggregateType = errors.New("invalid aggregate type: must be raw_data, slice, changeset, or view")
	ErrInvalidAggregateID   = errors.New("aggregate id must be of the form tenant:entityKey")
	ErrEmptyEventType       = errors.New("event type must not be blank")
	ErrEmptyPayload         = errors.New("payload must not be empty")
	ErrBatchEmpty           = errors.New("batch must contain at least one entry")
)
