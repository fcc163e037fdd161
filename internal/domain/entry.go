package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AggregateType identifies the pipeline subsystem that produced an event.
type AggregateType string

const (
	AggregateRawData   AggregateType = "raw_data"
	AggregateSlice     AggregateType = "slice"
	AggregateChangeset AggregateType = "changeset"
	AggregateView      AggregateType = "view"
)

func (t AggregateType) IsValid() bool {
	switch t {
	case AggregateRawData, AggregateSlice, AggregateChangeset, AggregateView:
		return true
	}
	return false
}

// Status tracks the lifecycle of a queue entry.
// Dead-lettered entries carry no status of their own: they are physically
// relocated to the dead-letter table, keeping the primary table small.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// MaxRetryCount bounds how often an entry may be retried before it becomes
// a dead-letter candidate. Counts both explicit failures and visibility
// timeouts.
const MaxRetryCount = 5

// DefaultPriority is assigned to entries enqueued without an explicit
// priority. Lower values claim first, so the default sorts after any
// explicitly prioritised entry and the priority order stays total.
const DefaultPriority = 1 << 20

// AggregateIDSeparator splits an aggregate ID into tenant and entity key.
const AggregateIDSeparator = ":"

// Entry is one queued event. Values are immutable by convention: the
// transition methods return a modified copy and the repository enforces the
// corresponding state machine with conditional writes.
type Entry struct {
	ID             string        `json:"id"`
	IdempotencyKey string        `json:"idempotency_key"`
	AggregateType  AggregateType `json:"aggregate_type"`
	AggregateID    string        `json:"aggregate_id"`
	EventType      string        `json:"event_type"`
	Payload        []byte        `json:"payload"`
	Status         Status        `json:"status"`
	Priority       int           `json:"priority"`
	RetryCount     int           `json:"retry_count"`
	FailureReason  *string       `json:"failure_reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	ClaimedAt      *time.Time    `json:"claimed_at,omitempty"`
	ClaimedBy      *string       `json:"claimed_by,omitempty"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
}

// NewEntry validates the identity inputs and builds a pending entry.
// The idempotency key is derived from (aggregateType, aggregateID, eventType,
// payload), so re-creating the same logical event yields a fresh ID but the
// same key; the store's unique constraint collapses both to one queue entry.
func NewEntry(aggregateType AggregateType, aggregateID, eventType string, payload []byte) (*Entry, error) {
	if !aggregateType.IsValid() {
		return nil, ErrInvalidAggregateType
	}
	if !validAggregateID(aggregateID) {
		return nil, ErrInvalidAggregateID
	}
	if strings.TrimSpace(eventType) == "" {
		return nil, ErrEmptyEventType
	}
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	return &Entry{
		ID:             uuid.New().String(),
		IdempotencyKey: DeriveIdempotencyKey(aggregateType, aggregateID, eventType, payload),
		AggregateType:  aggregateType,
		AggregateID:    aggregateID,
		EventType:      eventType,
		Payload:        payload,
		Status:         StatusPending,
		Priority:       DefaultPriority,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DeriveIdempotencyKey computes the stable fingerprint of an event's
// identity. Fields are length-prefixed by the separator-free hash input
// ordering, so distinct input tuples cannot collide by concatenation.
func DeriveIdempotencyKey(aggregateType AggregateType, aggregateID, eventType string, payload []byte) string {
	h := sha256.New()
	for _, part := range [][]byte{[]byte(aggregateType), []byte(aggregateID), []byte(eventType), payload} {
		var lenBuf [8]byte
		for i, n := 0, len(part); i < 8; i++ {
			lenBuf[i] = byte(n >> (8 * i))
		}
		h.Write(lenBuf[:])
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Tenant returns the part of the aggregate ID before the first separator.
func (e *Entry) Tenant() string {
	tenant, _, _ := strings.Cut(e.AggregateID, AggregateIDSeparator)
	return tenant
}

// EntityKey returns the part of the aggregate ID after the first separator.
func (e *Entry) EntityKey() string {
	_, key, _ := strings.Cut(e.AggregateID, AggregateIDSeparator)
	return key
}

// MarkProcessed returns a copy in the processed terminal state.
func (e Entry) MarkProcessed(at time.Time) Entry {
	e.Status = StatusProcessed
	e.ProcessedAt = &at
	e.ClaimedAt = nil
	e.ClaimedBy = nil
	return e
}

// MarkFailed returns a copy in the failed state with the retry count
// incremented and the failure reason recorded.
func (e Entry) MarkFailed(reason string) Entry {
	e.Status = StatusFailed
	e.RetryCount++
	if reason != "" {
		e.FailureReason = &reason
	}
	e.ClaimedAt = nil
	e.ClaimedBy = nil
	return e
}

// CanRetry reports whether the entry still has retry budget left.
func (e *Entry) CanRetry() bool {
	return e.RetryCount < MaxRetryCount
}

// ResetToPending returns a copy back in the pending state, or
// ErrRetryExhausted once the retry budget is spent.
func (e Entry) ResetToPending() (Entry, error) {
	if !e.CanRetry() {
		return e, ErrRetryExhausted
	}
	e.Status = StatusPending
	e.ClaimedAt = nil
	e.ClaimedBy = nil
	return e, nil
}

func validAggregateID(id string) bool {
	tenant, key, found := strings.Cut(id, AggregateIDSeparator)
	return found && tenant != "" && key != ""
}
