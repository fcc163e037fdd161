package repository

import (
	"context"
	"time"

	"github.com/viewmill/outbox-queue/internal/domain"
)

// QueueRepository defines all persistence operations for the outbox queue.
// The pgx implementation is in pg_queue_repo.go; mem_queue_repo.go holds the
// in-memory implementation used in tests and for local development.
//
// Every mutating operation is a conditional write on the status column: a
// claim only transitions pending rows, a completion only transitions
// processing rows. Concurrent callers racing on the same row see the
// condition fail and skip it, so claims returned to different workers are
// always disjoint.
type QueueRepository interface {
	// Insert persists a pending entry. Returns domain.ErrIdempotencyViolation
	// when another non-deleted entry already carries the same idempotency key.
	Insert(ctx context.Context, e *domain.Entry) error
	// InsertAll persists a batch atomically: any idempotency collision or
	// storage failure aborts the whole batch with nothing applied.
	InsertAll(ctx context.Context, entries []*domain.Entry) error

	FindByID(ctx context.Context, id string) (*domain.Entry, error)
	FindPending(ctx context.Context, limit int) ([]*domain.Entry, error)
	FindPendingByType(ctx context.Context, t domain.AggregateType, limit int) ([]*domain.Entry, error)

	// Claim atomically transitions up to limit pending entries to processing
	// in createdAt order, stamping claimedAt/claimedBy. An empty queue yields
	// an empty slice, never an error.
	Claim(ctx context.Context, limit int, typeFilter *domain.AggregateType, workerID string) ([]*domain.Entry, error)
	// ClaimOne is Claim with limit 1; returns (nil, nil) when nothing is eligible.
	ClaimOne(ctx context.Context, workerID string) (*domain.Entry, error)
	// ClaimByPriority orders candidates by (priority asc, createdAt asc).
	// Entries without an explicit priority carry domain.DefaultPriority and
	// therefore sort after any explicitly prioritised entry.
	ClaimByPriority(ctx context.Context, limit int, workerID string) ([]*domain.Entry, error)
	// ClaimWithOrdering offers only the oldest pending entry per aggregate ID
	// and skips aggregates that already have a processing entry, so each
	// aggregate has at most one entry in flight at any time.
	ClaimWithOrdering(ctx context.Context, limit int, workerID string) ([]*domain.Entry, error)

	// MarkProcessed completes processing entries in bulk and returns how many
	// actually transitioned. Already-processed or unknown ids are skipped, so
	// calling it twice is harmless.
	MarkProcessed(ctx context.Context, ids []string, at time.Time) (int, error)
	// MarkFailed records a failure on a processing entry, incrementing its
	// retry count. Returns domain.ErrNotFound when the id is absent.
	MarkFailed(ctx context.Context, id, reason string) (*domain.Entry, error)
	// ResetToPending returns an entry to the pending state, or
	// domain.ErrRetryExhausted once its retry budget is spent. Processed is
	// terminal: resetting a processed entry is a no-op that returns the row
	// unchanged.
	ResetToPending(ctx context.Context, id string) (*domain.Entry, error)

	// ReleaseExpiredClaims reverts processing entries whose claim is older
	// than timeout back to pending, incrementing retryCount (the timeout is
	// an implicit failure). Entries with no budget left are deliberately left
	// in processing for the dead-letter sweep and operator tooling to handle.
	// Idempotent and safe to run concurrently with claims and with itself.
	ReleaseExpiredClaims(ctx context.Context, timeout time.Duration) (int, error)

	// MoveToDLQ relocates failed entries with retryCount > maxRetryCount into
	// the dead-letter table. The move is transactional: a row is never
	// visible in both tables.
	MoveToDLQ(ctx context.Context, maxRetryCount int) (int, error)
	FindDLQ(ctx context.Context, limit int) ([]*domain.Entry, error)
	// ReplayFromDLQ moves a dead-lettered entry back to the primary table as
	// pending with retryCount reset to 0 and failureReason cleared. Returns
	// false, not an error, when the id is not dead-lettered, and
	// domain.ErrIdempotencyViolation when the primary table has since gained
	// an entry with the same idempotency key.
	ReplayFromDLQ(ctx context.Context, id string) (bool, error)

	Stats(ctx context.Context) (*domain.QueueStats, error)
	// FindStale lists processing entries claimed longer ago than olderThan.
	FindStale(ctx context.Context, olderThan time.Duration) ([]*domain.Entry, error)
}
