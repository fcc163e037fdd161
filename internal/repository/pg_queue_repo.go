package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/viewmill/outbox-queue/internal/domain"
)

type pgQueueRepository struct {
	pool *pgxpool.Pool
}

// NewPgQueueRepository returns a QueueRepository backed by PostgreSQL.
// All claim paths are single statements (SKIP LOCKED select + status-guarded
// UPDATE ... RETURNING), so correctness does not depend on any in-process
// locking.
func NewPgQueueRepository(pool *pgxpool.Pool) QueueRepository {
	return &pgQueueRepository{pool: pool}
}

const entryColumns = `id, idempotency_key, aggregate_type, aggregate_id, event_type, payload,
	status, priority, retry_count, failure_reason, created_at, claimed_at, claimed_by, processed_at`

func (r *pgQueueRepository) Insert(ctx context.Context, e *domain.Entry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO outbox_entries
			(id, idempotency_key, aggregate_type, aggregate_id, event_type, payload,
			 status, priority, retry_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.IdempotencyKey, e.AggregateType, e.AggregateID, e.EventType, e.Payload,
		e.Status, e.Priority, e.RetryCount, e.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "idempotency_key") {
			return domain.ErrIdempotencyViolation
		}
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (r *pgQueueRepository) InsertAll(ctx context.Context, entries []*domain.Entry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, e := range entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO outbox_entries
				(id, idempotency_key, aggregate_type, aggregate_id, event_type, payload,
				 status, priority, retry_count, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			e.ID, e.IdempotencyKey, e.AggregateType, e.AggregateID, e.EventType, e.Payload,
			e.Status, e.Priority, e.RetryCount, e.CreatedAt,
		)
		if err != nil {
			if strings.Contains(err.Error(), "idempotency_key") {
				return domain.ErrIdempotencyViolation
			}
			return fmt.Errorf("insert batch entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (r *pgQueueRepository) FindByID(ctx context.Context, id string) (*domain.Entry, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM outbox_entries WHERE id = $1`, id)

	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return e, err
}

func (r *pgQueueRepository) FindPending(ctx context.Context, limit int) ([]*domain.Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM outbox_entries
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *pgQueueRepository) FindPendingByType(ctx context.Context, t domain.AggregateType, limit int) ([]*domain.Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM outbox_entries
		WHERE status = 'pending' AND aggregate_type = $1
		ORDER BY created_at, id
		LIMIT $2`, t, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending by type: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Claim uses SKIP LOCKED so concurrent claimers pass over each other's
// candidate rows instead of blocking, and the status guard on the UPDATE is
// the compare-and-swap that makes the claimed sets disjoint.
func (r *pgQueueRepository) Claim(ctx context.Context, limit int, typeFilter *domain.AggregateType, workerID string) ([]*domain.Entry, error) {
	typeCond := ""
	args := []any{limit, time.Now().UTC(), workerID}
	if typeFilter != nil {
		typeCond = " AND aggregate_type = $4"
		args = append(args, *typeFilter)
	}

	query := fmt.Sprintf(`
		WITH candidates AS (
			SELECT id FROM outbox_entries
			WHERE status = 'pending'%s
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_entries e
		SET status = 'processing', claimed_at = $2, claimed_by = $3
		FROM candidates c
		WHERE e.id = c.id AND e.status = 'pending'
		RETURNING `+qualify(entryColumns, "e"), typeCond)

	return r.claim(ctx, query, args...)
}

func (r *pgQueueRepository) ClaimOne(ctx context.Context, workerID string) (*domain.Entry, error) {
	claimed, err := r.Claim(ctx, 1, nil, workerID)
	if err != nil || len(claimed) == 0 {
		return nil, err
	}
	return claimed[0], nil
}

func (r *pgQueueRepository) ClaimByPriority(ctx context.Context, limit int, workerID string) ([]*domain.Entry, error) {
	return r.claim(ctx, `
		WITH candidates AS (
			SELECT id FROM outbox_entries
			WHERE status = 'pending'
			ORDER BY priority, created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_entries e
		SET status = 'processing', claimed_at = $2, claimed_by = $3
		FROM candidates c
		WHERE e.id = c.id AND e.status = 'pending'
		RETURNING `+qualify(entryColumns, "e"),
		limit, time.Now().UTC(), workerID)
}

// ClaimWithOrdering selects the per-aggregate head (oldest pending entry) for
// every aggregate without an in-flight entry. The NOT EXISTS condition is
// re-evaluated inside the UPDATE, after the row lock is taken, so two workers
// calling this at the same instant cannot put a second entry of the same
// aggregate in flight: the loser's condition fails and the row is skipped.
func (r *pgQueueRepository) ClaimWithOrdering(ctx context.Context, limit int, workerID string) ([]*domain.Entry, error) {
	return r.claim(ctx, `
		WITH heads AS (
			SELECT DISTINCT ON (aggregate_id) id, aggregate_id, created_at
			FROM outbox_entries
			WHERE status = 'pending'
			ORDER BY aggregate_id, created_at, id
		),
		eligible AS (
			SELECT h.id FROM heads h
			WHERE NOT EXISTS (
				SELECT 1 FROM outbox_entries p
				WHERE p.aggregate_id = h.aggregate_id AND p.status = 'processing'
			)
			ORDER BY h.created_at, h.id
			LIMIT $1
		)
		UPDATE outbox_entries e
		SET status = 'processing', claimed_at = $2, claimed_by = $3
		FROM eligible c
		WHERE e.id = c.id
		  AND e.status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM outbox_entries p
			WHERE p.aggregate_id = e.aggregate_id AND p.status = 'processing'
		  )
		RETURNING `+qualify(entryColumns, "e"),
		limit, time.Now().UTC(), workerID)
}

func (r *pgQueueRepository) claim(ctx context.Context, query string, args ...any) ([]*domain.Entry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *pgQueueRepository) MarkProcessed(ctx context.Context, ids []string, at time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET status = 'processed', processed_at = $1, claimed_at = NULL, claimed_by = NULL
		WHERE id = ANY($2) AND status = 'processing'`, at, ids)
	if err != nil {
		return 0, fmt.Errorf("mark processed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *pgQueueRepository) MarkFailed(ctx context.Context, id, reason string) (*domain.Entry, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE outbox_entries
		SET status = 'failed', retry_count = retry_count + 1, failure_reason = $1,
		    claimed_at = NULL, claimed_by = NULL
		WHERE id = $2 AND status = 'processing'
		RETURNING `+entryColumns, reason, id)

	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the id is unknown or the entry already left processing.
		// The latter is a benign race with the visibility sweep; return the
		// current row unchanged so callers stay idempotent.
		return r.FindByID(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	return e, nil
}

func (r *pgQueueRepository) ResetToPending(ctx context.Context, id string) (*domain.Entry, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE outbox_entries
		SET status = 'pending', claimed_at = NULL, claimed_by = NULL
		WHERE id = $1 AND status <> 'processed' AND retry_count < $2
		RETURNING `+entryColumns, id, domain.MaxRetryCount)

	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, findErr := r.FindByID(ctx, id)
		if findErr != nil {
			return nil, findErr
		}
		// Processed is terminal; resetting one is a no-op, not an error.
		if existing.Status == domain.StatusProcessed {
			return existing, nil
		}
		if !existing.CanRetry() {
			return nil, domain.ErrRetryExhausted
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reset to pending: %w", err)
	}
	return e, nil
}

func (r *pgQueueRepository) ReleaseExpiredClaims(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET status = 'pending', retry_count = retry_count + 1,
		    claimed_at = NULL, claimed_by = NULL
		WHERE status = 'processing'
		  AND claimed_at < $1
		  AND retry_count < $2`, cutoff, domain.MaxRetryCount)
	if err != nil {
		return 0, fmt.Errorf("release expired claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MoveToDLQ relocates exhausted failures in one statement so a row is never
// visible in both tables.
func (r *pgQueueRepository) MoveToDLQ(ctx context.Context, maxRetryCount int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		WITH moved AS (
			DELETE FROM outbox_entries
			WHERE status = 'failed' AND retry_count > $1
			RETURNING `+entryColumns+`
		)
		INSERT INTO outbox_dlq
			(id, idempotency_key, aggregate_type, aggregate_id, event_type, payload,
			 status, priority, retry_count, failure_reason, created_at, claimed_at, claimed_by, processed_at)
		SELECT `+entryColumns+` FROM moved`, maxRetryCount)
	if err != nil {
		return 0, fmt.Errorf("move to dlq: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *pgQueueRepository) FindDLQ(ctx context.Context, limit int) ([]*domain.Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM outbox_dlq
		ORDER BY created_at, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("find dlq: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *pgQueueRepository) ReplayFromDLQ(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		WITH removed AS (
			DELETE FROM outbox_dlq WHERE id = $1
			RETURNING id, idempotency_key, aggregate_type, aggregate_id, event_type, payload, priority, created_at
		)
		INSERT INTO outbox_entries
			(id, idempotency_key, aggregate_type, aggregate_id, event_type, payload,
			 status, priority, retry_count, created_at)
		SELECT id, idempotency_key, aggregate_type, aggregate_id, event_type, payload,
		       'pending', priority, 0, created_at
		FROM removed`, id)
	if err != nil {
		if strings.Contains(err.Error(), "idempotency_key") {
			return false, domain.ErrIdempotencyViolation
		}
		return false, fmt.Errorf("replay from dlq: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgQueueRepository) Stats(ctx context.Context) (*domain.QueueStats, error) {
	stats := &domain.QueueStats{
		CountsByStatus:    make(map[domain.Status]int),
		CountsByType:      make(map[domain.Status]map[domain.AggregateType]int),
		AvgAgeToProcessed: make(map[domain.AggregateType]time.Duration),
	}

	rows, err := r.pool.Query(ctx, `
		SELECT status, aggregate_type, COUNT(*)
		FROM outbox_entries
		GROUP BY status, aggregate_type`)
	if err != nil {
		return nil, fmt.Errorf("stats counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.Status
		var t domain.AggregateType
		var count int
		if err := rows.Scan(&status, &t, &count); err != nil {
			return nil, fmt.Errorf("stats counts scan: %w", err)
		}
		stats.CountsByStatus[status] += count
		if stats.CountsByType[status] == nil {
			stats.CountsByType[status] = make(map[domain.AggregateType]int)
		}
		stats.CountsByType[status][t] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats counts: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT MIN(created_at), MAX(created_at) FROM outbox_entries`).
		Scan(&stats.OldestCreated, &stats.NewestCreated)
	if err != nil {
		return nil, fmt.Errorf("stats age bounds: %w", err)
	}

	ageRows, err := r.pool.Query(ctx, `
		SELECT aggregate_type, AVG(EXTRACT(EPOCH FROM (processed_at - created_at)))
		FROM outbox_entries
		WHERE status = 'processed'
		GROUP BY aggregate_type`)
	if err != nil {
		return nil, fmt.Errorf("stats processing age: %w", err)
	}
	defer ageRows.Close()
	for ageRows.Next() {
		var t domain.AggregateType
		var avgSeconds float64
		if err := ageRows.Scan(&t, &avgSeconds); err != nil {
			return nil, fmt.Errorf("stats processing age scan: %w", err)
		}
		stats.AvgAgeToProcessed[t] = time.Duration(avgSeconds * float64(time.Second))
	}
	if err := ageRows.Err(); err != nil {
		return nil, fmt.Errorf("stats processing age: %w", err)
	}

	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq`).Scan(&stats.DeadLettered); err != nil {
		return nil, fmt.Errorf("stats dlq count: %w", err)
	}
	return stats, nil
}

func (r *pgQueueRepository) FindStale(ctx context.Context, olderThan time.Duration) ([]*domain.Entry, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM outbox_entries
		WHERE status = 'processing' AND claimed_at < $1
		ORDER BY claimed_at, id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stale: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ---- helpers ----

// scanEntry reads a single entry row from any pgx row type.
func scanEntry(row pgx.Row) (*domain.Entry, error) {
	var e domain.Entry
	err := row.Scan(
		&e.ID, &e.IdempotencyKey, &e.AggregateType, &e.AggregateID, &e.EventType,
		&e.Payload, &e.Status, &e.Priority, &e.RetryCount, &e.FailureReason,
		&e.CreatedAt, &e.ClaimedAt, &e.ClaimedBy, &e.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntries(rows pgx.Rows) ([]*domain.Entry, error) {
	var result []*domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// qualify prefixes every column in a comma-separated list with a table alias,
// for RETURNING clauses on aliased UPDATEs.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
