package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/viewmill/outbox-queue/internal/domain"
)

// MemQueueRepository is an in-memory QueueRepository. One coarse mutex around
// every operation stands in for the database's row-level conditional writes,
// which keeps the claim protocol correct for tests and single-process local
// runs. Production deployments use the pgx implementation.
type MemQueueRepository struct {
	mu      sync.Mutex
	entries map[string]*domain.Entry
	dlq     map[string]*domain.Entry
	// idempotency key -> entry id, mirrors the unique constraint
	byKey map[string]string

	// Optional error overrides, set in tests to simulate storage failures.
	InsertErr error
	ClaimErr  error
}

func NewMemQueueRepository() *MemQueueRepository {
	return &MemQueueRepository{
		entries: make(map[string]*domain.Entry),
		dlq:     make(map[string]*domain.Entry),
		byKey:   make(map[string]string),
	}
}

var _ QueueRepository = (*MemQueueRepository)(nil)

func (m *MemQueueRepository) Insert(_ context.Context, e *domain.Entry) error {
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(e)
}

func (m *MemQueueRepository) InsertAll(_ context.Context, entries []*domain.Entry) error {
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the whole batch before applying anything so a collision in
	// the middle cannot leave a partial insert behind.
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := m.byKey[e.IdempotencyKey]; dup {
			return domain.ErrIdempotencyViolation
		}
		if _, dup := seen[e.IdempotencyKey]; dup {
			return domain.ErrIdempotencyViolation
		}
		seen[e.IdempotencyKey] = struct{}{}
	}
	for _, e := range entries {
		if err := m.insertLocked(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemQueueRepository) insertLocked(e *domain.Entry) error {
	if _, dup := m.byKey[e.IdempotencyKey]; dup {
		return domain.ErrIdempotencyViolation
	}
	clone := cloneEntry(e)
	m.entries[e.ID] = clone
	m.byKey[e.IdempotencyKey] = e.ID
	return nil
}

func (m *MemQueueRepository) FindByID(_ context.Context, id string) (*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneEntry(e), nil
}

func (m *MemQueueRepository) FindPending(_ context.Context, limit int) ([]*domain.Entry, error) {
	return m.findPending(limit, nil)
}

func (m *MemQueueRepository) FindPendingByType(_ context.Context, t domain.AggregateType, limit int) ([]*domain.Entry, error) {
	return m.findPending(limit, &t)
}

func (m *MemQueueRepository) findPending(limit int, typeFilter *domain.AggregateType) ([]*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := m.pendingLocked(typeFilter)
	sortByCreated(candidates)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return cloneAll(candidates), nil
}

func (m *MemQueueRepository) Claim(_ context.Context, limit int, typeFilter *domain.AggregateType, workerID string) ([]*domain.Entry, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := m.pendingLocked(typeFilter)
	sortByCreated(candidates)
	return m.claimLocked(candidates, limit, workerID), nil
}

func (m *MemQueueRepository) ClaimOne(ctx context.Context, workerID string) (*domain.Entry, error) {
	claimed, err := m.Claim(ctx, 1, nil, workerID)
	if err != nil || len(claimed) == 0 {
		return nil, err
	}
	return claimed[0], nil
}

func (m *MemQueueRepository) ClaimByPriority(_ context.Context, limit int, workerID string) ([]*domain.Entry, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := m.pendingLocked(nil)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return beforeByCreated(candidates[i], candidates[j])
	})
	return m.claimLocked(candidates, limit, workerID), nil
}

func (m *MemQueueRepository) ClaimWithOrdering(_ context.Context, limit int, workerID string) ([]*domain.Entry, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Aggregates with an in-flight entry are excluded entirely; every other
	// aggregate offers only its oldest pending entry.
	inFlight := make(map[string]struct{})
	for _, e := range m.entries {
		if e.Status == domain.StatusProcessing {
			inFlight[e.AggregateID] = struct{}{}
		}
	}

	heads := make(map[string]*domain.Entry)
	for _, e := range m.entries {
		if e.Status != domain.StatusPending {
			continue
		}
		if _, busy := inFlight[e.AggregateID]; busy {
			continue
		}
		if head, ok := heads[e.AggregateID]; !ok || beforeByCreated(e, head) {
			heads[e.AggregateID] = e
		}
	}

	candidates := make([]*domain.Entry, 0, len(heads))
	for _, e := range heads {
		candidates = append(candidates, e)
	}
	sortByCreated(candidates)
	return m.claimLocked(candidates, limit, workerID), nil
}

// claimLocked transitions up to limit candidates to processing. Candidates
// must already be ordered; the status re-check is what the conditional
// UPDATE does in the pg implementation.
func (m *MemQueueRepository) claimLocked(candidates []*domain.Entry, limit int, workerID string) []*domain.Entry {
	now := time.Now().UTC()
	var claimed []*domain.Entry
	for _, e := range candidates {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		if e.Status != domain.StatusPending {
			continue
		}
		e.Status = domain.StatusProcessing
		at := now
		worker := workerID
		e.ClaimedAt = &at
		e.ClaimedBy = &worker
		claimed = append(claimed, cloneEntry(e))
	}
	return claimed
}

func (m *MemQueueRepository) MarkProcessed(_ context.Context, ids []string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, id := range ids {
		e, ok := m.entries[id]
		if !ok || e.Status != domain.StatusProcessing {
			continue
		}
		*e = e.MarkProcessed(at)
		count++
	}
	return count, nil
}

func (m *MemQueueRepository) MarkFailed(_ context.Context, id, reason string) (*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if e.Status == domain.StatusProcessing {
		*e = e.MarkFailed(reason)
	}
	return cloneEntry(e), nil
}

func (m *MemQueueRepository) ResetToPending(_ context.Context, id string) (*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	// Processed is terminal; resetting one is a no-op, not an error.
	if e.Status == domain.StatusProcessed {
		return cloneEntry(e), nil
	}
	reset, err := e.ResetToPending()
	if err != nil {
		return nil, err
	}
	*e = reset
	return cloneEntry(e), nil
}

func (m *MemQueueRepository) ReleaseExpiredClaims(_ context.Context, timeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-timeout)
	released := 0
	for _, e := range m.entries {
		if e.Status != domain.StatusProcessing || e.ClaimedAt == nil || !e.ClaimedAt.Before(cutoff) {
			continue
		}
		// Exhausted entries stay in processing: resurrecting them would just
		// burn sink calls, and the operator surface lists them as stale.
		if !e.CanRetry() {
			continue
		}
		e.Status = domain.StatusPending
		e.RetryCount++
		e.ClaimedAt = nil
		e.ClaimedBy = nil
		released++
	}
	return released, nil
}

func (m *MemQueueRepository) MoveToDLQ(_ context.Context, maxRetryCount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	moved := 0
	for id, e := range m.entries {
		if e.Status != domain.StatusFailed || e.RetryCount <= maxRetryCount {
			continue
		}
		m.dlq[id] = e
		delete(m.entries, id)
		delete(m.byKey, e.IdempotencyKey)
		moved++
	}
	return moved, nil
}

func (m *MemQueueRepository) FindDLQ(_ context.Context, limit int) ([]*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]*domain.Entry, 0, len(m.dlq))
	for _, e := range m.dlq {
		entries = append(entries, e)
	}
	sortByCreated(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return cloneAll(entries), nil
}

func (m *MemQueueRepository) ReplayFromDLQ(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlq[id]
	if !ok {
		return false, nil
	}
	// A fresh entry may have been enqueued with the same identity since the
	// dead-letter move; the reinsert must honour the unique key like any
	// other insert.
	if _, dup := m.byKey[e.IdempotencyKey]; dup {
		return false, domain.ErrIdempotencyViolation
	}
	delete(m.dlq, id)

	e.Status = domain.StatusPending
	e.RetryCount = 0
	e.FailureReason = nil
	e.ClaimedAt = nil
	e.ClaimedBy = nil
	e.ProcessedAt = nil
	m.entries[id] = e
	m.byKey[e.IdempotencyKey] = id
	return true, nil
}

func (m *MemQueueRepository) Stats(_ context.Context) (*domain.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &domain.QueueStats{
		CountsByStatus:    make(map[domain.Status]int),
		CountsByType:      make(map[domain.Status]map[domain.AggregateType]int),
		AvgAgeToProcessed: make(map[domain.AggregateType]time.Duration),
		DeadLettered:      len(m.dlq),
	}

	ageSums := make(map[domain.AggregateType]time.Duration)
	ageCounts := make(map[domain.AggregateType]int)

	for _, e := range m.entries {
		stats.CountsByStatus[e.Status]++
		if stats.CountsByType[e.Status] == nil {
			stats.CountsByType[e.Status] = make(map[domain.AggregateType]int)
		}
		stats.CountsByType[e.Status][e.AggregateType]++

		if stats.OldestCreated == nil || e.CreatedAt.Before(*stats.OldestCreated) {
			created := e.CreatedAt
			stats.OldestCreated = &created
		}
		if stats.NewestCreated == nil || e.CreatedAt.After(*stats.NewestCreated) {
			created := e.CreatedAt
			stats.NewestCreated = &created
		}
		if e.Status == domain.StatusProcessed && e.ProcessedAt != nil {
			ageSums[e.AggregateType] += e.ProcessedAt.Sub(e.CreatedAt)
			ageCounts[e.AggregateType]++
		}
	}
	for t, sum := range ageSums {
		stats.AvgAgeToProcessed[t] = sum / time.Duration(ageCounts[t])
	}
	return stats, nil
}

func (m *MemQueueRepository) FindStale(_ context.Context, olderThan time.Duration) ([]*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var stale []*domain.Entry
	for _, e := range m.entries {
		if e.Status == domain.StatusProcessing && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	sortByCreated(stale)
	return cloneAll(stale), nil
}

// BackdateClaim rewrites an entry's claim timestamp. Test knob for
// exercising the visibility timeout without sleeping.
func (m *MemQueueRepository) BackdateClaim(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok && e.ClaimedAt != nil {
		e.ClaimedAt = &at
	}
}

// ---- helpers ----

func (m *MemQueueRepository) pendingLocked(typeFilter *domain.AggregateType) []*domain.Entry {
	var pending []*domain.Entry
	for _, e := range m.entries {
		if e.Status != domain.StatusPending {
			continue
		}
		if typeFilter != nil && e.AggregateType != *typeFilter {
			continue
		}
		pending = append(pending, e)
	}
	return pending
}

// beforeByCreated breaks createdAt ties on ID so ordering never depends on
// map iteration order.
func beforeByCreated(a, b *domain.Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortByCreated(entries []*domain.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return beforeByCreated(entries[i], entries[j])
	})
}

func cloneEntry(e *domain.Entry) *domain.Entry {
	clone := *e
	return &clone
}

func cloneAll(entries []*domain.Entry) []*domain.Entry {
	result := make([]*domain.Entry, len(entries))
	for i, e := range entries {
		result[i] = cloneEntry(e)
	}
	return result
}
