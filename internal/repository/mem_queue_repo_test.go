package repository_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/viewmill/outbox-queue/internal/domain"
	"github.com/viewmill/outbox-queue/internal/repository"
)

func newEntry(t *testing.T, aggregateID, eventType string) *domain.Entry {
	t.Helper()
	e, err := domain.NewEntry(domain.AggregateSlice, aggregateID, eventType, []byte(`{"v":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return e
}

// insertAt inserts an entry with a controlled createdAt so ordering tests do
// not depend on wall-clock resolution.
func insertAt(t *testing.T, repo *repository.MemQueueRepository, e *domain.Entry, at time.Time) {
	t.Helper()
	e.CreatedAt = at
	if err := repo.Insert(context.Background(), e); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestInsert_IdempotencyViolation(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()

	first := newEntry(t, "acme:order-1", "slice.recomputed")
	second := newEntry(t, "acme:order-1", "slice.recomputed")

	if first.ID == second.ID {
		t.Fatal("expected distinct IDs")
	}
	if first.IdempotencyKey != second.IdempotencyKey {
		t.Fatal("expected identical idempotency keys")
	}

	if err := repo.Insert(ctx, first); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := repo.Insert(ctx, second); err != domain.ErrIdempotencyViolation {
		t.Fatalf("expected ErrIdempotencyViolation, got %v", err)
	}
}

func TestInsertAll_AllOrNothing(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()

	existing := newEntry(t, "acme:order-1", "slice.recomputed")
	if err := repo.Insert(ctx, existing); err != nil {
		t.Fatal(err)
	}

	batch := []*domain.Entry{
		newEntry(t, "acme:order-2", "slice.recomputed"),
		newEntry(t, "acme:order-1", "slice.recomputed"), // collides with existing
		newEntry(t, "acme:order-3", "slice.recomputed"),
	}
	if err := repo.InsertAll(ctx, batch); err != domain.ErrIdempotencyViolation {
		t.Fatalf("expected ErrIdempotencyViolation, got %v", err)
	}

	// Nothing from the failed batch may have been applied.
	pending, err := repo.FindPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected only the pre-existing entry, got %d", len(pending))
	}
}

func TestClaim_FIFOOrdering(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	// Insert out of creation order.
	e2 := newEntry(t, "acme:b", "e2")
	e1 := newEntry(t, "acme:a", "e1")
	e3 := newEntry(t, "acme:c", "e3")
	insertAt(t, repo, e2, base.Add(2*time.Second))
	insertAt(t, repo, e1, base.Add(1*time.Second))
	insertAt(t, repo, e3, base.Add(3*time.Second))

	claimed, err := repo.Claim(ctx, 10, nil, "w1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{e1.ID, e2.ID, e3.ID}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(claimed))
	}
	for i, e := range claimed {
		if e.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], e.ID)
		}
		if e.Status != domain.StatusProcessing {
			t.Fatalf("expected status=processing, got %s", e.Status)
		}
		if e.ClaimedAt == nil || e.ClaimedBy == nil || *e.ClaimedBy != "w1" {
			t.Fatal("expected claim attribution to be stamped")
		}
	}
}

func TestClaim_TypeFilterAndEmptyQueue(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()

	slice := newEntry(t, "acme:a", "e1")
	raw, err := domain.NewEntry(domain.AggregateRawData, "acme:b", "raw.ingested", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.Insert(ctx, slice); err != nil {
		t.Fatal(err)
	}
	if err := repo.Insert(ctx, raw); err != nil {
		t.Fatal(err)
	}

	filter := domain.AggregateRawData
	claimed, err := repo.Claim(ctx, 10, &filter, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != raw.ID {
		t.Fatalf("expected only the raw_data entry, got %d", len(claimed))
	}

	// Claiming an exhausted filter set returns empty, never an error.
	claimed, err = repo.Claim(ctx, 10, &filter, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected empty claim, got %d", len(claimed))
	}
}

func TestClaimByPriority_OrderingWithTieBreak(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	p10 := newEntry(t, "acme:a", "e-p10")
	p10.Priority = 10
	p1 := newEntry(t, "acme:b", "e-p1")
	p1.Priority = 1
	p5 := newEntry(t, "acme:c", "e-p5")
	p5.Priority = 5
	p5Later := newEntry(t, "acme:d", "e-p5-later")
	p5Later.Priority = 5
	defaulted := newEntry(t, "acme:e", "e-default") // keeps DefaultPriority

	insertAt(t, repo, p10, base.Add(1*time.Second))
	insertAt(t, repo, p5Later, base.Add(4*time.Second))
	insertAt(t, repo, p1, base.Add(2*time.Second))
	insertAt(t, repo, p5, base.Add(3*time.Second))
	insertAt(t, repo, defaulted, base)

	claimed, err := repo.ClaimByPriority(ctx, 10, "w1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{p1.ID, p5.ID, p5Later.ID, p10.ID, defaulted.ID}
	if len(claimed) != len(want) {
		t.Fatalf("expected %d claimed, got %d", len(want), len(claimed))
	}
	for i, e := range claimed {
		if e.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], e.ID)
		}
	}
}

func TestClaimWithOrdering_EntityOrdering(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	// Three versions for aggregate A, inserted out of order, plus one for B.
	a2 := newEntry(t, "acme:A", "v2")
	a1 := newEntry(t, "acme:A", "v1")
	a3 := newEntry(t, "acme:A", "v3")
	b1 := newEntry(t, "acme:B", "v1")
	insertAt(t, repo, a2, base.Add(2*time.Second))
	insertAt(t, repo, a3, base.Add(3*time.Second))
	insertAt(t, repo, a1, base.Add(1*time.Second))
	insertAt(t, repo, b1, base.Add(4*time.Second))

	// Only the head of each aggregate is claimable.
	claimed, err := repo.ClaimWithOrdering(ctx, 10, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected heads of A and B only, got %d", len(claimed))
	}
	if claimed[0].ID != a1.ID || claimed[1].ID != b1.ID {
		t.Fatalf("expected a1 then b1, got %s, %s", claimed[0].ID, claimed[1].ID)
	}

	// While v1 of A is processing, no later version of A is offered,
	// not even to a different worker.
	claimed, err = repo.ClaimWithOrdering(ctx, 10, "w2")
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected nothing while A v1 is in flight, got %d", len(claimed))
	}

	// Completing v1 unblocks v2.
	if _, err := repo.MarkProcessed(ctx, []string{a1.ID}, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	claimed, err = repo.ClaimWithOrdering(ctx, 10, "w2")
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != a2.ID {
		t.Fatalf("expected A v2 after v1 completed, got %d", len(claimed))
	}
}

// TestClaim_NoDoubleClaim runs concurrent claimers against one store and
// verifies the claimed sets are disjoint and do not exceed the available
// pending entries.
func TestClaim_NoDoubleClaim(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	const total = 60
	for i := 0; i < total; i++ {
		e := newEntry(t, fmt.Sprintf("acme:agg-%d", i), "event")
		insertAt(t, repo, e, base.Add(time.Duration(i)*time.Millisecond))
	}

	const claimers = 8
	results := make([][]*domain.Entry, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				results[i], err = repo.Claim(ctx, 10, nil, fmt.Sprintf("w%d", i))
			} else {
				results[i], err = repo.ClaimByPriority(ctx, 10, fmt.Sprintf("w%d", i))
			}
			if err != nil {
				t.Errorf("claimer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	claimedTotal := 0
	for _, batch := range results {
		for _, e := range batch {
			seen[e.ID]++
			claimedTotal++
		}
	}
	for id, n := range seen {
		if n > 1 {
			t.Fatalf("entry %s claimed %d times", id, n)
		}
	}
	if claimedTotal > total {
		t.Fatalf("claimed %d entries but only %d existed", claimedTotal, total)
	}
}

func TestMarkProcessed_Idempotent(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()

	e := newEntry(t, "acme:a", "event")
	if err := repo.Insert(ctx, e); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Claim(ctx, 1, nil, "w1"); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	count, err := repo.MarkProcessed(ctx, []string{e.ID, "no-such-id"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 transition, got %d", count)
	}

	// Second call is a no-op, not an error.
	count, err = repo.MarkProcessed(ctx, []string{e.ID}, now)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected 0 transitions on repeat, got %d", count)
	}
}

func TestMarkFailed(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()

	e := newEntry(t, "acme:a", "event")
	if err := repo.Insert(ctx, e); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Claim(ctx, 1, nil, "w1"); err != nil {
		t.Fatal(err)
	}

	failed, err := repo.MarkFailed(ctx, e.ID, "sink timeout")
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != domain.StatusFailed || failed.RetryCount != 1 {
		t.Fatalf("unexpected state after failure: %s retry=%d", failed.Status, failed.RetryCount)
	}
	if failed.FailureReason == nil || *failed.FailureReason != "sink timeout" {
		t.Fatal("expected failure reason to be recorded")
	}

	if _, err := repo.MarkFailed(ctx, "no-such-id", "x"); err != domain.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetToPending_RetryBudget(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()

	e := newEntry(t, "acme:a", "event")
	e.RetryCount = domain.MaxRetryCount - 1
	e.Status = domain.StatusFailed
	if err := repo.Insert(ctx, e); err != nil {
		t.Fatal(err)
	}

	reset, err := repo.ResetToPending(ctx, e.ID)
	if err != nil {
		t.Fatalf("expected reset one below budget to succeed, got %v", err)
	}
	if reset.Status != domain.StatusPending {
		t.Fatalf("expected status=pending, got %s", reset.Status)
	}

	exhausted := newEntry(t, "acme:b", "event")
	exhausted.RetryCount = domain.MaxRetryCount
	exhausted.Status = domain.StatusFailed
	if err := repo.Insert(ctx, exhausted); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.ResetToPending(ctx, exhausted.ID); err != domain.ErrRetryExhausted {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
}

func TestResetToPending_ProcessedIsTerminal(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()

	e := newEntry(t, "acme:a", "event")
	if err := repo.Insert(ctx, e); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Claim(ctx, 1, nil, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.MarkProcessed(ctx, []string{e.ID}, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	got, err := repo.ResetToPending(ctx, e.ID)
	if err != nil {
		t.Fatalf("expected no-op reset of a processed entry, got %v", err)
	}
	if got.Status != domain.StatusProcessed {
		t.Fatalf("expected entry to stay processed, got %s", got.Status)
	}

	// The terminal entry must not have re-entered the claimable set.
	claimed, err := repo.Claim(ctx, 10, nil, "w2")
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected nothing claimable, got %d", len(claimed))
	}
}

func TestReleaseExpiredClaims_Idempotent(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()

	fresh := newEntry(t, "acme:fresh", "event")
	expired := newEntry(t, "acme:expired", "event")
	exhausted := newEntry(t, "acme:exhausted", "event")
	exhausted.RetryCount = domain.MaxRetryCount
	for _, e := range []*domain.Entry{fresh, expired, exhausted} {
		if err := repo.Insert(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := repo.Claim(ctx, 3, nil, "w1"); err != nil {
		t.Fatal(err)
	}

	// Age the claims of two entries past the timeout.
	old := time.Now().UTC().Add(-time.Minute)
	repo.BackdateClaim(expired.ID, old)
	repo.BackdateClaim(exhausted.ID, old)

	released, err := repo.ReleaseExpiredClaims(ctx, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if released != 1 {
		t.Fatalf("expected 1 release (exhausted entry stays processing), got %d", released)
	}

	got, err := repo.FindByID(ctx, expired.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending || got.RetryCount != 1 {
		t.Fatalf("expected pending with retry=1, got %s retry=%d", got.Status, got.RetryCount)
	}
	if got.ClaimedAt != nil || got.ClaimedBy != nil {
		t.Fatal("expected claim attribution to be cleared")
	}

	// The exhausted entry is left in processing for the operator surface.
	got, err = repo.FindByID(ctx, exhausted.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusProcessing {
		t.Fatalf("expected exhausted entry to stay processing, got %s", got.Status)
	}

	// Second sweep with no elapsed time releases nothing further.
	released, err = repo.ReleaseExpiredClaims(ctx, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if released != 0 {
		t.Fatalf("expected idempotent second sweep, released %d", released)
	}
}

func TestDLQ_RoundTrip(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()

	e := newEntry(t, "acme:doomed", "event")
	e.Status = domain.StatusFailed
	e.RetryCount = 6
	reason := "sink exploded"
	e.FailureReason = &reason
	if err := repo.Insert(ctx, e); err != nil {
		t.Fatal(err)
	}

	moved, err := repo.MoveToDLQ(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 moved, got %d", moved)
	}

	// Gone from the primary table, present in the DLQ.
	if _, err := repo.FindByID(ctx, e.ID); err != domain.ErrNotFound {
		t.Fatalf("expected ErrNotFound on primary table, got %v", err)
	}
	dlq, err := repo.FindDLQ(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dlq) != 1 || dlq[0].ID != e.ID {
		t.Fatalf("expected entry in dlq, got %d entries", len(dlq))
	}
	if dlq[0].FailureReason == nil || *dlq[0].FailureReason != reason {
		t.Fatal("expected failure reason to be preserved across the move")
	}

	ok, err := repo.ReplayFromDLQ(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected replay to report true")
	}

	replayed, err := repo.FindByID(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if replayed.Status != domain.StatusPending || replayed.RetryCount != 0 {
		t.Fatalf("expected pending with retry=0, got %s retry=%d", replayed.Status, replayed.RetryCount)
	}
	if replayed.FailureReason != nil {
		t.Fatal("expected failure reason to be cleared on replay")
	}

	// Replaying a missing id is an expected non-event.
	ok, err = repo.ReplayFromDLQ(ctx, "no-such-id")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected replay of unknown id to report false")
	}
}

func TestReplayFromDLQ_KeyCollision(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()

	doomed := newEntry(t, "acme:order-1", "slice.recomputed")
	doomed.Status = domain.StatusFailed
	doomed.RetryCount = 6
	if err := repo.Insert(ctx, doomed); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.MoveToDLQ(ctx, 5); err != nil {
		t.Fatal(err)
	}

	// The same logical event is enqueued again while the old one sits in the
	// dead-letter table.
	fresh := newEntry(t, "acme:order-1", "slice.recomputed")
	if err := repo.Insert(ctx, fresh); err != nil {
		t.Fatalf("insert after dead-letter move: %v", err)
	}

	ok, err := repo.ReplayFromDLQ(ctx, doomed.ID)
	if err != domain.ErrIdempotencyViolation {
		t.Fatalf("expected ErrIdempotencyViolation, got %v", err)
	}
	if ok {
		t.Fatal("expected replay to report false on collision")
	}

	// The dead-lettered entry must still be replayable once the collision is
	// gone.
	dlq, err := repo.FindDLQ(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dlq) != 1 || dlq[0].ID != doomed.ID {
		t.Fatalf("expected entry to remain dead-lettered, got %d entries", len(dlq))
	}
}

func TestMoveToDLQ_RespectsThreshold(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()

	atBudget := newEntry(t, "acme:a", "event")
	atBudget.Status = domain.StatusFailed
	atBudget.RetryCount = 5
	over := newEntry(t, "acme:b", "event")
	over.Status = domain.StatusFailed
	over.RetryCount = 6
	for _, e := range []*domain.Entry{atBudget, over} {
		if err := repo.Insert(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	moved, err := repo.MoveToDLQ(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if moved != 1 {
		t.Fatalf("expected only the over-budget entry to move, got %d", moved)
	}
	if _, err := repo.FindByID(ctx, atBudget.ID); err != nil {
		t.Fatalf("entry at the threshold must stay, got %v", err)
	}
}

func TestStatsAndStale(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()

	base := time.Now().UTC()
	claimed := newEntry(t, "acme:b", "event")
	pending := newEntry(t, "acme:a", "event")
	insertAt(t, repo, claimed, base)
	insertAt(t, repo, pending, base.Add(time.Second))

	filter := domain.AggregateSlice
	if _, err := repo.Claim(ctx, 1, &filter, "w1"); err != nil {
		t.Fatal(err)
	}
	// The claim took the older entry; age its claim so it shows up as stale.
	repo.BackdateClaim(claimed.ID, base.Add(-time.Hour))

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.CountsByStatus[domain.StatusPending] != 1 {
		t.Fatalf("expected 1 pending, got %d", stats.CountsByStatus[domain.StatusPending])
	}
	if stats.CountsByStatus[domain.StatusProcessing] != 1 {
		t.Fatalf("expected 1 processing, got %d", stats.CountsByStatus[domain.StatusProcessing])
	}
	if stats.CountsByType[domain.StatusPending][domain.AggregateSlice] != 1 {
		t.Fatal("expected per-type pending count of 1")
	}
	if stats.OldestCreated == nil || stats.NewestCreated == nil {
		t.Fatal("expected created-at bounds to be populated")
	}

	stale, err := repo.FindStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale processing entry, got %d", len(stale))
	}
}
