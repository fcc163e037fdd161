package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/viewmill/outbox-queue/internal/domain"
	"github.com/viewmill/outbox-queue/internal/repository"
)

func TestVisibilityWorkerReleasesExpiredClaims(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()

	e := mustEntry(t, "acme:view-1", "view.updated")
	if err := repo.Insert(ctx, e); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	claimed, err := repo.Claim(ctx, 1, nil, "crashed-worker")
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim = %d entries, err %v", len(claimed), err)
	}
	repo.BackdateClaim(e.ID, time.Now().UTC().Add(-time.Hour))

	var released atomic.Int64
	w := NewVisibilityWorker(repo, 30*time.Second, 5*time.Millisecond, zap.NewNop(),
		func(n int) { released.Add(int64(n)) })

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Run(runCtx)

	waitFor(t, 2*time.Second, func() bool {
		got, err := repo.FindByID(ctx, e.ID)
		return err == nil && got.Status == domain.StatusPending
	})

	got, err := repo.FindByID(ctx, e.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", got.RetryCount)
	}
	if got.ClaimedAt != nil || got.ClaimedBy != nil {
		t.Fatal("released entry should have its claim cleared")
	}
	if released.Load() != 1 {
		t.Fatalf("released hook = %d, want 1", released.Load())
	}
}

func TestDLQWorkerMovesExhaustedEntries(t *testing.T) {
	repo := repository.NewMemQueueRepository()
	ctx := context.Background()

	e := mustEntry(t, "acme:view-1", "view.updated")
	e.RetryCount = domain.MaxRetryCount
	if err := repo.Insert(ctx, e); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := repo.Claim(ctx, 1, nil, "worker-a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	// Spends the final retry, leaving the entry past the dead-letter threshold.
	if _, err := repo.MarkFailed(ctx, e.ID, "still broken"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	var deadLettered atomic.Int64
	w := NewDLQWorker(repo, domain.MaxRetryCount, 5*time.Millisecond, zap.NewNop(),
		func(n int) { deadLettered.Add(int64(n)) })

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Run(runCtx)

	waitFor(t, 2*time.Second, func() bool {
		entries, err := repo.FindDLQ(ctx, 0)
		return err == nil && len(entries) == 1
	})

	if _, err := repo.FindByID(ctx, e.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("FindByID after dead-letter = %v, want ErrNotFound", err)
	}
	if deadLettered.Load() != 1 {
		t.Fatalf("dead-letter hook = %d, want 1", deadLettered.Load())
	}
}
