package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/viewmill/outbox-queue/internal/repository"
)

// DLQWorker periodically exiles failed entries that have exceeded the retry
// budget into the dead-letter table, keeping the primary table's cardinality
// small. Replays go through the service's ReplayFromDLQ.
type DLQWorker struct {
	repo          repository.QueueRepository
	maxRetryCount int
	interval      time.Duration
	logger        *zap.Logger
	onDeadLetter  func(count int)
}

func NewDLQWorker(
	repo repository.QueueRepository,
	maxRetryCount int,
	interval time.Duration,
	logger *zap.Logger,
	onDeadLetter func(int),
) *DLQWorker {
	if onDeadLetter == nil {
		onDeadLetter = func(int) {}
	}
	return &DLQWorker{
		repo: repo, maxRetryCount: maxRetryCount, interval: interval,
		logger: logger, onDeadLetter: onDeadLetter,
	}
}

// Run ticks every interval until ctx is cancelled. Reports only counts;
// per-row problems would make the sweep non-idempotent to re-run.
func (dw *DLQWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(dw.interval)
	defer ticker.Stop()

	dw.logger.Info("dlq worker started",
		zap.Int("max_retry_count", dw.maxRetryCount),
		zap.Duration("interval", dw.interval),
	)

	for {
		select {
		case <-ctx.Done():
			dw.logger.Info("dlq worker stopping")
			return
		case <-ticker.C:
			moved, err := dw.repo.MoveToDLQ(ctx, dw.maxRetryCount)
			if err != nil {
				dw.logger.Error("dlq sweep error", zap.Error(err))
				continue
			}
			if moved > 0 {
				dw.onDeadLetter(moved)
				dw.logger.Info("moved entries to dlq", zap.Int("count", moved))
			}
		}
	}
}
