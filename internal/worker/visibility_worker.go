package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/viewmill/outbox-queue/internal/repository"
)

// VisibilityWorker periodically releases claims older than the visibility
// timeout back to pending. This is the sole recovery path for workers that
// crashed or hung mid-delivery: no cooperative cancellation exists, the
// abandoned claim simply ages out.
//
// Entries whose retry budget is already spent are left in processing rather
// than resurrected; they surface through the stale-entries listing and are
// handled by an operator.
type VisibilityWorker struct {
	repo       repository.QueueRepository
	timeout    time.Duration
	interval   time.Duration
	logger     *zap.Logger
	onReleased func(count int)
}

func NewVisibilityWorker(
	repo repository.QueueRepository,
	timeout, interval time.Duration,
	logger *zap.Logger,
	onReleased func(int),
) *VisibilityWorker {
	if onReleased == nil {
		onReleased = func(int) {}
	}
	return &VisibilityWorker{
		repo: repo, timeout: timeout, interval: interval,
		logger: logger, onReleased: onReleased,
	}
}

// Run ticks every interval until ctx is cancelled. The sweep is idempotent
// and safe to run concurrently with claims: a row either still qualifies or
// the conditional update no-ops.
func (vw *VisibilityWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(vw.interval)
	defer ticker.Stop()

	vw.logger.Info("visibility worker started",
		zap.Duration("timeout", vw.timeout),
		zap.Duration("interval", vw.interval),
	)

	for {
		select {
		case <-ctx.Done():
			vw.logger.Info("visibility worker stopping")
			return
		case <-ticker.C:
			released, err := vw.repo.ReleaseExpiredClaims(ctx, vw.timeout)
			if err != nil {
				vw.logger.Error("visibility sweep error", zap.Error(err))
				continue
			}
			if released > 0 {
				vw.onReleased(released)
				vw.logger.Info("released expired claims", zap.Int("count", released))
			}
		}
	}
}
