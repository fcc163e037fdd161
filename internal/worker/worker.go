package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/viewmill/outbox-queue/internal/domain"
	"github.com/viewmill/outbox-queue/internal/ratelimiter"
	"github.com/viewmill/outbox-queue/internal/repository"
	"github.com/viewmill/outbox-queue/internal/sink"
)

// Worker is a single goroutine that consumes claimed entries off the
// dispatcher channel, applies per-type rate limiting, invokes the sink, and
// reports the outcome back to the store. It holds no locks of its own: all
// claim safety lives in the repository's conditional writes.
type Worker struct {
	id      int
	entries <-chan *domain.Entry
	repo    repository.QueueRepository
	snk     sink.Sink
	limiter *ratelimiter.TypeLimiters
	logger  *zap.Logger

	// Hooks for metrics, injected by the pool so the worker stays metrics-agnostic.
	onProcessed func(t domain.AggregateType, latency time.Duration)
	onFailed    func(t domain.AggregateType)
}

// NewWorker constructs a worker. onProcessed and onFailed are optional (nil = no-op).
func NewWorker(
	id int,
	entries <-chan *domain.Entry,
	repo repository.QueueRepository,
	snk sink.Sink,
	limiter *ratelimiter.TypeLimiters,
	logger *zap.Logger,
	onProcessed func(domain.AggregateType, time.Duration),
	onFailed func(domain.AggregateType),
) *Worker {
	if onProcessed == nil {
		onProcessed = func(domain.AggregateType, time.Duration) {}
	}
	if onFailed == nil {
		onFailed = func(domain.AggregateType) {}
	}
	return &Worker{
		id: id, entries: entries, repo: repo, snk: snk,
		limiter: limiter, logger: logger,
		onProcessed: onProcessed, onFailed: onFailed,
	}
}

// Run blocks until the dispatcher channel closes, processing one entry per
// iteration.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", zap.Int("id", w.id))
	for e := range w.entries {
		w.process(ctx, e)
	}
	w.logger.Info("worker stopping", zap.Int("id", w.id))
}

func (w *Worker) process(ctx context.Context, e *domain.Entry) {
	start := time.Now()
	log := w.logger.With(
		zap.String("entry_id", e.ID),
		zap.String("aggregate_id", e.AggregateID),
		zap.String("event_type", e.EventType),
	)

	// Block here until the per-type rate limiter grants a token.
	if err := w.limiter.Wait(ctx, e.AggregateType); err != nil {
		// ctx cancelled while waiting; the claim ages out and the
		// visibility sweep returns the entry to pending.
		return
	}

	err := w.snk.Deliver(ctx, e)
	elapsed := time.Since(start)

	if err != nil {
		log.Warn("sink delivery failed",
			zap.Error(err),
			zap.Int("retry_count", e.RetryCount),
		)
		if _, markErr := w.repo.MarkFailed(ctx, e.ID, err.Error()); markErr != nil {
			log.Error("failed to mark entry as failed", zap.Error(markErr))
		}
		w.onFailed(e.AggregateType)
		return
	}

	if _, err := w.repo.MarkProcessed(ctx, []string{e.ID}, time.Now().UTC()); err != nil {
		log.Error("failed to mark entry as processed", zap.Error(err))
		return
	}

	w.onProcessed(e.AggregateType, elapsed)
	log.Debug("entry processed", zap.Duration("latency", elapsed))
}
