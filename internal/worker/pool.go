package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/viewmill/outbox-queue/internal/config"
	"github.com/viewmill/outbox-queue/internal/domain"
	"github.com/viewmill/outbox-queue/internal/ratelimiter"
	"github.com/viewmill/outbox-queue/internal/repository"
	"github.com/viewmill/outbox-queue/internal/sink"
)

// MetricHooks carries the metric callback functions injected by main.
// Using a struct keeps the pool constructor signature clean.
type MetricHooks struct {
	OnClaimed   func(mode ClaimMode, count int)
	OnProcessed func(t domain.AggregateType, latency time.Duration)
	OnFailed    func(t domain.AggregateType)
}

// Pool manages one dispatcher and the workers consuming from it. The claim
// attribution (claimedBy) for every entry claimed by this process is the
// pool's worker ID, one UUID per process start.
type Pool struct {
	dispatcher *Dispatcher
	workers    []*Worker
	wg         sync.WaitGroup
}

// NewPool wires the dispatcher and cfg.Workers identical workers. All
// workers share the dispatcher's bounded channel; which worker handles which
// entry is irrelevant because completion is reported by entry id.
func NewPool(
	cfg *config.Config,
	repo repository.QueueRepository,
	snk sink.Sink,
	limiter *ratelimiter.TypeLimiters,
	logger *zap.Logger,
	hooks MetricHooks,
) (*Pool, error) {
	mode, err := ParseClaimMode(cfg.ClaimMode)
	if err != nil {
		return nil, err
	}

	workerID := uuid.New().String()
	dispatcher := NewDispatcher(
		repo, mode, nil,
		cfg.ClaimBatchSize, cfg.PollInterval,
		workerID, cfg.DispatchBuffer,
		logger.With(zap.String("claimed_by", workerID)),
		hooks.OnClaimed,
	)

	workers := make([]*Worker, cfg.Workers)
	for i := range workers {
		workers[i] = NewWorker(
			i, dispatcher.Entries(), repo, snk, limiter,
			logger.With(zap.Int("worker_id", i)),
			hooks.OnProcessed,
			hooks.OnFailed,
		)
	}

	return &Pool{dispatcher: dispatcher, workers: workers}, nil
}

// Start launches the dispatcher and all workers as goroutines. Cancelling
// ctx stops the dispatcher, which closes the channel, which drains and stops
// the workers.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.dispatcher.Run(ctx)
	}()

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every goroutine has returned after ctx is cancelled.
// Call this after cancelling the context so in-flight deliveries finish.
func (p *Pool) Wait() {
	p.wg.Wait()
}
