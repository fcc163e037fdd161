package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/viewmill/outbox-queue/internal/domain"
	"github.com/viewmill/outbox-queue/internal/repository"
)

// ClaimMode selects which claim strategy the dispatcher polls with.
type ClaimMode string

const (
	ClaimFIFO     ClaimMode = "fifo"
	ClaimPriority ClaimMode = "priority"
	ClaimOrdered  ClaimMode = "ordered"
)

// ParseClaimMode validates a configured mode string.
func ParseClaimMode(s string) (ClaimMode, error) {
	switch ClaimMode(s) {
	case ClaimFIFO, ClaimPriority, ClaimOrdered:
		return ClaimMode(s), nil
	}
	return "", fmt.Errorf("unknown claim mode %q", s)
}

// Dispatcher is the single goroutine that claims batches from the store and
// hands them to the workers over a bounded channel. Claiming and handler
// execution are decoupled on purpose: the claim is short and store-bound,
// delivery may block on the sink, and the channel's capacity is the only
// in-process buffering between the two.
//
// A dispatcher stalled by a full channel is harmless: the claimed entries it
// holds are already attributed to this process and covered by the visibility
// timeout should it die.
type Dispatcher struct {
	repo       repository.QueueRepository
	mode       ClaimMode
	typeFilter *domain.AggregateType
	batchSize  int
	interval   time.Duration
	workerID   string
	out        chan *domain.Entry
	logger     *zap.Logger
	onClaimed  func(mode ClaimMode, count int)
}

func NewDispatcher(
	repo repository.QueueRepository,
	mode ClaimMode,
	typeFilter *domain.AggregateType,
	batchSize int,
	interval time.Duration,
	workerID string,
	buffer int,
	logger *zap.Logger,
	onClaimed func(ClaimMode, int),
) *Dispatcher {
	if onClaimed == nil {
		onClaimed = func(ClaimMode, int) {}
	}
	return &Dispatcher{
		repo:       repo,
		mode:       mode,
		typeFilter: typeFilter,
		batchSize:  batchSize,
		interval:   interval,
		workerID:   workerID,
		out:        make(chan *domain.Entry, buffer),
		logger:     logger,
		onClaimed:  onClaimed,
	}
}

// Entries is the channel workers consume from. Closed when Run returns.
func (d *Dispatcher) Entries() <-chan *domain.Entry {
	return d.out
}

// Run polls the claim strategy until ctx is cancelled. A full batch triggers
// an immediate re-poll so a backlog drains at channel speed instead of
// ticker speed.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.out)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		zap.String("mode", string(d.mode)),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
		}

		for {
			n, err := d.poll(ctx)
			if err != nil {
				d.logger.Error("claim poll error", zap.Error(err))
				break
			}
			// Re-check the context between re-polls: a full batch claimed
			// after shutdown would only be abandoned to the visibility sweep.
			if n < d.batchSize || ctx.Err() != nil {
				break
			}
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) (int, error) {
	var (
		claimed []*domain.Entry
		err     error
	)
	switch d.mode {
	case ClaimPriority:
		claimed, err = d.repo.ClaimByPriority(ctx, d.batchSize, d.workerID)
	case ClaimOrdered:
		claimed, err = d.repo.ClaimWithOrdering(ctx, d.batchSize, d.workerID)
	default:
		claimed, err = d.repo.Claim(ctx, d.batchSize, d.typeFilter, d.workerID)
	}
	if err != nil {
		return 0, err
	}
	if len(claimed) > 0 {
		d.onClaimed(d.mode, len(claimed))
	}

	for _, e := range claimed {
		select {
		case d.out <- e:
		case <-ctx.Done():
			// Undelivered claims are reclaimed by the visibility timeout.
			return len(claimed), nil
		}
	}
	return len(claimed), nil
}
