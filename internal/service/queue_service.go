package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/viewmill/outbox-queue/internal/domain"
	"github.com/viewmill/outbox-queue/internal/repository"
)

// EnqueueRequest is the producer-facing payload for one event.
type EnqueueRequest struct {
	AggregateType domain.AggregateType `json:"aggregate_type"`
	AggregateID   string               `json:"aggregate_id"`
	EventType     string               `json:"event_type"`
	Payload       []byte               `json:"payload"`
	// Priority is optional; zero or negative means "use the default".
	Priority int `json:"priority,omitempty"`
}

// QueueService coordinates validation and the repository for producers and
// operator tooling. Handlers and workers depend on this service, not on each
// other.
type QueueService struct {
	repo   repository.QueueRepository
	logger *zap.Logger
}

func NewQueueService(repo repository.QueueRepository, logger *zap.Logger) *QueueService {
	return &QueueService{repo: repo, logger: logger}
}

// Enqueue validates and persists a single entry. Construction-time
// validation errors never reach the store; an idempotency collision is
// returned as domain.ErrIdempotencyViolation so producers can treat the
// event as already enqueued.
func (s *QueueService) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.Entry, error) {
	e, err := s.build(req)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Insert(ctx, e); err != nil {
		if errors.Is(err, domain.ErrIdempotencyViolation) {
			return nil, err
		}
		return nil, fmt.Errorf("persist entry: %w", err)
	}
	s.logger.Debug("entry enqueued",
		zap.String("id", e.ID),
		zap.String("aggregate_id", e.AggregateID),
		zap.String("event_type", e.EventType),
	)
	return e, nil
}

// EnqueueBatch persists a batch atomically: any validation error or
// idempotency collision aborts the whole batch with nothing applied, so
// producers can safely retry it wholesale.
func (s *QueueService) EnqueueBatch(ctx context.Context, requests []EnqueueRequest) ([]*domain.Entry, error) {
	if len(requests) == 0 {
		return nil, domain.ErrBatchEmpty
	}

	entries := make([]*domain.Entry, len(requests))
	for i, req := range requests {
		e, err := s.build(req)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		entries[i] = e
	}

	if err := s.repo.InsertAll(ctx, entries); err != nil {
		if errors.Is(err, domain.ErrIdempotencyViolation) {
			return nil, err
		}
		return nil, fmt.Errorf("persist batch: %w", err)
	}
	s.logger.Debug("batch enqueued", zap.Int("count", len(entries)))
	return entries, nil
}

func (s *QueueService) GetByID(ctx context.Context, id string) (*domain.Entry, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *QueueService) ListPending(ctx context.Context, filter domain.ListFilter) ([]*domain.Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if filter.AggregateType != nil {
		return s.repo.FindPendingByType(ctx, *filter.AggregateType, limit)
	}
	return s.repo.FindPending(ctx, limit)
}

func (s *QueueService) ResetToPending(ctx context.Context, id string) (*domain.Entry, error) {
	return s.repo.ResetToPending(ctx, id)
}

func (s *QueueService) Stats(ctx context.Context) (*domain.QueueStats, error) {
	return s.repo.Stats(ctx)
}

func (s *QueueService) ListStale(ctx context.Context, olderThan time.Duration) ([]*domain.Entry, error) {
	return s.repo.FindStale(ctx, olderThan)
}

func (s *QueueService) ListDLQ(ctx context.Context, limit int) ([]*domain.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.FindDLQ(ctx, limit)
}

// ReplayFromDLQ reinserts a dead-lettered entry as pending. The returned
// bool is false when the id is not dead-lettered, which is an expected
// outcome, not an error.
func (s *QueueService) ReplayFromDLQ(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.ReplayFromDLQ(ctx, id)
	if err != nil {
		return false, fmt.Errorf("replay from dlq: %w", err)
	}
	if ok {
		s.logger.Info("entry replayed from dlq", zap.String("id", id))
	}
	return ok, nil
}

func (s *QueueService) build(req EnqueueRequest) (*domain.Entry, error) {
	e, err := domain.NewEntry(req.AggregateType, req.AggregateID, req.EventType, req.Payload)
	if err != nil {
		return nil, err
	}
	if req.Priority > 0 {
		e.Priority = req.Priority
	}
	return e, nil
}
