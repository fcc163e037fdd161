package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/viewmill/outbox-queue/internal/domain"
)

// TypeLimiters holds one token bucket per aggregate type so a burst of slice
// recomputations cannot starve raw-data or changeset deliveries downstream.
// Burst equals the rate, so no capacity is saved up beyond the per-second
// maximum.
type TypeLimiters struct {
	limiters map[domain.AggregateType]*rate.Limiter
}

// New creates a TypeLimiters with ratePerSec tokens per second per type.
func New(ratePerSec int) *TypeLimiters {
	r := rate.Limit(ratePerSec)
	burst := ratePerSec

	return &TypeLimiters{
		limiters: map[domain.AggregateType]*rate.Limiter{
			domain.AggregateRawData:   rate.NewLimiter(r, burst),
			domain.AggregateSlice:     rate.NewLimiter(r, burst),
			domain.AggregateChangeset: rate.NewLimiter(r, burst),
			domain.AggregateView:      rate.NewLimiter(r, burst),
		},
	}
}

// Wait blocks until the type's limiter grants a token. Called by each worker
// immediately before invoking the sink. Returns a non-nil error only if ctx
// is cancelled while waiting.
func (tl *TypeLimiters) Wait(ctx context.Context, t domain.AggregateType) error {
	return tl.limiters[t].Wait(ctx)
}
