package sink

import (
	"context"

	"github.com/viewmill/outbox-queue/internal/domain"
)

// Sink is the downstream effect invoked for every claimed entry: a search
// index update, a cache invalidation, an external system push. The queue
// treats it as opaque; a non-nil error marks the entry failed and spends one
// retry.
type Sink interface {
	Deliver(ctx context.Context, e *domain.Entry) error
}

// Func adapts a plain function to the Sink interface.
type Func func(ctx context.Context, e *domain.Entry) error

func (f Func) Deliver(ctx context.Context, e *domain.Entry) error {
	return f(ctx, e)
}
