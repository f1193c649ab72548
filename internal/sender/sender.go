package sender

import (
	"context"

	"github.com/lodgeworks/dispatchq/internal/domain"
)

// Sender abstracts the transport that actually delivers a payload. Any
// returned error is treated as a transient delivery failure and routed to
// the retry scheduler; the sender itself never decides retry policy.
// Mocking this interface in tests gives full control over delivery
// behaviour without real network calls.
type Sender interface {
	Send(ctx context.Context, item *domain.QueueItem) error
}

// Func adapts a function to the Sender interface.
type Func func(ctx context.Context, item *domain.QueueItem) error

func (f Func) Send(ctx context.Context, item *domain.QueueItem) error {
	return f(ctx, item)
}
