// Package broadcast defines the optional event fan-out consumed by
// dashboards. Every call is fire-and-forget: implementations must never
// return queue-state-affecting errors, and callers never check one.
package broadcast

import (
	"context"

	"go.uber.org/zap"

	"github.com/lodgeworks/dispatchq/internal/domain"
)

// EventKind labels the lifecycle event being broadcast.
type EventKind string

const (
	EventEnqueued  EventKind = "enqueued"
	EventSent      EventKind = "sent"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// Broadcaster pushes queue lifecycle events to external consumers.
// Injected where needed with Nop as the default.
type Broadcaster interface {
	Notify(ctx context.Context, kind EventKind, item *domain.QueueItem)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, EventKind, *domain.QueueItem) {}

// Logger writes events to the structured log. Used in development and as a
// stand-in until a real-time transport is wired up.
type Logger struct {
	Log *zap.Logger
}

func (l Logger) Notify(_ context.Context, kind EventKind, item *domain.QueueItem) {
	l.Log.Debug("queue event",
		zap.String("event", string(kind)),
		zap.String("id", item.ID),
		zap.String("kind", string(item.Kind)),
		zap.String("status", string(item.Status)),
	)
}

var (
	_ Broadcaster = Nop{}
	_ Broadcaster = Logger{}
)
