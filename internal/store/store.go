package store

import (
	"context"
	"time"

	"github.com/lodgeworks/dispatchq/internal/domain"
)

// Store defines all persistence operations for queue items. It is the single
// source of truth for item state; every state transition goes through a
// conditional write whose WHERE predicate encodes the expected prior state.
// The pgx implementation is in pg_store.go; tests use the in-memory
// implementation (memory_store.go).
type Store interface {
	Insert(ctx context.Context, item *domain.QueueItem) error
	GetByID(ctx context.Context, id string) (*domain.QueueItem, error)

	// FindDedupCandidates returns items of the same kind and target created
	// at or after since whose status is pending or processing. The
	// business-key and discriminator comparison happens in the enqueuer,
	// not here.
	FindDedupCandidates(ctx context.Context, kind domain.Kind, target string, since time.Time) ([]*domain.QueueItem, error)

	// ClaimBatch atomically transfers ownership of up to limit ready items
	// to ownerID. A ready item is pending, past its next_retry_at, and has
	// retries remaining. Critical-priority items are claimed first, then
	// FIFO by creation time. Rows lost to a concurrent claimer are simply
	// absent from the result.
	ClaimBatch(ctx context.Context, ownerID string, limit int) ([]*domain.QueueItem, error)

	// MarkSent is terminal: only a processing item can transition to sent,
	// and a sent item is excluded from every future write predicate.
	MarkSent(ctx context.Context, id string, sentAt time.Time) error

	// ScheduleRetry moves a processing item back to pending with the given
	// retry count and next attempt time. The write is conditional on the
	// item still being processing and on the expected prior retry count.
	ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error

	// MarkFailed is the terminal failure transition (retries exhausted).
	// The final retry count is recorded alongside the last error.
	MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error

	// Release returns a claimed item to pending without touching its retry
	// count or schedule. Used when the dispatcher claims an item but cannot
	// send it this cycle (rate limit reached).
	Release(ctx context.Context, id string) error

	// Cancel conditionally cancels an item still in a cancellable status
	// (pending, failed, or best-effort processing). Returns ErrAlreadySent
	// for sent items; cancelling an already-cancelled item is a no-op.
	Cancel(ctx context.Context, id string) error

	// Reap reclaims processing items whose updated_at is older than
	// olderThan: items with retries remaining go back to pending with a
	// cleared owner and an unchanged retry count, exhausted items go to
	// failed. Returns how many were reclaimed and how many were failed.
	Reap(ctx context.Context, olderThan time.Time) (reclaimed, exhausted int, err error)

	// MarkQuarantined records that the item's stored metadata could not be
	// parsed. The item is still delivered with safe defaults.
	MarkQuarantined(ctx context.Context, id string, note string) error

	Stats(ctx context.Context) (domain.Stats, error)
	Search(ctx context.Context, filter domain.SearchFilter) ([]*domain.QueueItem, error)

	// CountSentInWindow counts items sent at or after windowStart. Consulted
	// by the rate limiter as the fleet-wide shared counter.
	CountSentInWindow(ctx context.Context, windowStart time.Time) (int, error)
}
