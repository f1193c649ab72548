package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/lodgeworks/dispatchq/internal/domain"
	"github.com/lodgeworks/dispatchq/internal/store"
)

// DefaultBackoff is the retry delay sequence, indexed by retry count and
// clamped to the last entry.
var DefaultBackoff = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	1800 * time.Second,
	3600 * time.Second,
	7200 * time.Second,
}

const (
	// backoffJitter is the multiplicative jitter applied to every delay so
	// that a burst of simultaneous failures does not retry in lockstep.
	backoffJitter = 0.2

	// backoffFloor is the minimum delay after jitter.
	backoffFloor = 60 * time.Second
)

// ExhaustedHook is invoked after an item transitions to its terminal failed
// state. Best-effort: errors are logged, never propagated, and the hook is
// suppressed for admin-notification items so a failing alert cannot spawn
// an endless chain of alerts about itself.
type ExhaustedHook func(ctx context.Context, item *domain.QueueItem)

// RetryScheduler computes retry times and drives the failure-side state
// transitions: back to pending with a delay while retries remain, terminal
// failed once the budget is spent.
type RetryScheduler struct {
	store       store.Store
	backoff     []time.Duration
	logger      *zap.Logger
	onExhausted ExhaustedHook
}

func NewRetryScheduler(st store.Store, backoff []time.Duration, logger *zap.Logger, onExhausted ExhaustedHook) *RetryScheduler {
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	return &RetryScheduler{
		store:       st,
		backoff:     backoff,
		logger:      logger,
		onExhausted: onExhausted,
	}
}

// Delay returns the jittered backoff for the given retry count.
func (rs *RetryScheduler) Delay(retryCount int) time.Duration {
	idx := retryCount
	if idx >= len(rs.backoff) {
		idx = len(rs.backoff) - 1
	}
	base := rs.backoff[idx]

	// ±20% multiplicative jitter.
	factor := 1 + (rand.Float64()*2-1)*backoffJitter //nolint:gosec // jitter intentionally uses non-crypto rand
	d := time.Duration(float64(base) * factor)
	if d < backoffFloor {
		d = backoffFloor
	}
	return d
}

// InitialDelay is the delay applied to a freshly enqueued item: the first
// backoff step with jitter.
func (rs *RetryScheduler) InitialDelay() time.Duration {
	return rs.Delay(0)
}

// ScheduleRetry records a failed attempt for a claimed item. The retry count
// is incremented; when it reaches the item's budget the item becomes
// terminally failed and the exhausted hook fires.
func (rs *RetryScheduler) ScheduleRetry(ctx context.Context, item *domain.QueueItem, sendErr error) error {
	retryCount := item.RetryCount + 1
	errMsg := sanitizeError(sendErr)

	if retryCount >= item.MaxRetries {
		if err := rs.store.MarkFailed(ctx, item.ID, retryCount, errMsg); err != nil {
			return fmt.Errorf("mark item %s failed: %w", item.ID, err)
		}
		rs.logger.Warn("item permanently failed, retries exhausted",
			zap.String("id", item.ID),
			zap.String("kind", string(item.Kind)),
			zap.Int("retry_count", retryCount),
			zap.String("error", errMsg),
		)
		rs.notifyExhausted(ctx, item, retryCount, errMsg)
		return nil
	}

	nextRetryAt := time.Now().UTC().Add(rs.Delay(item.RetryCount))
	if err := rs.store.ScheduleRetry(ctx, item.ID, retryCount, nextRetryAt, errMsg); err != nil {
		return fmt.Errorf("schedule retry for item %s: %w", item.ID, err)
	}

	rs.logger.Info("retry scheduled",
		zap.String("id", item.ID),
		zap.Int("retry_count", retryCount),
		zap.Time("next_retry_at", nextRetryAt),
	)
	return nil
}

// MarkSent is the terminal success transition.
func (rs *RetryScheduler) MarkSent(ctx context.Context, id string) error {
	if err := rs.store.MarkSent(ctx, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark item %s sent: %w", id, err)
	}
	return nil
}

func (rs *RetryScheduler) notifyExhausted(ctx context.Context, item *domain.QueueItem, retryCount int, errMsg string) {
	if rs.onExhausted == nil {
		return
	}
	if item.Kind == domain.KindNotifyAdmin {
		// An alert about a failing alert would loop forever.
		return
	}
	failed := *item
	failed.Status = domain.StatusFailed
	failed.RetryCount = retryCount
	failed.ErrorMessage = &errMsg
	rs.onExhausted(ctx, &failed)
}

// sanitizeError produces the stored failure reason: single line, bounded.
func sanitizeError(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	const maxLen = 512
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	for i, r := range msg {
		if r == '\n' || r == '\r' {
			return msg[:i]
		}
	}
	return msg
}
