package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lodgeworks/dispatchq/internal/store"
)

// DefaultStuckThreshold is how long an item may sit in processing before it
// is presumed abandoned by a crashed worker.
const DefaultStuckThreshold = 10 * time.Minute

// StuckItemReaper is the sole crash-recovery mechanism: it returns items
// stuck in processing past the threshold to pending (retry count unchanged)
// and fails the ones whose retry budget is already spent. The threshold
// bounds worst-case delivery latency after a crash; it does not rule out a
// duplicate send if the dead worker's attempt actually went through.
type StuckItemReaper struct {
	store       store.Store
	threshold   time.Duration
	logger      *zap.Logger
	onReclaimed func(reclaimed, exhausted int) // metrics hook, optional
}

func NewStuckItemReaper(st store.Store, threshold time.Duration, logger *zap.Logger, onReclaimed func(reclaimed, exhausted int)) *StuckItemReaper {
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	if onReclaimed == nil {
		onReclaimed = func(int, int) {}
	}
	return &StuckItemReaper{
		store:       st,
		threshold:   threshold,
		logger:      logger,
		onReclaimed: onReclaimed,
	}
}

// Reap reclaims all stuck items in one conditional sweep and returns how
// many went back to pending.
func (r *StuckItemReaper) Reap(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.threshold)
	reclaimed, exhausted, err := r.store.Reap(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stuck items: %w", err)
	}

	if reclaimed > 0 || exhausted > 0 {
		r.logger.Info("reaped stuck items",
			zap.Int("reclaimed", reclaimed),
			zap.Int("exhausted", exhausted),
			zap.Duration("threshold", r.threshold),
		)
		r.onReclaimed(reclaimed, exhausted)
	}
	return reclaimed, nil
}
