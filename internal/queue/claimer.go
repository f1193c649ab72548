package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lodgeworks/dispatchq/internal/domain"
	"github.com/lodgeworks/dispatchq/internal/store"
)

// Claimer hands bounded batches of ready items to worker instances. The
// store's conditional batch update guarantees that any item lands in at most
// one worker's result set per trip through pending.
type Claimer struct {
	store  store.Store
	reaper *StuckItemReaper
	logger *zap.Logger
}

func NewClaimer(st store.Store, reaper *StuckItemReaper, logger *zap.Logger) *Claimer {
	return &Claimer{store: st, reaper: reaper, logger: logger}
}

// Claim runs a reaper pass so rows abandoned by a crashed worker become
// eligible again, then atomically claims up to limit ready items for
// ownerID. Candidates lost to a concurrent claimer are silently absent.
func (c *Claimer) Claim(ctx context.Context, ownerID string, limit int) ([]*domain.QueueItem, error) {
	if c.reaper != nil {
		if _, err := c.reaper.Reap(ctx); err != nil {
			// Reaping is a liveness aid, not a claim precondition.
			c.logger.Warn("reaper pass before claim failed", zap.Error(err))
		}
	}

	items, err := c.store.ClaimBatch(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	if len(items) > 0 {
		c.logger.Debug("claimed batch",
			zap.String("owner_id", ownerID),
			zap.Int("count", len(items)),
		)
	}
	return items, nil
}
