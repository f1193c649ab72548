package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lodgeworks/dispatchq/internal/broadcast"
	"github.com/lodgeworks/dispatchq/internal/domain"
	"github.com/lodgeworks/dispatchq/internal/store"
)

// DefaultMaxRetries applies when the producer does not supply a retry budget.
const DefaultMaxRetries = 3

// DefaultDedupWindow is the span within which a repeated enqueue with the
// same identity is treated as a no-op.
const DefaultDedupWindow = 10 * time.Minute

// EnqueuerConfig tunes validation and duplicate suppression.
type EnqueuerConfig struct {
	MaxPayloadBytes int
	DedupWindow     time.Duration

	// RequireDiscriminator disables the legacy rule under which two
	// status-change items with no discriminator on either side count as
	// duplicates. When set, status-change items only dedup on matching
	// non-empty discriminators.
	RequireDiscriminator bool
}

func (c *EnqueuerConfig) withDefaults() EnqueuerConfig {
	out := *c
	if out.MaxPayloadBytes <= 0 {
		out.MaxPayloadBytes = domain.MaxPayloadBytes
	}
	if out.DedupWindow <= 0 {
		out.DedupWindow = DefaultDedupWindow
	}
	return out
}

// Enqueuer validates and inserts queue items, suppressing duplicates.
// Returning the existing item for a repeated enqueue is the system's
// idempotency boundary: producers may safely re-invoke after a partial
// failure.
type Enqueuer struct {
	store   store.Store
	retry   *RetryScheduler
	bcast   broadcast.Broadcaster
	cfg     EnqueuerConfig
	logger  *zap.Logger
	onDedup func() // metrics hook, optional
}

func NewEnqueuer(
	st store.Store,
	retry *RetryScheduler,
	bcast broadcast.Broadcaster,
	cfg EnqueuerConfig,
	logger *zap.Logger,
	onDedup func(),
) *Enqueuer {
	if bcast == nil {
		bcast = broadcast.Nop{}
	}
	if onDedup == nil {
		onDedup = func() {}
	}
	return &Enqueuer{
		store:   st,
		retry:   retry,
		bcast:   bcast,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		onDedup: onDedup,
	}
}

// Enqueue validates the request, reuses a semantically equivalent existing
// item when one is found inside the dedup window, and otherwise inserts a
// new pending item. The returned bool is true when an existing item was
// reused.
func (e *Enqueuer) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.QueueItem, bool, error) {
	if err := req.Validate(e.cfg.MaxPayloadBytes); err != nil {
		return nil, false, err
	}

	if existing, err := e.findDuplicate(ctx, req); err != nil {
		return nil, false, fmt.Errorf("dedup lookup: %w", err)
	} else if existing != nil {
		e.onDedup()
		e.logger.Debug("enqueue suppressed as duplicate",
			zap.String("existing_id", existing.ID),
			zap.String("kind", string(req.Kind)),
			zap.String("business_key", req.Metadata.BusinessKey()),
		)
		return existing, true, nil
	}

	item := e.buildItem(req)
	if err := e.store.Insert(ctx, item); err != nil {
		return nil, false, fmt.Errorf("persist queue item: %w", err)
	}

	// Best-effort: a broadcast failure must never fail the enqueue.
	e.bcast.Notify(ctx, broadcast.EventEnqueued, item)

	return item, false, nil
}

// findDuplicate applies the dedup policy: same kind and target inside the
// window with a matching business key, still pending or processing. For
// status-change items the discriminator (target status) must also agree:
// two different target statuses for the same business key are distinct
// deliveries.
func (e *Enqueuer) findDuplicate(ctx context.Context, req domain.EnqueueRequest) (*domain.QueueItem, error) {
	if req.SkipDedup {
		return nil, nil
	}
	businessKey := req.Metadata.BusinessKey()
	if businessKey == "" {
		return nil, nil
	}

	since := time.Now().UTC().Add(-e.cfg.DedupWindow)
	candidates, err := e.store.FindDedupCandidates(ctx, req.Kind, req.Target, since)
	if err != nil {
		return nil, err
	}

	for _, cand := range candidates {
		if cand.Metadata.BusinessKey() != businessKey {
			continue
		}
		if req.Kind == domain.KindStatusChange && !e.discriminatorsMatch(req.Metadata.Discriminator(), cand.Metadata.Discriminator()) {
			continue
		}
		return cand, nil
	}
	return nil, nil
}

func (e *Enqueuer) discriminatorsMatch(a, b string) bool {
	if a == "" && b == "" {
		// Legacy rule: two status-change items with no discriminator on
		// either side dedup against each other.
		return !e.cfg.RequireDiscriminator
	}
	return a == b
}

func (e *Enqueuer) buildItem(req domain.EnqueueRequest) *domain.QueueItem {
	now := time.Now().UTC()

	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	maxRetries := DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	// New items carry an initial delay from the first backoff step unless
	// the producer asked for a specific time.
	nextRetryAt := now.Add(e.retry.InitialDelay())
	if req.ScheduledAt != nil {
		nextRetryAt = req.ScheduledAt.UTC()
	}

	return &domain.QueueItem{
		ID:          uuid.New().String(),
		Kind:        req.Kind,
		Target:      req.Target,
		Payload:     req.Payload,
		Metadata:    req.Metadata,
		Priority:    priority,
		Status:      domain.StatusPending,
		RetryCount:  0,
		MaxRetries:  maxRetries,
		NextRetryAt: &nextRetryAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
