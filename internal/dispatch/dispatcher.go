// Package dispatch drives claimed items through the external sender and
// interprets each attempt with an explicit three-valued outcome, so callers
// never infer what happened from boolean-and-error combinations.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lodgeworks/dispatchq/internal/broadcast"
	"github.com/lodgeworks/dispatchq/internal/domain"
	"github.com/lodgeworks/dispatchq/internal/queue"
	"github.com/lodgeworks/dispatchq/internal/ratelimit"
	"github.com/lodgeworks/dispatchq/internal/sender"
	"github.com/lodgeworks/dispatchq/internal/store"
)

// Outcome is the result of one dispatch attempt for one item.
type Outcome int

const (
	// Delivered: the sender accepted the payload and the item is sent.
	Delivered Outcome = iota
	// Queued: the item was not attempted this cycle (rate limit) and went
	// back to pending untouched.
	Queued
	// Failed: the sender rejected the payload; a retry was scheduled or
	// the item became terminally failed.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// CycleResult summarises one dispatch cycle.
type CycleResult struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Queued    int `json:"queued"`
	Failed    int `json:"failed"`
}

// Hooks carries the metric callbacks injected by main, keeping the
// dispatcher metrics-agnostic.
type Hooks struct {
	OnDelivered   func(kind domain.Kind, latency time.Duration)
	OnFailed      func(kind domain.Kind)
	OnRateLimited func()
}

func (h Hooks) withDefaults() Hooks {
	if h.OnDelivered == nil {
		h.OnDelivered = func(domain.Kind, time.Duration) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(domain.Kind) {}
	}
	if h.OnRateLimited == nil {
		h.OnRateLimited = func() {}
	}
	return h
}

// Dispatcher claims a batch and pushes each item through the sender.
// One instance corresponds to one worker identity; any number of instances
// may run concurrently against the same store.
type Dispatcher struct {
	svc     *queue.Service
	store   store.Store
	limiter *ratelimit.Limiter
	sender  sender.Sender
	bcast   broadcast.Broadcaster
	logger  *zap.Logger
	hooks   Hooks

	ownerID   string
	batchSize int

	// blockOnRateLimit selects WaitForToken (long-running worker loop)
	// over TryAcquire-and-release (cron-triggered cycle).
	blockOnRateLimit bool
}

// Config tunes a Dispatcher.
type Config struct {
	BatchSize        int
	BlockOnRateLimit bool
}

func New(
	svc *queue.Service,
	st store.Store,
	limiter *ratelimit.Limiter,
	snd sender.Sender,
	bcast broadcast.Broadcaster,
	logger *zap.Logger,
	hooks Hooks,
	cfg Config,
) *Dispatcher {
	if bcast == nil {
		bcast = broadcast.Nop{}
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 25
	}
	return &Dispatcher{
		svc:              svc,
		store:            st,
		limiter:          limiter,
		sender:           snd,
		bcast:            bcast,
		logger:           logger,
		hooks:            hooks.withDefaults(),
		ownerID:          uuid.New().String(),
		batchSize:        batch,
		blockOnRateLimit: cfg.BlockOnRateLimit,
	}
}

// OwnerID returns this dispatcher's worker identity.
func (d *Dispatcher) OwnerID() string {
	return d.ownerID
}

// RunCycle claims one batch and processes it in claim order. A failure
// inside one item never aborts the rest of the batch.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	items, err := d.svc.Claim(ctx, d.ownerID, d.batchSize)
	if err != nil {
		return CycleResult{}, fmt.Errorf("claim: %w", err)
	}

	result := CycleResult{Claimed: len(items)}
	for _, item := range items {
		if ctx.Err() != nil {
			// Shutting down: put unprocessed claims straight back.
			d.release(item)
			result.Queued++
			continue
		}
		switch d.processOne(ctx, item) {
		case Delivered:
			result.Delivered++
		case Queued:
			result.Queued++
		case Failed:
			result.Failed++
		}
	}
	return result, nil
}

func (d *Dispatcher) processOne(ctx context.Context, item *domain.QueueItem) Outcome {
	log := d.logger.With(
		zap.String("id", item.ID),
		zap.String("kind", string(item.Kind)),
		zap.String("owner_id", d.ownerID),
	)

	// Unreadable metadata is quarantined but the item is still delivered
	// with safe defaults; blocking delivery over a bad correlation map
	// would trade a search annoyance for a lost notification.
	if item.MetadataCorrupt && !item.Quarantined {
		if err := d.store.MarkQuarantined(ctx, item.ID, "stored metadata could not be parsed"); err != nil {
			log.Warn("failed to record quarantine marker", zap.Error(err))
		}
	}

	if outcome, proceed := d.acquireToken(ctx, item, log); !proceed {
		return outcome
	}

	start := time.Now()
	sendErr := d.send(ctx, item)
	latency := time.Since(start)

	if sendErr != nil {
		log.Warn("delivery attempt failed",
			zap.Error(sendErr),
			zap.Int("retry_count", item.RetryCount),
			zap.Int("max_retries", item.MaxRetries),
		)
		if err := d.svc.ScheduleRetry(ctx, item, sendErr); err != nil {
			log.Error("failed to schedule retry", zap.Error(err))
		}
		d.hooks.OnFailed(item.Kind)
		d.bcast.Notify(ctx, broadcast.EventFailed, item)
		return Failed
	}

	if err := d.svc.MarkSent(ctx, item.ID); err != nil {
		// The send went out; losing this write means the reaper will make
		// the item claimable again and a duplicate send is possible.
		// At-least-once is the contract.
		log.Error("failed to mark item sent", zap.Error(err))
		return Failed
	}

	d.hooks.OnDelivered(item.Kind, latency)
	d.bcast.Notify(ctx, broadcast.EventSent, item)
	log.Info("item delivered", zap.Duration("latency", latency))
	return Delivered
}

// acquireToken applies the rate limit gate. The second return value is
// false when the caller should stop with the given outcome.
func (d *Dispatcher) acquireToken(ctx context.Context, item *domain.QueueItem, log *zap.Logger) (Outcome, bool) {
	if d.limiter == nil {
		return Delivered, true
	}

	if d.blockOnRateLimit {
		if err := d.limiter.WaitForToken(ctx); err != nil {
			// ctx cancelled (or the shared counter unreachable): hand the
			// item back untouched.
			d.release(item)
			return Queued, false
		}
		return Delivered, true
	}

	ok, err := d.limiter.TryAcquire(ctx)
	if err != nil {
		log.Warn("rate limit check failed, deferring item", zap.Error(err))
		d.release(item)
		return Queued, false
	}
	if !ok {
		d.hooks.OnRateLimited()
		log.Debug("rate limit reached, deferring item")
		d.release(item)
		return Queued, false
	}
	return Delivered, true
}

// send isolates the sender call so a panicking Sender implementation is
// recorded as a failure for that one item instead of killing the batch.
func (d *Dispatcher) send(ctx context.Context, item *domain.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in sender: %v", r)
		}
	}()
	return d.sender.Send(ctx, item)
}

func (d *Dispatcher) release(item *domain.QueueItem) {
	// Context may already be cancelled; the release write still has to go
	// through or the reaper will pick the item up after the threshold.
	if err := d.store.Release(context.Background(), item.ID); err != nil {
		d.logger.Warn("failed to release claimed item",
			zap.String("id", item.ID), zap.Error(err))
	}
}
