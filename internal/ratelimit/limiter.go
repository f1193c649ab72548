// Package ratelimit bounds fleet-wide send throughput. Worker instances
// share no memory, so a local token bucket alone cannot cap the fleet; a
// second check against the store's sent-count for the current minute window
// turns the bucket into an approximate, self-correcting global limit with
// bounded staleness.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/lodgeworks/dispatchq/internal/store"
)

// DefaultCapacity is the default number of sends permitted per minute.
const DefaultCapacity = 60

// maxWait bounds a single WaitForToken sleep so a caller is never blocked
// indefinitely by clock skew or a stale window count.
const maxWait = 60 * time.Second

// Limiter combines an instance-local token bucket (capacity C, refilling at
// C/60 tokens per second) with the shared sent counter. An acquire succeeds
// only when both agree there is headroom.
type Limiter struct {
	bucket   *rate.Limiter
	store    store.Store
	capacity int
	now      func() time.Time
}

func New(st store.Store, capacity int) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Limiter{
		bucket:   rate.NewLimiter(rate.Limit(float64(capacity)/60.0), capacity),
		store:    st,
		capacity: capacity,
		now:      time.Now,
	}
}

// TryAcquire reports whether a send may proceed right now. The local bucket
// is consulted first because it is cheap; only then is the shared counter
// queried. A token burnt on a failed global check is deliberately not
// refunded; erring on the slow side keeps the fleet under the cap.
func (l *Limiter) TryAcquire(ctx context.Context) (bool, error) {
	if !l.bucket.Allow() {
		return false, nil
	}
	sent, err := l.store.CountSentInWindow(ctx, l.windowStart())
	if err != nil {
		return false, err
	}
	return sent < l.capacity, nil
}

// WaitForToken blocks until an acquire succeeds or ctx is cancelled. Each
// round sleeps the shorter of the local refill wait and the time to the
// next minute boundary, clamped to maxWait, then re-checks both gates.
func (l *Limiter) WaitForToken(ctx context.Context) error {
	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		wait := l.nextAttemptIn()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nextAttemptIn picks the earlier of the two recovery events: a local token
// becoming available, or the shared window rolling over at the next minute
// boundary.
func (l *Limiter) nextAttemptIn() time.Duration {
	now := l.now()

	res := l.bucket.Reserve()
	refill := res.Delay()
	res.Cancel()

	boundary := l.windowStart().Add(time.Minute).Sub(now)

	wait := refill
	if boundary < wait {
		wait = boundary
	}
	if wait <= 0 {
		wait = time.Second
	}
	if wait > maxWait {
		wait = maxWait
	}
	return wait
}

// windowStart floors the current time to the minute, matching the shared
// counter's window definition.
func (l *Limiter) windowStart() time.Time {
	return l.now().UTC().Truncate(time.Minute)
}
