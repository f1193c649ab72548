package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lodgeworks/dispatchq/internal/domain"
	"github.com/lodgeworks/dispatchq/internal/store"
)

func sentItem(sentAt time.Time) *domain.QueueItem {
	now := time.Now().UTC()
	return &domain.QueueItem{
		ID:         uuid.New().String(),
		Kind:       domain.KindNotifyUser,
		Target:     "a@b.com",
		Priority:   domain.PriorityNormal,
		Status:     domain.StatusSent,
		MaxRetries: 3,
		SentAt:     &sentAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestLimiter_LocalBucketBoundsBurst(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore(), 5)

	// An empty store never blocks globally, so the local bucket is the
	// only gate: exactly capacity acquires succeed in one burst.
	granted := 0
	for range 20 {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			t.Fatalf("try acquire: %v", err)
		}
		if ok {
			granted++
		}
	}
	if granted != 5 {
		t.Fatalf("expected exactly 5 grants, got %d", granted)
	}
}

func TestLimiter_SharedCountBlocksWhenWindowFull(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := New(st, 5)

	// Another instance already sent 5 items this minute.
	windowStart := time.Now().UTC().Truncate(time.Minute)
	for range 5 {
		st.Put(sentItem(windowStart.Add(time.Second)))
	}

	ok, err := l.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if ok {
		t.Fatal("expected the shared window count to deny the acquire")
	}
}

func TestLimiter_SendsOutsideWindowDoNotCount(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := New(st, 5)

	st.Put(sentItem(time.Now().UTC().Add(-2 * time.Minute)))

	ok, err := l.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if !ok {
		t.Fatal("a send in a previous window must not consume current capacity")
	}
}

func TestLimiter_TryAcquire_StoreError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.CountSentErr = context.DeadlineExceeded
	l := New(st, 5)

	ok, err := l.TryAcquire(ctx)
	if err == nil {
		t.Fatal("expected the store error to propagate")
	}
	if ok {
		t.Fatal("an errored acquire must not grant")
	}
}

func TestLimiter_WaitForToken_ImmediateWhenHeadroom(t *testing.T) {
	l := New(store.NewMemoryStore(), 5)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.WaitForToken(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestLimiter_WaitForToken_CancelledWhileBlocked(t *testing.T) {
	st := store.NewMemoryStore()
	l := New(st, 1)

	// Fill the shared window so every attempt is denied.
	windowStart := time.Now().UTC().Truncate(time.Minute)
	st.Put(sentItem(windowStart.Add(time.Second)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.WaitForToken(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLimiter_NextAttemptIn_Bounds(t *testing.T) {
	l := New(store.NewMemoryStore(), 1)
	l.bucket.Allow() // drain the single token

	wait := l.nextAttemptIn()
	if wait <= 0 {
		t.Fatalf("wait must be positive, got %v", wait)
	}
	if wait > maxWait {
		t.Fatalf("wait %v exceeds the %v bound", wait, maxWait)
	}
}

func TestLimiter_DefaultCapacity(t *testing.T) {
	l := New(store.NewMemoryStore(), 0)
	if l.capacity != DefaultCapacity {
		t.Fatalf("expected capacity %d, got %d", DefaultCapacity, l.capacity)
	}
}
