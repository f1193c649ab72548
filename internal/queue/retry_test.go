package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lodgeworks/dispatchq/internal/domain"
	"github.com/lodgeworks/dispatchq/internal/queue"
	"github.com/lodgeworks/dispatchq/internal/store"
)

func processingItem(retryCount, maxRetries int) *domain.QueueItem {
	now := time.Now().UTC()
	owner := "worker-1"
	return &domain.QueueItem{
		ID:         uuid.New().String(),
		Kind:       domain.KindNotifyUser,
		Target:     "a@b.com",
		Priority:   domain.PriorityNormal,
		Status:     domain.StatusProcessing,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		OwnerID:    &owner,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestRetryScheduler_Delay_MonotonicAndCapped(t *testing.T) {
	rs := queue.NewRetryScheduler(store.NewMemoryStore(), nil, zap.NewNop(), nil)

	// Before jitter the base sequence is non-decreasing; with +/-20%
	// jitter each delay stays within [0.8, 1.2] of its base and the cap
	// is 7200s * 1.2.
	bases := []time.Duration{
		60 * time.Second, 300 * time.Second, 900 * time.Second,
		1800 * time.Second, 3600 * time.Second, 7200 * time.Second,
	}
	const ceiling = time.Duration(float64(7200*time.Second) * 1.2)

	for attempt := range 10 {
		base := bases[min(attempt, len(bases)-1)]
		low := time.Duration(float64(base) * 0.8)
		if low < 60*time.Second {
			low = 60 * time.Second
		}
		high := time.Duration(float64(base) * 1.2)

		// Jitter is random; sample repeatedly to cover the range.
		for range 50 {
			d := rs.Delay(attempt)
			if d < low || d > high {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, low, high)
			}
			if d > ceiling {
				t.Fatalf("attempt %d: delay %v exceeds ceiling %v", attempt, d, ceiling)
			}
		}
	}
}

func TestRetryScheduler_Delay_Floor(t *testing.T) {
	// A custom backoff step below the floor is raised to it.
	rs := queue.NewRetryScheduler(store.NewMemoryStore(), []time.Duration{time.Second}, zap.NewNop(), nil)
	for range 50 {
		if d := rs.Delay(0); d < 60*time.Second {
			t.Fatalf("delay %v below the 60s floor", d)
		}
	}
}

func TestRetryScheduler_ScheduleRetry_ReschedulesWhileBudgetRemains(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rs := queue.NewRetryScheduler(st, nil, zap.NewNop(), nil)

	item := processingItem(0, 3)
	st.Put(item)

	if err := rs.ScheduleRetry(ctx, item, errors.New("connection refused")); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}

	got, _ := st.GetByID(ctx, item.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", got.RetryCount)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.After(time.Now()) {
		t.Fatal("expected a future next_retry_at")
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "connection refused" {
		t.Fatalf("expected stored error message, got %v", got.ErrorMessage)
	}
}

func TestRetryScheduler_TerminalExhaustion(t *testing.T) {
	// With max_retries=2 the second failure is terminal: exactly then,
	// not earlier, not later.
	ctx := context.Background()
	st := store.NewMemoryStore()
	rs := queue.NewRetryScheduler(st, nil, zap.NewNop(), nil)

	item := processingItem(0, 2)
	st.Put(item)

	if err := rs.ScheduleRetry(ctx, item, errors.New("failure one")); err != nil {
		t.Fatalf("first failure: %v", err)
	}
	got, _ := st.GetByID(ctx, item.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("after 1st failure expected pending, got %s", got.Status)
	}

	// Simulate the item being claimed again for its second attempt.
	got.Status = domain.StatusProcessing
	st.Put(got)

	if err := rs.ScheduleRetry(ctx, got, errors.New("failure two")); err != nil {
		t.Fatalf("second failure: %v", err)
	}
	got, _ = st.GetByID(ctx, item.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("after 2nd failure expected failed, got %s", got.Status)
	}
	if got.RetryCount != 2 {
		t.Fatalf("expected retry_count=2, got %d", got.RetryCount)
	}

	// A failed item is never again claimable.
	claimed, err := st.ClaimBatch(ctx, "w2", 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatal("a terminally failed item must not be claimable")
	}
}

func TestRetryScheduler_ExhaustedHook(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	var hookItem *domain.QueueItem
	hook := func(_ context.Context, item *domain.QueueItem) { hookItem = item }
	rs := queue.NewRetryScheduler(st, nil, zap.NewNop(), hook)

	item := processingItem(0, 1)
	st.Put(item)

	if err := rs.ScheduleRetry(ctx, item, errors.New("boom")); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}
	if hookItem == nil {
		t.Fatal("expected the exhausted hook to fire")
	}
	if hookItem.Status != domain.StatusFailed || hookItem.RetryCount != 1 {
		t.Fatalf("hook received item in unexpected state: %s/%d", hookItem.Status, hookItem.RetryCount)
	}
}

func TestRetryScheduler_ExhaustedHook_SuppressedForAdminItems(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	fired := false
	rs := queue.NewRetryScheduler(st, nil, zap.NewNop(),
		func(context.Context, *domain.QueueItem) { fired = true })

	item := processingItem(0, 1)
	item.Kind = domain.KindNotifyAdmin
	st.Put(item)

	if err := rs.ScheduleRetry(ctx, item, errors.New("boom")); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}
	if fired {
		t.Fatal("a failing admin alert must not spawn another admin alert")
	}
}

func TestRetryScheduler_MarkSent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rs := queue.NewRetryScheduler(st, nil, zap.NewNop(), nil)

	item := processingItem(1, 3)
	st.Put(item)

	if err := rs.MarkSent(ctx, item.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	got, _ := st.GetByID(ctx, item.ID)
	if got.Status != domain.StatusSent || got.SentAt == nil {
		t.Fatalf("expected sent, got %s", got.Status)
	}
}
