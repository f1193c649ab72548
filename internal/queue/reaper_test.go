package queue_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lodgeworks/dispatchq/internal/domain"
	"github.com/lodgeworks/dispatchq/internal/queue"
	"github.com/lodgeworks/dispatchq/internal/store"
)

func staleProcessingItem(retryCount, maxRetries int, age time.Duration) *domain.QueueItem {
	item := processingItem(retryCount, maxRetries)
	item.UpdatedAt = time.Now().UTC().Add(-age)
	return item
}

func pendingItem() *domain.QueueItem {
	item := processingItem(0, 3)
	item.Status = domain.StatusPending
	item.OwnerID = nil
	return item
}

func TestStuckItemReaper_ReclaimsStaleItems(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	stuck := staleProcessingItem(1, 3, 15*time.Minute)
	fresh := processingItem(0, 3)
	st.Put(stuck)
	st.Put(fresh)

	reaper := queue.NewStuckItemReaper(st, 10*time.Minute, zap.NewNop(), nil)
	reclaimed, err := reaper.Reap(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", reclaimed)
	}

	got, _ := st.GetByID(ctx, stuck.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("expected stuck item back to pending, got %s", got.Status)
	}
	if got.OwnerID != nil {
		t.Fatal("expected owner cleared on reclaim")
	}
	if got.RetryCount != 1 {
		t.Fatalf("reclaim must not consume a retry, got retry_count=%d", got.RetryCount)
	}

	got, _ = st.GetByID(ctx, fresh.ID)
	if got.Status != domain.StatusProcessing {
		t.Fatalf("fresh item must be left alone, got %s", got.Status)
	}
}

func TestStuckItemReaper_ExhaustedStaleItemsFail(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	spent := staleProcessingItem(3, 3, 20*time.Minute)
	st.Put(spent)

	var gotReclaimed, gotExhausted int
	reaper := queue.NewStuckItemReaper(st, 10*time.Minute, zap.NewNop(),
		func(reclaimed, exhausted int) {
			gotReclaimed, gotExhausted = reclaimed, exhausted
		})
	if _, err := reaper.Reap(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if gotReclaimed != 0 || gotExhausted != 1 {
		t.Fatalf("expected hook (0, 1), got (%d, %d)", gotReclaimed, gotExhausted)
	}

	got, _ := st.GetByID(ctx, spent.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage == "" {
		t.Fatal("expected a recorded failure reason")
	}
}

func TestClaimer_RecoversStuckItemsBeforeClaiming(t *testing.T) {
	// A worker claims an item, crashes, and the item goes stale. The next
	// claim pass returns it to a new worker without spending a retry.
	ctx := context.Background()
	st := store.NewMemoryStore()

	item := pendingItem()
	st.Put(item)

	reaper := queue.NewStuckItemReaper(st, 10*time.Minute, zap.NewNop(), nil)
	claimer := queue.NewClaimer(st, reaper, zap.NewNop())

	first, err := claimer.Claim(ctx, "worker-a", 10)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 item, got %d", len(first))
	}

	// worker-a dies; its claim goes stale.
	stale, _ := st.GetByID(ctx, item.ID)
	stale.UpdatedAt = time.Now().UTC().Add(-15 * time.Minute)
	st.Put(stale)

	second, err := claimer.Claim(ctx, "worker-b", 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected the stale item to be reclaimable, got %d items", len(second))
	}
	got := second[0]
	if got.OwnerID == nil || *got.OwnerID != "worker-b" {
		t.Fatalf("expected owner worker-b, got %v", got.OwnerID)
	}
	if got.RetryCount != item.RetryCount {
		t.Fatalf("recovery must not change retry_count: want %d, got %d", item.RetryCount, got.RetryCount)
	}
}

func TestClaimer_ClaimSurvivesReaperError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.Put(pendingItem())

	// A reaper backed by a broken store must not block claiming.
	reaper := queue.NewStuckItemReaper(&failingReapStore{Store: st}, 10*time.Minute, zap.NewNop(), nil)
	claimer := queue.NewClaimer(st, reaper, zap.NewNop())

	claimed, err := claimer.Claim(ctx, "worker-a", 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 item despite reaper failure, got %d", len(claimed))
	}
}

type failingReapStore struct {
	store.Store
}

func (f *failingReapStore) Reap(context.Context, time.Time) (int, int, error) {
	return 0, 0, context.DeadlineExceeded
}
