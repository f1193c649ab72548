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

func newEnqueuer(cfg queue.EnqueuerConfig) (*queue.Enqueuer, *store.MemoryStore) {
	st := store.NewMemoryStore()
	retry := queue.NewRetryScheduler(st, nil, zap.NewNop(), nil)
	enq := queue.NewEnqueuer(st, retry, nil, cfg, zap.NewNop(), nil)
	return enq, st
}

func confirmationReq(businessKey string) domain.EnqueueRequest {
	return domain.EnqueueRequest{
		Kind:    domain.KindNotifyUser,
		Target:  "a@b.com",
		Payload: []byte("Your reservation is confirmed"),
		Metadata: domain.Metadata{
			domain.MetaBusinessKey: businessKey,
		},
	}
}

func TestEnqueuer_Enqueue(t *testing.T) {
	enq, st := newEnqueuer(queue.EnqueuerConfig{})
	ctx := context.Background()

	item, dup, err := enq.Enqueue(ctx, confirmationReq("BK1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dup {
		t.Fatal("expected dup=false for a new item")
	}
	if item.ID == "" {
		t.Fatal("expected a non-empty ID")
	}
	if item.Status != domain.StatusPending {
		t.Fatalf("expected status=pending, got %s", item.Status)
	}
	if item.RetryCount != 0 {
		t.Fatalf("expected retry_count=0, got %d", item.RetryCount)
	}
	if item.NextRetryAt == nil || !item.NextRetryAt.After(time.Now()) {
		t.Fatal("expected an initial delay on a fresh item")
	}
	if st.Len() != 1 {
		t.Fatalf("expected 1 stored item, got %d", st.Len())
	}
}

func TestEnqueuer_Enqueue_IdempotentWithinWindow(t *testing.T) {
	enq, st := newEnqueuer(queue.EnqueuerConfig{})
	ctx := context.Background()

	first, _, err := enq.Enqueue(ctx, confirmationReq("BK1"))
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	second, dup, err := enq.Enqueue(ctx, confirmationReq("BK1"))
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if !dup {
		t.Fatal("expected dup=true for repeated business key")
	}
	if second.ID != first.ID {
		t.Fatal("expected the existing item's id on duplicate")
	}
	if st.Len() != 1 {
		t.Fatalf("expected store size 1, got %d", st.Len())
	}
}

func TestEnqueuer_Enqueue_DifferentBusinessKeysAreDistinct(t *testing.T) {
	enq, st := newEnqueuer(queue.EnqueuerConfig{})
	ctx := context.Background()

	first, _, _ := enq.Enqueue(ctx, confirmationReq("BK1"))
	second, dup, err := enq.Enqueue(ctx, confirmationReq("BK2"))
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if dup || second.ID == first.ID {
		t.Fatal("different business keys must not dedup")
	}
	if st.Len() != 2 {
		t.Fatalf("expected store size 2, got %d", st.Len())
	}
}

func TestEnqueuer_Enqueue_NoBusinessKeySkipsDedup(t *testing.T) {
	enq, st := newEnqueuer(queue.EnqueuerConfig{})
	ctx := context.Background()

	req := confirmationReq("")
	req.Metadata = nil

	if _, dup, _ := enq.Enqueue(ctx, req); dup {
		t.Fatal("no business key, must not dedup")
	}
	if _, dup, _ := enq.Enqueue(ctx, req); dup {
		t.Fatal("no business key, must not dedup")
	}
	if st.Len() != 2 {
		t.Fatalf("expected store size 2, got %d", st.Len())
	}
}

func TestEnqueuer_Enqueue_SkipDedup(t *testing.T) {
	enq, st := newEnqueuer(queue.EnqueuerConfig{})
	ctx := context.Background()

	req := confirmationReq("BK1")
	if _, _, err := enq.Enqueue(ctx, req); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	req.SkipDedup = true
	_, dup, err := enq.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if dup {
		t.Fatal("skip_dedup must bypass duplicate suppression")
	}
	if st.Len() != 2 {
		t.Fatalf("expected store size 2, got %d", st.Len())
	}
}

func TestEnqueuer_Enqueue_TerminalItemsDoNotSuppress(t *testing.T) {
	enq, st := newEnqueuer(queue.EnqueuerConfig{})
	ctx := context.Background()

	first, _, _ := enq.Enqueue(ctx, confirmationReq("BK1"))

	// Once the earlier item is sent it leaves the dedup set.
	now := time.Now().UTC()
	first.Status = domain.StatusSent
	first.SentAt = &now
	st.Put(first)

	_, dup, err := enq.Enqueue(ctx, confirmationReq("BK1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if dup {
		t.Fatal("a sent item must not suppress a new enqueue")
	}
}

func TestEnqueuer_StatusChangeDiscriminators(t *testing.T) {
	statusChangeReq := func(businessKey, discriminator string) domain.EnqueueRequest {
		md := domain.Metadata{domain.MetaBusinessKey: businessKey}
		if discriminator != "" {
			md[domain.MetaDiscriminator] = discriminator
		}
		return domain.EnqueueRequest{
			Kind:     domain.KindStatusChange,
			Target:   "a@b.com",
			Payload:  []byte("status update"),
			Metadata: md,
		}
	}

	tests := []struct {
		name                 string
		firstDisc            string
		secondDisc           string
		requireDiscriminator bool
		wantDup              bool
	}{
		{"matching discriminators dedup", "confirmed", "confirmed", false, true},
		{"mismatched discriminators are distinct", "confirmed", "cancelled", false, false},
		{"legacy: both empty dedup", "", "", false, true},
		{"strict: both empty are distinct", "", "", true, false},
		{"one-sided discriminator is distinct", "confirmed", "", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			enq, _ := newEnqueuer(queue.EnqueuerConfig{
				RequireDiscriminator: tc.requireDiscriminator,
			})
			ctx := context.Background()

			if _, _, err := enq.Enqueue(ctx, statusChangeReq("BK1", tc.firstDisc)); err != nil {
				t.Fatalf("first enqueue: %v", err)
			}
			_, dup, err := enq.Enqueue(ctx, statusChangeReq("BK1", tc.secondDisc))
			if err != nil {
				t.Fatalf("second enqueue: %v", err)
			}
			if dup != tc.wantDup {
				t.Fatalf("expected dup=%v, got %v", tc.wantDup, dup)
			}
		})
	}
}

func TestEnqueuer_Enqueue_PayloadTooLarge(t *testing.T) {
	enq, st := newEnqueuer(queue.EnqueuerConfig{MaxPayloadBytes: 10})

	req := confirmationReq("BK1")
	req.Payload = []byte("this payload is longer than ten bytes")

	if _, _, err := enq.Enqueue(context.Background(), req); err != domain.ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if st.Len() != 0 {
		t.Fatal("oversized payloads must never be stored")
	}
}

func TestEnqueuer_Enqueue_ExplicitSchedule(t *testing.T) {
	enq, _ := newEnqueuer(queue.EnqueuerConfig{})

	at := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
	req := confirmationReq("BK1")
	req.ScheduledAt = &at

	item, _, err := enq.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if item.NextRetryAt == nil || !item.NextRetryAt.Equal(at) {
		t.Fatalf("expected next_retry_at=%v, got %v", at, item.NextRetryAt)
	}
}

func TestEnqueuer_Enqueue_Defaults(t *testing.T) {
	enq, _ := newEnqueuer(queue.EnqueuerConfig{})

	item, _, err := enq.Enqueue(context.Background(), confirmationReq("BK1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if item.Priority != domain.PriorityNormal {
		t.Fatalf("expected default priority normal, got %s", item.Priority)
	}
	if item.MaxRetries != queue.DefaultMaxRetries {
		t.Fatalf("expected default max retries %d, got %d", queue.DefaultMaxRetries, item.MaxRetries)
	}
}
