package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/lodgeworks/dispatchq/internal/broadcast"
	"github.com/lodgeworks/dispatchq/internal/domain"
	"github.com/lodgeworks/dispatchq/internal/store"
)

// Service is the queue's external surface: enqueue, claim, cancel, search,
// and stats. HTTP handlers and the dispatcher depend on this service, not
// on the store or on each other.
type Service struct {
	store    store.Store
	enqueuer *Enqueuer
	claimer  *Claimer
	retry    *RetryScheduler
	bcast    broadcast.Broadcaster
	logger   *zap.Logger
}

func NewService(
	st store.Store,
	enqueuer *Enqueuer,
	claimer *Claimer,
	retry *RetryScheduler,
	bcast broadcast.Broadcaster,
	logger *zap.Logger,
) *Service {
	if bcast == nil {
		bcast = broadcast.Nop{}
	}
	return &Service{
		store:    st,
		enqueuer: enqueuer,
		claimer:  claimer,
		retry:    retry,
		bcast:    bcast,
		logger:   logger,
	}
}

func (s *Service) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.QueueItem, bool, error) {
	return s.enqueuer.Enqueue(ctx, req)
}

func (s *Service) Claim(ctx context.Context, ownerID string, limit int) ([]*domain.QueueItem, error) {
	return s.claimer.Claim(ctx, ownerID, limit)
}

func (s *Service) MarkSent(ctx context.Context, id string) error {
	return s.retry.MarkSent(ctx, id)
}

func (s *Service) ScheduleRetry(ctx context.Context, item *domain.QueueItem, sendErr error) error {
	return s.retry.ScheduleRetry(ctx, item, sendErr)
}

// Cancel is allowed from pending and failed; cancelling a processing item is
// best-effort since the in-flight send cannot be interrupted. A sent item
// reports ErrAlreadySent and cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.store.Cancel(ctx, id); err != nil {
		return err
	}
	if item, err := s.store.GetByID(ctx, id); err == nil {
		s.bcast.Notify(ctx, broadcast.EventCancelled, item)
	}
	return nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*domain.QueueItem, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) Search(ctx context.Context, filter domain.SearchFilter) ([]*domain.QueueItem, error) {
	return s.store.Search(ctx, filter)
}

func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	return s.store.Stats(ctx)
}
