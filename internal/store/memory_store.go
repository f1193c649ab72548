package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lodgeworks/dispatchq/internal/domain"
)

// MemoryStore is a hand-written, in-memory implementation of Store used in
// unit tests. Every state transition applies the same conditional predicate
// the Postgres implementation encodes in its WHERE clauses, so claim races
// and ownership rules behave identically under test.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*domain.QueueItem

	// Optional error overrides, set in tests to simulate failure paths.
	InsertErr    error
	GetByIDErr   error
	ClaimErr     error
	CountSentErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*domain.QueueItem)}
}

func (m *MemoryStore) Insert(_ context.Context, item *domain.QueueItem) error {
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := cloneItem(item)
	m.items[item.ID] = clone
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*domain.QueueItem, error) {
	if m.GetByIDErr != nil {
		return nil, m.GetByIDErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneItem(item), nil
}

func (m *MemoryStore) FindDedupCandidates(_ context.Context, kind domain.Kind, target string, since time.Time) ([]*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.QueueItem
	for _, item := range m.items {
		if item.Kind != kind || item.Target != target {
			continue
		}
		if item.CreatedAt.Before(since) {
			continue
		}
		if item.Status != domain.StatusPending && item.Status != domain.StatusProcessing {
			continue
		}
		result = append(result, cloneItem(item))
	}
	sortClaimOrder(result)
	return result, nil
}

func (m *MemoryStore) ClaimBatch(_ context.Context, ownerID string, limit int) ([]*domain.QueueItem, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*domain.QueueItem
	for _, item := range m.items {
		if item.Status != domain.StatusPending {
			continue
		}
		if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
			continue
		}
		if item.RetryCount >= item.MaxRetries {
			continue
		}
		candidates = append(candidates, item)
	}
	sortClaimOrder(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	var claimed []*domain.QueueItem
	for _, item := range candidates {
		// Conditional write: the row must still be pending. Under the
		// single mutex this always holds, but the predicate is kept so
		// the transition rules match the SQL implementation.
		if item.Status != domain.StatusPending {
			continue
		}
		item.Status = domain.StatusProcessing
		owner := ownerID
		item.OwnerID = &owner
		item.UpdatedAt = now
		claimed = append(claimed, cloneItem(item))
	}
	return claimed, nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id string, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != domain.StatusProcessing {
		return nil
	}
	item.Status = domain.StatusSent
	item.SentAt = &sentAt
	item.ErrorMessage = nil
	item.OwnerID = nil
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ScheduleRetry(_ context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != domain.StatusProcessing || item.RetryCount != retryCount-1 {
		return nil
	}
	item.Status = domain.StatusPending
	item.RetryCount = retryCount
	item.NextRetryAt = &nextRetryAt
	item.ErrorMessage = &errMsg
	item.OwnerID = nil
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, retryCount int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status == domain.StatusSent || item.Status == domain.StatusCancelled {
		return nil
	}
	item.Status = domain.StatusFailed
	item.RetryCount = retryCount
	item.ErrorMessage = &errMsg
	item.NextRetryAt = nil
	item.OwnerID = nil
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != domain.StatusProcessing {
		return nil
	}
	item.Status = domain.StatusPending
	item.OwnerID = nil
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	switch item.Status {
	case domain.StatusPending, domain.StatusFailed, domain.StatusProcessing:
		item.Status = domain.StatusCancelled
		item.OwnerID = nil
		item.UpdatedAt = time.Now().UTC()
		return nil
	case domain.StatusCancelled:
		return nil
	case domain.StatusSent:
		return domain.ErrAlreadySent
	default:
		return domain.ErrNotCancellable
	}
}

func (m *MemoryStore) Reap(_ context.Context, olderThan time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()

	var reclaimed, exhausted int
	for _, item := range m.items {
		if item.Status != domain.StatusProcessing || !item.UpdatedAt.Before(olderThan) {
			continue
		}
		if item.RetryCount >= item.MaxRetries {
			item.Status = domain.StatusFailed
			if item.ErrorMessage == nil {
				msg := "abandoned by crashed worker"
				item.ErrorMessage = &msg
			}
			exhausted++
		} else {
			item.Status = domain.StatusPending
			reclaimed++
		}
		item.OwnerID = nil
		item.UpdatedAt = now
	}
	return reclaimed, exhausted, nil
}

func (m *MemoryStore) MarkQuarantined(_ context.Context, id string, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status == domain.StatusSent || item.Status == domain.StatusCancelled {
		return nil
	}
	item.Quarantined = true
	item.ErrorMessage = &note
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Stats(_ context.Context) (domain.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats domain.Stats
	for _, item := range m.items {
		switch item.Status {
		case domain.StatusPending:
			stats.Pending++
		case domain.StatusProcessing:
			stats.Processing++
		case domain.StatusSent:
			stats.Sent++
		case domain.StatusFailed:
			stats.Failed++
		case domain.StatusCancelled:
			stats.Cancelled++
		}
		stats.Total++
	}
	return stats, nil
}

func (m *MemoryStore) Search(_ context.Context, f domain.SearchFilter) ([]*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	term := strings.ToLower(f.Term)
	var result []*domain.QueueItem
	for _, item := range m.items {
		if f.Status != nil && item.Status != *f.Status {
			continue
		}
		if f.Kind != nil && item.Kind != *f.Kind {
			continue
		}
		if term != "" && !matchesTerm(item, term) {
			continue
		}
		result = append(result, cloneItem(item))
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountSentInWindow(_ context.Context, windowStart time.Time) (int, error) {
	if m.CountSentErr != nil {
		return 0, m.CountSentErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, item := range m.items {
		if item.Status == domain.StatusSent && item.SentAt != nil && !item.SentAt.Before(windowStart) {
			count++
		}
	}
	return count, nil
}

// Len reports the number of stored items. Test helper.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Put stores an item verbatim, bypassing Insert overrides. Test helper.
func (m *MemoryStore) Put(item *domain.QueueItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = cloneItem(item)
}

func matchesTerm(item *domain.QueueItem, term string) bool {
	if strings.Contains(strings.ToLower(item.Target), term) {
		return true
	}
	if strings.Contains(strings.ToLower(string(item.Payload)), term) {
		return true
	}
	if item.ErrorMessage != nil && strings.Contains(strings.ToLower(*item.ErrorMessage), term) {
		return true
	}
	for k, v := range item.Metadata {
		if strings.Contains(strings.ToLower(k), term) || strings.Contains(strings.ToLower(v), term) {
			return true
		}
	}
	return false
}

func cloneItem(item *domain.QueueItem) *domain.QueueItem {
	clone := *item
	if item.Metadata != nil {
		clone.Metadata = make(domain.Metadata, len(item.Metadata))
		for k, v := range item.Metadata {
			clone.Metadata[k] = v
		}
	}
	if item.Payload != nil {
		clone.Payload = append([]byte(nil), item.Payload...)
	}
	return &clone
}
