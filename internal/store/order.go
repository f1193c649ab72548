package store

import (
	"sort"

	"github.com/lodgeworks/dispatchq/internal/domain"
)

// sortClaimOrder orders a claimed batch the way the claim query selects
// candidates: critical priority first, then FIFO by creation time.
func sortClaimOrder(items []*domain.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ci := items[i].Priority == domain.PriorityCritical
		cj := items[j].Priority == domain.PriorityCritical
		if ci != cj {
			return ci
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
