package offline

import (
	"context"
	"sync"
)

// MemoryQueue is the in-memory QueueStore for development and tests.
type MemoryQueue struct {
	mu     sync.RWMutex
	queues map[string][]*OfflineTransaction
}

var _ QueueStore = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue store.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queues: make(map[string][]*OfflineTransaction)}
}

// Enqueue appends the item to its user's queue.
func (q *MemoryQueue) Enqueue(_ context.Context, item *OfflineTransaction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := *item
	q.queues[item.UserID] = append(q.queues[item.UserID], &cp)
	return nil
}

// GetQueue returns the user's queue in admission order.
func (q *MemoryQueue) GetQueue(_ context.Context, userID string) ([]*OfflineTransaction, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	queue := q.queues[userID]
	out := make([]*OfflineTransaction, len(queue))
	for i, item := range queue {
		cp := *item
		out[i] = &cp
	}
	return out, nil
}

// ClearQueue removes every queued item for the user.
func (q *MemoryQueue) ClearQueue(_ context.Context, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.queues, userID)
	return nil
}
