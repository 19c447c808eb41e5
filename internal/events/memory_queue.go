package events

import (
	"context"
	"sync"
)

// MemoryQueue keeps the most recent published bodies in memory. It backs
// development runs and the mock tooling that lists published events.
type MemoryQueue struct {
	mu       sync.Mutex
	capacity int
	bodies   []string
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 128
	}
	return &MemoryQueue{capacity: capacity}
}

func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bodies = append(q.bodies, body)
	if over := len(q.bodies) - q.capacity; over > 0 {
		q.bodies = append([]string(nil), q.bodies[over:]...)
	}
	return nil
}

// Messages returns a copy of the retained bodies, oldest first.
func (q *MemoryQueue) Messages() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.bodies...)
}
