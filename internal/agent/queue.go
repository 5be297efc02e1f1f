package agent

import (
	"context"
	"sync"
)

// userQueue serializes turns per user in arrival order. The head waiter
// holds the lock; its channel is closed when it is granted.
type userQueue struct {
	mu     sync.Mutex
	queues map[string][]chan struct{}
}

func newUserQueue() *userQueue {
	return &userQueue{queues: map[string][]chan struct{}{}}
}

func (q *userQueue) acquire(ctx context.Context, userID string) (func(), error) {
	ticket := make(chan struct{})
	q.mu.Lock()
	q.queues[userID] = append(q.queues[userID], ticket)
	if len(q.queues[userID]) == 1 {
		close(ticket)
	}
	q.mu.Unlock()

	select {
	case <-ticket:
		return func() { q.release(userID, ticket) }, nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	select {
	case <-ticket:
		q.mu.Unlock()
		q.release(userID, ticket)
	default:
		q.remove(userID, ticket)
		q.mu.Unlock()
	}
	return nil, ctx.Err()
}

func (q *userQueue) release(userID string, ticket chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remove(userID, ticket)
	if waiters := q.queues[userID]; len(waiters) > 0 {
		close(waiters[0])
	}
}

// remove drops ticket from the user's queue. Callers hold q.mu.
func (q *userQueue) remove(userID string, ticket chan struct{}) {
	waiters := q.queues[userID]
	for i, waiter := range waiters {
		if waiter == ticket {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(q.queues, userID)
		return
	}
	q.queues[userID] = waiters
}

func (q *userQueue) waiting(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[userID])
}
