package execution

import (
	"context"
	"errors"
	"sync"

	"github.com/nexus-trading/autosnipe/internal/domain"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("execution: intent queue closed")

// Queue hands approved intents from the decision loop to the execution
// workers. It is the only link between the two, so neither holds a
// reference to the other.
type Queue struct {
	mu     sync.RWMutex
	ch     chan *domain.TradeIntent
	closed bool
}

// NewQueue creates a queue holding up to capacity pending intents.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{ch: make(chan *domain.TradeIntent, capacity)}
}

// Enqueue blocks until the intent is queued, ctx is done or the queue
// closes.
func (q *Queue) Enqueue(ctx context.Context, in *domain.TradeIntent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Intents is the consumer side. It is closed by Close once drained.
func (q *Queue) Intents() <-chan *domain.TradeIntent {
	return q.ch
}

// Close stops accepting intents. Pending intents stay readable. Close waits
// for blocked Enqueue calls to return, so callers should cancel their
// contexts first when the consumer has stopped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Len returns the number of pending intents.
func (q *Queue) Len() int {
	return len(q.ch)
}
