package inmemory

import (
	"context"
	"sync"

	"github.com/meikuraledutech/dsr"
)

// Queue is a slice-backed work queue for tests and local runs. Items
// come back in FIFO order; a dequeued item is gone even if processing
// fails, so it does not model broker redelivery.
type Queue struct {
	mu    sync.Mutex
	items []*dsr.QueueItem
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(ctx context.Context, item dsr.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, &item)
	return nil
}

// Dequeue pops the oldest item, or returns (nil, nil) when the queue
// is empty.
func (q *Queue) Dequeue(ctx context.Context) (*dsr.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
