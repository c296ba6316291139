package indexer

import (
	"context"
	"sync"
	"time"
)

const defaultQueueCapacity = 1024

// EventQueue is the bounded FIFO between relay loops and the worker pool.
type EventQueue struct {
	ch           chan QueueItem
	pollInterval time.Duration

	mu     sync.RWMutex
	closed bool
}

func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &EventQueue{
		ch:           make(chan QueueItem, capacity),
		pollInterval: 10 * time.Millisecond,
	}
}

// TryEnqueue adds item without blocking. It returns ErrBackpressure when the
// queue is at capacity.
func (q *EventQueue) TryEnqueue(item QueueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrBackpressure
	}
}

// Enqueue retries TryEnqueue until it succeeds, the queue closes, or ctx ends.
func (q *EventQueue) Enqueue(ctx context.Context, item QueueItem) error {
	for {
		err := q.TryEnqueue(item)
		if err != ErrBackpressure {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// Dequeue blocks for the next item. It returns false once ctx ends, or once
// the queue is closed and empty.
func (q *EventQueue) Dequeue(ctx context.Context) (QueueItem, bool) {
	select {
	case item, ok := <-q.ch:
		return item, ok
	case <-ctx.Done():
		return QueueItem{}, false
	}
}

func (q *EventQueue) Depth() int {
	return len(q.ch)
}

func (q *EventQueue) Capacity() int {
	return cap(q.ch)
}

// Drain waits until the queue is empty.
func (q *EventQueue) Drain(ctx context.Context) error {
	for {
		if q.Depth() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// Close stops accepting items. Items already queued can still be dequeued.
func (q *EventQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ch)
	return nil
}
