package queue

import (
	"context"
)

// Queue is a bounded in-process FIFO. Put blocks while the queue is full,
// which is how producers are held back by a slow consumer.
type Queue[T any] struct {
	items chan T
}

// New creates a queue that holds at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{items: make(chan T, capacity)}
}

// Put appends item, waiting for space until ctx is done.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get removes the oldest item, waiting until one arrives or ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet removes the oldest item if one is waiting.
func (q *Queue[T]) TryGet() (T, bool) {
	select {
	case item := <-q.items:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Len is the number of items waiting.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap is the maximum number of waiting items.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}
