// Package async provides the unbounded work queue backing per-stream asynchronous delivery.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/meltica-ws/errs"
)

// Queue is an unbounded FIFO with task accounting. Producers never block; consumers call
// Get and acknowledge each item with TaskDone so that Join can observe completion.
type Queue[T any] struct {
	mu         sync.Mutex
	items      []T
	unfinished int
	closed     bool
	ready      chan struct{}
	idle       chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue[T any]() *Queue[T] {
	idle := make(chan struct{})
	close(idle)
	return &Queue[T]{
		mu:         sync.Mutex{},
		items:      nil,
		unfinished: 0,
		closed:     false,
		ready:      make(chan struct{}, 1),
		idle:       idle,
	}
}

// Put appends v. It fails once the queue is closed.
func (q *Queue[T]) Put(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("queue closed"))
	}
	q.items = append(q.items, v)
	if q.unfinished == 0 {
		q.idle = make(chan struct{})
	}
	q.unfinished++
	q.mu.Unlock()
	q.signal()
	return nil
}

// Get blocks until an item is available, the queue is closed and drained, or ctx ends.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return v, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			q.signal()
			return zero, errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("queue closed"))
		}
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("queue get: %w", ctx.Err())
		case <-q.ready:
		}
	}
}

// TaskDone acknowledges an item previously returned by Get.
func (q *Queue[T]) TaskDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished == 0 {
		return
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.idle)
	}
}

// Join waits until every queued item has been acknowledged.
func (q *Queue[T]) Join(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return fmt.Errorf("queue join: %w", ctx.Err())
	case <-idle:
		return nil
	}
}

// Len returns the number of items waiting for a consumer.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further Puts and wakes consumers once the backlog is drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
