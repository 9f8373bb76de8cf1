// Package queue provides the bounded hand-off used between pipeline stages:
// producers never block, the consumer waits with a timeout.
package queue

import (
	"sync"
	"time"

	"linewatch/internal/errs"
)

type Queue[T any] struct {
	ch     chan T
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// TryPut enqueues v without blocking. It returns errs.ErrQueueFull when the
// queue is at capacity and errs.ErrQueueClosed after Close.
func (q *Queue[T]) TryPut(v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errs.ErrQueueClosed
	}
	select {
	case q.ch <- v:
		return nil
	default:
		return errs.ErrQueueFull
	}
}

// Get waits up to timeout for an item. ok is false on timeout or when the
// queue is closed and empty.
func (q *Queue[T]) Get(timeout time.Duration) (v T, ok bool) {
	select {
	case v, ok = <-q.ch:
		return v, ok
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v, ok = <-q.ch:
		return v, ok
	case <-timer.C:
		return v, false
	}
}

// GetOrDone is Get that also returns early once stop is closed.
func (q *Queue[T]) GetOrDone(timeout time.Duration, stop <-chan struct{}) (v T, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v, ok = <-q.ch:
		return v, ok
	case <-stop:
		return v, false
	case <-timer.C:
		return v, false
	}
}

// TryGet returns an item only if one is immediately available.
func (q *Queue[T]) TryGet() (v T, ok bool) {
	select {
	case v, ok = <-q.ch:
		return v, ok
	default:
		return v, false
	}
}

func (q *Queue[T]) Len() int { return len(q.ch) }

func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Drain discards every buffered item and returns how many were removed.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		select {
		case _, ok := <-q.ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Close rejects further puts and wakes blocked consumers. Buffered items stay
// readable until drained. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
	close(q.done)
}

// Closed is closed once Close has run.
func (q *Queue[T]) Closed() <-chan struct{} { return q.done }
