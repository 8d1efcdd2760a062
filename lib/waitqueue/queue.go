// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package waitqueue

import (
	"fmt"
	"sync"

	"github.com/bureau-foundation/bpagent/lib/clock"
)

// Queue is a bounded FIFO of T values. All methods are safe for
// concurrent use.
type Queue[T any] struct {
	clock clock.Clock

	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	items []T
	// head is the index of the oldest item; count items follow it,
	// wrapping at len(items).
	head   int
	count  int
	closed bool
}

// New returns a queue holding at most capacity items. Timeouts are
// measured on c. Panics if capacity is not positive.
func New[T any](c clock.Clock, capacity int) *Queue[T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("waitqueue: capacity must be positive, got %d", capacity))
	}
	queue := &Queue[T]{
		clock: c,
		items: make([]T, capacity),
	}
	queue.notFull = sync.NewCond(&queue.mu)
	queue.notEmpty = sync.NewCond(&queue.mu)
	return queue
}

// TryPush appends item, waiting up to timeout for space. It reports
// false if the queue stayed full or was closed.
func (q *Queue[T]) TryPush(item T, timeout Timeout) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !Wait(q.clock, q.notFull, timeout, q.canPush) || q.closed {
		return false
	}
	q.items[(q.head+q.count)%len(q.items)] = item
	q.count++
	q.notEmpty.Signal()
	return true
}

// TryPull removes the oldest item, waiting up to timeout for one to
// arrive. It reports false if the queue stayed empty or was closed.
func (q *Queue[T]) TryPull(timeout Timeout) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var item T
	if !Wait(q.clock, q.notEmpty, timeout, q.canPull) || q.closed {
		return item, false
	}
	item = q.items[q.head]
	var zero T
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--
	q.notFull.Signal()
	return item, true
}

// Drain removes every queued item without waiting and returns them
// oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked()
}

// Close drains the queue and refuses every later push and pull.
// Blocked callers return false. The drained items are returned oldest
// first.
func (q *Queue[T]) Close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	return q.drainLocked()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue[T]) drainLocked() []T {
	drained := make([]T, 0, q.count)
	var zero T
	for q.count > 0 {
		drained = append(drained, q.items[q.head])
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
		q.count--
	}
	q.notFull.Broadcast()
	return drained
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue's capacity.
func (q *Queue[T]) Cap() int {
	return len(q.items)
}

func (q *Queue[T]) canPush() bool { return q.closed || q.count < len(q.items) }

func (q *Queue[T]) canPull() bool { return q.closed || q.count > 0 }
