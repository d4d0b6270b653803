// Package events provides a single-threaded cooperative work queue. Every
// callable posted to a Queue runs to completion on the dispatching goroutine
// before the next one starts, so work items never run in parallel with each
// other.
package events

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Handle identifies a posted work item. The zero Handle is never issued.
type Handle uint64

type item struct {
	id Handle
	fn func()
}

// Queue is a FIFO of deferred callables.
type Queue struct {
	mu     sync.Mutex
	items  []item
	next   Handle
	wake   chan struct{}
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
	}
}

// Call posts fn to the tail of the queue. It returns 0 if the queue is closed.
func (q *Queue) Call(fn func()) Handle {
	if fn == nil {
		return 0
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.next++
	id := q.next
	q.items = append(q.items, item{id: id, fn: fn})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return id
}

// Cancel removes a posted item that has not started yet. It reports whether
// the item was found.
func (q *Queue) Cancel(h Handle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.id == h {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns the number of items waiting to run.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DispatchOnce runs the item at the head of the queue, if any.
func (q *Queue) DispatchOnce() bool {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return false
	}
	it := q.items[0]
	q.items[0] = item{}
	q.items = q.items[1:]
	q.mu.Unlock()

	q.run(it)
	return true
}

// Dispatch runs items until the queue is empty, including items posted by
// the items themselves. It returns the number of items run.
func (q *Queue) Dispatch() int {
	n := 0
	for q.DispatchOnce() {
		n++
	}
	return n
}

// Run dispatches items as they are posted until ctx is done or the queue is
// closed.
func (q *Queue) Run(ctx context.Context) {
	for {
		q.Dispatch()

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}

// Close stops accepting new items and wakes Run. Items already posted are
// still dispatched by a running Run before it returns.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run(it item) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("handle", it.id).Errorf("work item panicked: %v", r)
		}
	}()
	it.fn()
}
