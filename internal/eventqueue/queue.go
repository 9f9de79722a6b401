// Package eventqueue implements the cooperative task queue that serializes
// all application and stack work onto a single dispatching goroutine.
//
// Callbacks run strictly one at a time, in the order they were enqueued
// (arrival order for Call, firing order for CallIn timers). There is no
// priority, no preemption and no cancellation: once a delayed call is
// scheduled it cannot be withdrawn, though it is dropped if the queue has
// been broken by the time the timer fires.
package eventqueue

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the number of pending callbacks. The stack needs
// only a handful of slots; the default leaves room for application use.
const DefaultCapacity = 32

// Queue is a cooperative, single-threaded task queue.
type Queue struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

// New creates a queue with the given pending-callback capacity. A
// non-positive capacity selects DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		tasks: make(chan func(), capacity),
		done:  make(chan struct{}),
	}
}

// Call enqueues fn for execution on the dispatching goroutine. It reports
// whether the callback was accepted; callbacks are rejected when the queue
// is full or dispatch has been broken.
func (q *Queue) Call(fn func()) bool {
	if fn == nil {
		return false
	}

	// Check for break first so a ready task slot cannot win the race.
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.tasks <- fn:
		return true
	case <-q.done:
		return false
	default:
		return false
	}
}

// CallIn schedules fn to be enqueued after delay. The callback still runs
// on the dispatching goroutine, after whatever is queued when the timer
// fires.
func (q *Queue) CallIn(delay time.Duration, fn func()) {
	if fn == nil {
		return
	}
	time.AfterFunc(delay, func() {
		q.Call(fn)
	})
}

// DispatchForever blocks the calling goroutine and runs queued callbacks
// one at a time until Break is called. Break may be called from inside a
// callback; dispatch stops before the next callback would run.
func (q *Queue) DispatchForever() {
	for {
		select {
		case <-q.done:
			return
		default:
		}

		select {
		case <-q.done:
			return
		case fn := <-q.tasks:
			fn()
		}
	}
}

// Dispatch runs queued callbacks until none are pending or the queue is
// broken. Unlike DispatchForever it never waits for new work; shutdown
// paths and tests use it to drain what is already enqueued.
func (q *Queue) Dispatch() {
	for {
		select {
		case <-q.done:
			return
		default:
		}

		select {
		case fn := <-q.tasks:
			fn()
		default:
			return
		}
	}
}

// Break terminates dispatch. Safe to call multiple times and from any
// goroutine, including the dispatching one.
func (q *Queue) Break() {
	q.once.Do(func() {
		close(q.done)
	})
}

// Broken reports whether Break has been called.
func (q *Queue) Broken() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
