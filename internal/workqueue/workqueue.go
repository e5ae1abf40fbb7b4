// Package workqueue implements the synchronizer's single-threaded
// cooperative dispatch (spec §5): every source of change — inbound
// messages, local mutations, heartbeat ticks, adapter lifecycle
// events, facade requests — is enqueued and run to completion one at
// a time. Tasks enqueued while a task is running are drained in the
// same batch before the queue reports quiescence.
package workqueue

import "sync"

// Task is one unit of work. It must not block; any I/O it needs was
// already done by whatever produced the event (spec §5: "handlers are
// synchronous by contract").
type Task func()

// Queue is a FIFO dispatcher that never runs a task re-entrantly: a
// Task running on the queue that itself calls Enqueue does not execute
// synchronously — it is appended and drained before the outer Enqueue
// returns, never interleaved with the caller's own stack. Run must not
// be called from a running task (see Run).
type Queue struct {
	mu          sync.Mutex
	pending     []Task
	running     bool
	onQuiescent []func()
}

// New constructs an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends t. If nothing is currently draining the queue, it
// runs immediately (and drains anything enqueued transitively from
// within it) before Enqueue returns.
func (q *Queue) Enqueue(t Task) {
	q.mu.Lock()
	q.pending = append(q.pending, t)
	if q.running {
		// A task already draining will pick this up; do not recurse.
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	q.drain()
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			callbacks := append([]func(){}, q.onQuiescent...)
			q.mu.Unlock()
			for _, cb := range callbacks {
				cb()
			}
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		next()
	}
}

// Run enqueues t and blocks until it has executed, so a caller outside
// the queue can read state t computed. When the queue is idle this is
// exactly Enqueue; when another goroutine is draining, Run waits for
// that drainer to reach t. Must not be called from within a task
// already running on the queue — that would wait on the caller's own
// stack frame; use Enqueue there.
func (q *Queue) Run(t Task) {
	done := make(chan struct{})
	q.Enqueue(func() {
		t()
		close(done)
	})
	<-done
}

// OnQuiescent registers a callback fired every time the queue drains
// to empty. Used by tests and diagnostics; not required for
// correctness of dispatch itself.
func (q *Queue) OnQuiescent(cb func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onQuiescent = append(q.onQuiescent, cb)
}

// Depth reports the number of tasks currently waiting, for metrics
// (metrics.Metrics.QueueDepth).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
