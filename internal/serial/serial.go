// Package serial provides a re-entrant safe serial execution queue.
package serial

import "sync"

// Queue runs submitted functions one at a time, in submission order.
//
// The first caller becomes the drainer and runs its own function plus
// anything submitted while it is busy, including functions submitted from
// inside a running function. Other callers return immediately after
// enqueueing. This keeps delivery ordered without holding a lock across
// user callbacks, so a callback may submit again without deadlocking.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

// Do submits fn. It reports whether fn ran before Do returned.
func (q *Queue) Do(fn func()) bool {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return false
	}
	q.running = true
	q.mu.Unlock()

	q.drain()
	return true
}

func (q *Queue) drain() {
	defer func() {
		if r := recover(); r != nil {
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
			panic(r)
		}
	}()

	q.mu.Lock()
	for len(q.pending) > 0 {
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		next()

		q.mu.Lock()
	}
	q.running = false
	q.mu.Unlock()
}

// Busy reports whether a drainer is active.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}
