// Package rtc sequences offer/answer/candidate exchange against the
// lifecycle of a peer session.
//
// Every Peer and Manager mutation runs on one Queue. Engine callbacks and
// directory results are re-posted onto it, so the engine sees single
// threaded access and no lock guards session state.
package rtc

import "sync"

// Queue runs posted functions one at a time, in post order, on a single
// goroutine. Post never blocks on the running task.
type Queue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewQueue starts the queue's goroutine.
func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Post enqueues fn. It reports false if the queue was closed.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync blocks until every function posted before it has run. It must not
// be called from the queue itself.
func (q *Queue) Sync() {
	ran := make(chan struct{})
	if !q.Post(func() { close(ran) }) {
		return
	}
	select {
	case <-ran:
	case <-q.done:
	}
}

// Close stops the queue after the running task. Pending tasks are dropped.
// It must not be called from the queue itself.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.tasks = nil
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if q.closed {
				q.mu.Unlock()
				return
			}
			if len(q.tasks) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()

			fn()
		}
	}
}
