package manager

import (
	"sync"

	"github.com/loykin/mcsu/internal/console"
)

// lifecycleQueue delivers start, exit and giveup events in order on its own
// goroutine, so the lifecycle loop never waits on an observer and observers
// may call back into the Supervisor.
type lifecycleQueue struct {
	emit func(...console.Event)

	mu      sync.Mutex
	pending []queuedEvent
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// queuedEvent runs before, emits event, then runs after, all on the
// dispatcher goroutine. Either hook may be nil.
type queuedEvent struct {
	event  console.Event
	before func()
	after  func()
}

func newLifecycleQueue(emit func(...console.Event)) *lifecycleQueue {
	q := &lifecycleQueue{
		emit: emit,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

// push queues it without blocking. After close the event is dropped and
// only its after hook runs.
func (q *lifecycleQueue) push(it queuedEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if it.after != nil {
			it.after()
		}
		return
	}
	q.pending = append(q.pending, it)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *lifecycleQueue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, it := range batch {
			if it.before != nil {
				it.before()
			}
			q.emit(it.event)
			if it.after != nil {
				it.after()
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

// close delivers what is queued and waits for the dispatcher to finish. It
// must not be called from an observer.
func (q *lifecycleQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}
