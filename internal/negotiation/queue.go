package negotiation

import (
	"errors"
	"runtime/debug"
	"sync"

	"github.com/1ureka/rtcvoice/internal/util"
)

// ErrQueueClosed is returned by Submit once the queue has been closed.
var ErrQueueClosed = errors.New("queue closed")

// Queue runs submitted tasks one at a time, in submission order, on a single
// worker goroutine. Submit never blocks: the backlog is unbounded because
// producers include engine callback goroutines that must not be stalled.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

// NewQueue creates a queue and starts its worker.
func NewQueue() *Queue {
	q := &Queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Submit appends a task to the queue.
func (q *Queue) Submit(task func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.tasks = append(q.tasks, task)
	q.cond.Signal()
	return nil
}

// Close stops accepting tasks. Tasks already queued still run, after which
// the worker exits and Done is closed. Safe to call from inside a task.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Signal()
}

// Done is closed when the worker has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) loop() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.run(task)
	}
}

// run executes one task; a panic is logged and the worker keeps going.
func (q *Queue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("queue task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	task()
}
