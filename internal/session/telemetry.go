package session

import (
	"context"
	"sync"
	"sync/atomic"
)

// telemetryTask is one deferred Recorder call.
type telemetryTask struct {
	op        string
	sessionID string
	run       func(ctx context.Context, r Recorder) error
}

// telemetryQueue is a count-bounded FIFO queue.
//
// The event loop enqueues and never blocks; a single worker dequeues and
// talks to the Recorder.
type telemetryQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	max   int
	tasks []telemetryTask

	drops atomic.Uint64
}

func newTelemetryQueue(max int) *telemetryQueue {
	q := &telemetryQueue{max: max}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *telemetryQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends task if the queue has room. It never blocks.
func (q *telemetryQueue) Enqueue(task telemetryTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.tasks) >= q.max {
		q.drops.Add(1)
		return false
	}
	q.tasks = append(q.tasks, task)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a task is available or the queue is closed and
// drained.
func (q *telemetryQueue) Dequeue() (telemetryTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.tasks) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	return q.popLocked()
}

// TryDequeue returns immediately.
func (q *telemetryQueue) TryDequeue() (telemetryTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *telemetryQueue) popLocked() (telemetryTask, bool) {
	if len(q.tasks) == 0 {
		return telemetryTask{}, false
	}
	task := q.tasks[0]
	copy(q.tasks, q.tasks[1:])
	q.tasks[len(q.tasks)-1] = telemetryTask{}
	q.tasks = q.tasks[:len(q.tasks)-1]
	return task, true
}

func (q *telemetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting tasks. Queued tasks are still handed out by Dequeue.
func (q *telemetryQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
