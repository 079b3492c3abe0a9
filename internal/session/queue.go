package session

import "sync"

// taskQueue is the explicit per-peer FIFO that serializes signaling
// application: each inbound message's processing runs only after the
// previous one completed, never concurrently. A single worker goroutine
// drains the queue in order.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *taskQueue) run() {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			close(q.done)
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		task()
	}
}

// enqueue appends a task. Returns false when the queue is already closed
// and the task was dropped.
func (q *taskQueue) enqueue(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, task)
	q.cond.Signal()
	return true
}

// close stops accepting tasks. Already queued tasks still drain; the
// worker exits afterwards.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// wait blocks until the worker has drained and exited
func (q *taskQueue) wait() {
	<-q.done
}
