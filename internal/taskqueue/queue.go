// Package taskqueue runs asynchronous tasks with at most a fixed number in
// flight. Tasks are admitted strictly in submission order.
package taskqueue

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// ErrDropped resolves futures of tasks removed by Drain before they started.
// It wraps context.Canceled so callers can treat it like any cancellation.
var ErrDropped = fmt.Errorf("task dropped from queue: %w", context.Canceled)

// Task is one unit of work. It receives the context it was submitted with.
type Task func(ctx context.Context) error

// Future is the pending result of a submitted task.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the task finished, failed or was dropped.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the task result. It is only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the task settles or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type entry struct {
	ctx    context.Context
	task   Task
	future *Future
}

// Queue is a bounded FIFO executor.
type Queue struct {
	mu      sync.Mutex
	limit   int
	running int
	pending *list.List
}

// New creates a queue running at most limit tasks at once. A limit below one
// is raised to one.
func New(limit int) *Queue {
	if limit < 1 {
		limit = 1
	}
	return &Queue{limit: limit, pending: list.New()}
}

// Submit enqueues task and returns immediately. If the queue has room the
// task starts right away, otherwise it waits behind everything submitted
// before it. A task whose ctx is already done when its turn comes is settled
// with ctx.Err() without running.
func (q *Queue) Submit(ctx context.Context, task Task) *Future {
	f := newFuture()

	q.mu.Lock()
	q.pending.PushBack(&entry{ctx: ctx, task: task, future: f})
	q.dispatchLocked()
	q.mu.Unlock()

	return f
}

// Drain discards every task that has not started yet and returns how many
// were dropped. Running tasks are not affected.
func (q *Queue) Drain() int {
	q.mu.Lock()
	dropped := make([]*entry, 0, q.pending.Len())
	for e := q.pending.Front(); e != nil; e = e.Next() {
		dropped = append(dropped, e.Value.(*entry))
	}
	q.pending.Init()
	q.mu.Unlock()

	for _, e := range dropped {
		e.future.resolve(ErrDropped)
	}
	return len(dropped)
}

// Running returns the number of tasks currently executing.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Pending returns the number of tasks waiting for a slot.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Limit returns the concurrency limit.
func (q *Queue) Limit() int {
	return q.limit
}

func (q *Queue) dispatchLocked() {
	for q.running < q.limit && q.pending.Len() > 0 {
		e := q.pending.Remove(q.pending.Front()).(*entry)
		if err := e.ctx.Err(); err != nil {
			e.future.resolve(err)
			continue
		}
		q.running++
		go q.run(e)
	}
}

func (q *Queue) run(e *entry) {
	err := q.call(e)

	q.mu.Lock()
	q.running--
	q.dispatchLocked()
	q.mu.Unlock()

	e.future.resolve(err)
}

func (q *Queue) call(e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return e.task(e.ctx)
}
