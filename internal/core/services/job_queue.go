package services

import (
	"context"
	"errors"
	"sync"

	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
)

// ErrQueueClosed is returned by Pop once the queue is closed
var ErrQueueClosed = errors.New("job queue closed")

// JobQueue is the FIFO shared by the poller and all workers. Push never
// blocks; Pop blocks until a job arrives, the queue closes, or ctx ends.
type JobQueue struct {
	mu       sync.Mutex
	items    []domain.Job
	shutdown bool
	notify   chan struct{}
	closed   chan struct{}
}

func NewJobQueue() *JobQueue {
	return &JobQueue{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Push appends a job. It returns false if the queue is already closed.
func (q *JobQueue) Push(job domain.Job) bool {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, job)
	q.mu.Unlock()

	q.signal()
	return true
}

// Pop removes the oldest job. Closing the queue wakes every waiting worker
// even when jobs remain; those are collected with Drain.
func (q *JobQueue) Pop(ctx context.Context) (domain.Job, error) {
	for {
		select {
		case <-q.closed:
			return domain.Job{}, ErrQueueClosed
		default:
		}

		if job, ok := q.take(); ok {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		case <-q.closed:
			return domain.Job{}, ErrQueueClosed
		case <-q.notify:
		}
	}
}

func (q *JobQueue) take() (domain.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return domain.Job{}, false
	}
	job := q.items[0]
	q.items[0] = domain.Job{}
	q.items = q.items[1:]

	// Wake the next waiter if more work is left
	if len(q.items) > 0 {
		q.signal()
	}
	return job, true
}

func (q *JobQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue. Subsequent Push calls are refused.
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return
	}
	q.shutdown = true
	close(q.closed)
}

// Drain removes and returns every job still queued
func (q *JobQueue) Drain() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = nil
	return out
}
