// Package dispatch runs post-completion work for finished submissions:
// a queue of jobs, a worker pool draining it and the sinks each job feeds.
package dispatch

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueFull   = errors.New("dispatch queue is full")
	ErrQueueClosed = errors.New("dispatch queue is closed")
)

// Job identifies one finished submission to dispatch.
type Job struct {
	SubmissionID int64     `json:"submission_id"`
	FormID       int64     `json:"form_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Queue is a FIFO of jobs. Enqueue must not block on the work itself.
// Dequeue blocks until a job is available or ctx is done.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
}

// MemoryQueue is an in-process bounded queue. Jobs are lost on restart.
type MemoryQueue struct {
	jobs chan Job
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1
	}
	return &MemoryQueue{jobs: make(chan Job, size)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case job := <-q.jobs:
		return job, nil
	}
}

// Len returns the number of queued jobs.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

// Scheduler turns finish events into queued jobs.
type Scheduler struct {
	queue Queue
	now   func() time.Time
}

func NewScheduler(queue Queue) *Scheduler {
	return &Scheduler{queue: queue, now: time.Now}
}

func (s *Scheduler) Schedule(ctx context.Context, submissionID, formID int64) error {
	return s.queue.Enqueue(ctx, Job{SubmissionID: submissionID, FormID: formID, EnqueuedAt: s.now()})
}
