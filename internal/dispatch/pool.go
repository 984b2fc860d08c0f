package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"formcollect/api/internal/logging"
)

type Handler interface {
	Handle(ctx context.Context, job Job) error
}

type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Pool drains a Queue with a fixed number of workers. Handler failures are
// logged with the submission and form ids and never retried.
type Pool struct {
	queue      Queue
	handler    Handler
	workers    int
	jobTimeout time.Duration
	retryDelay time.Duration
	log        logging.Logger
}

func NewPool(queue Queue, handler Handler, workers int, log logging.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		queue:      queue,
		handler:    handler,
		workers:    workers,
		jobTimeout: time.Minute,
		retryDelay: time.Second,
		log:        logging.Component(log, "dispatch"),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned. A job in flight at cancellation runs to completion or until
// its own timeout.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info(ctx, "dispatch workers started", "workers", p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()

	p.log.Info(context.WithoutCancel(ctx), "dispatch workers stopped")
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error(ctx, "dequeue failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.retryDelay):
			}
			continue
		}
		p.process(ctx, worker, job)
	}
}

func (p *Pool) process(ctx context.Context, worker int, job Job) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error(jobCtx, "dispatch panicked",
				"worker", worker, "submission", job.SubmissionID, "form", job.FormID, "panic", fmt.Sprint(r))
		}
	}()

	started := time.Now()
	if err := p.handler.Handle(jobCtx, job); err != nil {
		p.log.Error(jobCtx, "dispatch failed",
			"worker", worker, "submission", job.SubmissionID, "form", job.FormID, "error", err)
		return
	}
	p.log.Info(jobCtx, "dispatch completed",
		"worker", worker, "submission", job.SubmissionID, "form", job.FormID,
		"queued_ms", started.Sub(job.EnqueuedAt).Milliseconds(), "duration_ms", time.Since(started).Milliseconds())
}
