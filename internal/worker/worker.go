// Package worker runs the pool of executors for one task queue. Each worker
// leases a task, drives the job through the pipeline to exactly one terminal
// state, and publishes progress along the way. A fixed-size pool bounds
// concurrency per queue; a reaper returns crashed workers' tasks to the queue
// after their lease expires.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/gradeflow/gradeflow/internal/broadcast"
	"github.com/gradeflow/gradeflow/internal/pipeline"
	"github.com/gradeflow/gradeflow/internal/queue"
	"github.com/gradeflow/gradeflow/internal/store"
	"github.com/gradeflow/gradeflow/pkg/models"
)

// maxErrorBytes caps stored and broadcast error messages.
const maxErrorBytes = 2000

// Pool processes one queue with a fixed number of concurrent workers.
type Pool struct {
	queue       queue.Queue
	store       store.Store
	runner      pipeline.Runner
	broadcaster broadcast.Broadcaster
	concurrency int
	leaseTTL    time.Duration
	logger      *slog.Logger
}

func NewPool(q queue.Queue, st store.Store, runner pipeline.Runner,
	b broadcast.Broadcaster, concurrency int, leaseTTL time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		queue:       q,
		store:       st,
		runner:      runner,
		broadcaster: b,
		concurrency: concurrency,
		leaseTTL:    leaseTTL,
		logger:      slog.Default().With("queue", q.Name()),
	}
}

// Start runs the pool until ctx is cancelled, then drains: no new tasks are
// leased, but jobs already in flight run to their terminal state.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < p.concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d-%s", p.queue.Name(), i+1, uuid.New().String()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.leaseLoop(ctx, workerID)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()

	p.logger.Info("worker pool started", "concurrency", p.concurrency)
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) leaseLoop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.queue.Lease(ctx, workerID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			p.logger.Error("lease failed", "worker_id", workerID, "error", err)
			continue
		}
		if task == nil {
			continue
		}
		// the in-flight job finishes even during shutdown; cancellation only
		// stops new leases
		p.processTask(context.WithoutCancel(ctx), task, workerID)
	}
}

// reapLoop periodically redelivers tasks whose worker died without acking.
func (p *Pool) reapLoop(ctx context.Context) {
	interval := p.leaseTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.RequeueExpired(ctx)
			if err != nil {
				p.logger.Error("requeue expired tasks", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Warn("redelivered expired tasks", "count", n)
			}
		}
	}
}

func (p *Pool) processTask(ctx context.Context, task *queue.Task, workerID string) {
	log := p.logger.With("worker_id", workerID, "job_id", task.JobID, "task_id", task.ID)
	start := time.Now()

	job, err := p.store.GetJob(ctx, task.JobID)
	if errors.Is(err, store.ErrNotFound) {
		// job deleted administratively after enqueue
		log.Warn("job record missing, dropping task")
		p.ack(ctx, task, log)
		return
	}
	if err != nil {
		// transient store error: leave the task leased; the lease will expire
		// and the task will be redelivered
		log.Error("load job", "error", err)
		return
	}
	if job.Terminal() {
		// stale redelivery of a job another worker already finished
		log.Warn("job already terminal, dropping task", "status", job.Status)
		p.ack(ctx, task, log)
		return
	}

	// first durable write after dequeue; idempotent under redelivery
	if err := p.store.MarkJobProcessing(ctx, job.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidTransition) {
			// job gone or raced into a terminal state; nothing left to run
			log.Warn("cannot enter processing, dropping task", "error", err)
			p.ack(ctx, task, log)
			return
		}
		// transient store error: leave the task leased for redelivery
		log.Error("enter processing", "error", err)
		return
	}
	p.publish(ctx, task.JobID, "Processing started")

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.runHeartbeat(heartbeatCtx, task, log)

	result, runErr := p.runSafely(ctx, job)
	switch {
	case runErr != nil:
		msg := truncate(runErr.Error(), maxErrorBytes)
		if err := p.store.FailJob(ctx, job.ID, msg); err != nil {
			log.Error("persist failure", "error", err)
		}
		p.publish(ctx, job.ID, "Failed: "+msg)
		log.Warn("job failed", "error", runErr, "duration_ms", time.Since(start).Milliseconds())

	default:
		if err := p.store.CompleteJob(ctx, job.ID, result); err != nil {
			msg := truncate(fmt.Sprintf("storing result: %v", err), maxErrorBytes)
			if failErr := p.store.FailJob(ctx, job.ID, msg); failErr != nil {
				log.Error("persist failure after store error", "error", failErr)
			}
			p.publish(ctx, job.ID, "Failed: "+msg)
			log.Error("job result not stored", "error", err)
		} else {
			p.publish(ctx, job.ID, "Completed")
			log.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
		}
	}

	p.ack(ctx, task, log)
}

// runSafely executes the pipeline, converting a panic into an ordinary
// failure so a malformed input can never take down the worker.
func (p *Pool) runSafely(ctx context.Context, job *models.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in pipeline", "job_id", job.ID, "panic", r)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	report := func(msg string) {
		p.publish(ctx, job.ID, msg)
	}
	return p.runner.Run(ctx, job, report)
}

// runHeartbeat extends the task lease while the pipeline runs, so a healthy
// slow job is not redelivered out from under its worker.
func (p *Pool) runHeartbeat(ctx context.Context, task *queue.Task, log *slog.Logger) {
	interval := p.leaseTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, task); err != nil {
				if errors.Is(err, queue.ErrLeaseLost) {
					log.Warn("lease lost during processing; task may be redelivered")
					return
				}
				log.Error("extend lease", "error", err)
			}
		}
	}
}

func (p *Pool) publish(ctx context.Context, jobID uuid.UUID, msg string) {
	if err := p.broadcaster.Publish(ctx, jobID, msg); err != nil {
		p.logger.Warn("publish status", "job_id", jobID, "error", err)
	}
}

func (p *Pool) ack(ctx context.Context, task *queue.Task, log *slog.Logger) {
	if err := p.queue.Ack(ctx, task); err != nil {
		log.Error("ack task", "error", err)
	}
}

// truncate shortens s to maxBytes without splitting UTF-8 runes.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
