// Package queue provides the durable, at-least-once task queue that decouples
// job submission from pipeline execution. A task is the queue-level message
// that causes a worker to run one job's pipeline; a lease is a worker's
// time-bounded exclusive claim on a task.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrJobAlreadyQueued is returned by Enqueue when the job already has an
	// in-flight task. A job may have at most one task at a time.
	ErrJobAlreadyQueued = errors.New("job already has a queued or leased task")

	// ErrLeaseLost is returned by ExtendLease when the lease key no longer
	// exists; the task may have been redelivered to another worker.
	ErrLeaseLost = errors.New("task lease lost")
)

// Task references exactly one job. The queue treats the job id as opaque;
// only the pipeline interprets the job's input.
type Task struct {
	ID         uuid.UUID `json:"id"`
	JobID      uuid.UUID `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// payload is the exact wire form the task was delivered as; the Redis
	// implementation needs it to remove the entry from the processing list.
	payload string
}

// Queue is a single named task queue. Extraction and evaluation run on
// independent Queue instances so their concurrency can be tuned separately.
//
// Delivery is at-least-once: a task leased by a worker that dies is
// redelivered after the lease expires (RequeueExpired). Handlers must
// therefore be safe to re-run.
type Queue interface {
	// Name returns the queue's name, used in log fields and storage keys.
	Name() string

	// Enqueue durably records a task for jobID and returns once it is
	// recorded. It never blocks on pipeline execution. Returns
	// ErrJobAlreadyQueued if the job already has an in-flight task.
	Enqueue(ctx context.Context, jobID uuid.UUID) (*Task, error)

	// Lease blocks up to the queue's poll interval waiting for a task and
	// claims it exclusively for workerID. Returns (nil, nil) when no task
	// became available.
	Lease(ctx context.Context, workerID string) (*Task, error)

	// ExtendLease pushes out the lease expiry for a task still being worked.
	ExtendLease(ctx context.Context, task *Task) error

	// Ack removes a finished task and releases the job's in-flight marker.
	// Called after the job's terminal write regardless of outcome: a handler
	// failure is a permanent job failure, never a queue-level redelivery.
	Ack(ctx context.Context, task *Task) error

	// RequeueExpired scans leased tasks and returns expired ones to the
	// pending queue. Returns the number of tasks redelivered.
	RequeueExpired(ctx context.Context) (int, error)
}
