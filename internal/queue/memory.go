package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue with the same lease semantics as the
// Redis implementation. Used in tests and available for single-node setups
// without Redis; tasks do not survive a process restart.
type MemoryQueue struct {
	name         string
	leaseTTL     time.Duration
	pollInterval time.Duration

	mu       sync.Mutex
	pending  []*Task
	leased   map[uuid.UUID]*memoryLease
	inFlight map[uuid.UUID]uuid.UUID // jobID -> taskID

	notify chan struct{}
}

type memoryLease struct {
	task      *Task
	expiresAt time.Time
}

func NewMemoryQueue(name string, leaseTTL, pollInterval time.Duration) *MemoryQueue {
	return &MemoryQueue{
		name:         name,
		leaseTTL:     leaseTTL,
		pollInterval: pollInterval,
		leased:       make(map[uuid.UUID]*memoryLease),
		inFlight:     make(map[uuid.UUID]uuid.UUID),
		notify:       make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Name() string { return q.name }

func (q *MemoryQueue) Enqueue(_ context.Context, jobID uuid.UUID) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[jobID]; ok {
		return nil, ErrJobAlreadyQueued
	}

	task := &Task{
		ID:         uuid.New(),
		JobID:      jobID,
		EnqueuedAt: time.Now().UTC(),
	}
	q.pending = append(q.pending, task)
	q.inFlight[jobID] = task.ID

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return task, nil
}

func (q *MemoryQueue) Lease(ctx context.Context, workerID string) (*Task, error) {
	deadline := time.NewTimer(q.pollInterval)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			task := q.pending[0]
			q.pending = q.pending[1:]
			q.leased[task.ID] = &memoryLease{task: task, expiresAt: time.Now().Add(q.leaseTTL)}
			q.mu.Unlock()
			return task, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) ExtendLease(_ context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lease, ok := q.leased[task.ID]
	if !ok {
		return ErrLeaseLost
	}
	lease.expiresAt = time.Now().Add(q.leaseTTL)
	return nil
}

func (q *MemoryQueue) Ack(_ context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.leased, task.ID)
	delete(q.inFlight, task.JobID)
	return nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	requeued := 0
	for id, lease := range q.leased {
		if now.Before(lease.expiresAt) {
			continue
		}
		delete(q.leased, id)
		q.pending = append(q.pending, lease.task)
		requeued++
	}
	if requeued > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return requeued, nil
}

// ExpireLease force-expires a task's lease. Test hook for simulating a worker
// crash without waiting out the TTL.
func (q *MemoryQueue) ExpireLease(taskID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lease, ok := q.leased[taskID]; ok {
		lease.expiresAt = time.Now().Add(-time.Second)
	}
}

var _ Queue = (*MemoryQueue)(nil)
