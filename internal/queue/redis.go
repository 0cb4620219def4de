package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// dedupTTL bounds how long an orphaned in-flight marker can block re-enqueue
// if the process dies between writing the marker and pushing the task.
const dedupTTL = 24 * time.Hour

// RedisQueue implements Queue on Redis lists. Pending tasks live in a list;
// Lease moves one atomically into a per-queue processing list (BLMOVE) and
// writes a lease key with a TTL. A reaper requeues processing entries whose
// lease key has expired, which is how tasks survive worker crashes.
type RedisQueue struct {
	client       *redis.Client
	name         string
	leaseTTL     time.Duration
	pollInterval time.Duration
}

// NewRedisQueue creates a named queue on an existing Redis client.
func NewRedisQueue(client *redis.Client, name string, leaseTTL, pollInterval time.Duration) *RedisQueue {
	return &RedisQueue{
		client:       client,
		name:         name,
		leaseTTL:     leaseTTL,
		pollInterval: pollInterval,
	}
}

// NewRedisClient creates a Redis client from a URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) pendingKey() string    { return fmt.Sprintf("queue:%s:pending", q.name) }
func (q *RedisQueue) processingKey() string { return fmt.Sprintf("queue:%s:processing", q.name) }
func (q *RedisQueue) leaseKey(taskID uuid.UUID) string {
	return fmt.Sprintf("queue:%s:lease:%s", q.name, taskID)
}

// jobMarkerKey is shared across queues: a job can have one in-flight task
// total, not one per queue.
func jobMarkerKey(jobID uuid.UUID) string {
	return fmt.Sprintf("queue:job:%s", jobID)
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID uuid.UUID) (*Task, error) {
	task := &Task{
		ID:         uuid.New(),
		JobID:      jobID,
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	ok, err := q.client.SetNX(ctx, jobMarkerKey(jobID), task.ID.String(), dedupTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("set job marker: %w", err)
	}
	if !ok {
		return nil, ErrJobAlreadyQueued
	}

	if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
		// best effort: do not leave the job permanently blocked
		q.client.Del(context.WithoutCancel(ctx), jobMarkerKey(jobID))
		return nil, fmt.Errorf("push task: %w", err)
	}

	task.payload = string(payload)
	return task, nil
}

func (q *RedisQueue) Lease(ctx context.Context, workerID string) (*Task, error) {
	payload, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", q.pollInterval).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		// a corrupt entry would otherwise wedge the processing list forever
		q.client.LRem(context.WithoutCancel(ctx), q.processingKey(), 1, payload)
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	task.payload = payload

	if err := q.client.Set(ctx, q.leaseKey(task.ID), workerID, q.leaseTTL).Err(); err != nil {
		return nil, fmt.Errorf("set lease: %w", err)
	}
	return &task, nil
}

func (q *RedisQueue) ExtendLease(ctx context.Context, task *Task) error {
	ok, err := q.client.Expire(ctx, q.leaseKey(task.ID), q.leaseTTL).Result()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, task *Task) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, task.payload)
	pipe.Del(ctx, q.leaseKey(task.ID))
	pipe.Del(ctx, jobMarkerKey(task.JobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

func (q *RedisQueue) RequeueExpired(ctx context.Context) (int, error) {
	payloads, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scan processing list: %w", err)
	}

	requeued := 0
	for _, payload := range payloads {
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			q.client.LRem(ctx, q.processingKey(), 1, payload)
			continue
		}

		exists, err := q.client.Exists(ctx, q.leaseKey(task.ID)).Result()
		if err != nil {
			return requeued, fmt.Errorf("check lease: %w", err)
		}
		if exists > 0 {
			continue
		}

		// lease expired: move the task back for redelivery
		removed, err := q.client.LRem(ctx, q.processingKey(), 1, payload).Result()
		if err != nil {
			return requeued, fmt.Errorf("remove expired task: %w", err)
		}
		if removed == 0 {
			// another reaper got it first
			continue
		}
		if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
			return requeued, fmt.Errorf("requeue task: %w", err)
		}
		requeued++
	}
	return requeued, nil
}

var _ Queue = (*RedisQueue)(nil)
