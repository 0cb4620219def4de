package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradeflow/gradeflow/internal/broadcast"
	"github.com/gradeflow/gradeflow/internal/pipeline"
	"github.com/gradeflow/gradeflow/internal/queue"
	"github.com/gradeflow/gradeflow/internal/store"
	"github.com/gradeflow/gradeflow/internal/worker"
	"github.com/gradeflow/gradeflow/pkg/models"
)

// memStore is an in-memory Store with the same transition rules as the
// Postgres implementation.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) ListJobsByPaper(context.Context, uuid.UUID) ([]*models.Job, error) {
	return nil, nil
}

func (s *memStore) MarkJobProcessing(_ context.Context, id uuid.UUID) error {
	return s.transition(id, func(j *models.Job) error {
		if j.Status != models.JobStatusPending && j.Status != models.JobStatusProcessing {
			return fmt.Errorf("%w: %s -> processing", store.ErrInvalidTransition, j.Status)
		}
		j.Status = models.JobStatusProcessing
		if j.StartedAt == nil {
			now := time.Now().UTC()
			j.StartedAt = &now
		}
		return nil
	})
}

func (s *memStore) CompleteJob(_ context.Context, id uuid.UUID, result json.RawMessage) error {
	return s.transition(id, func(j *models.Job) error {
		if j.Status != models.JobStatusProcessing {
			return fmt.Errorf("%w: %s -> completed", store.ErrInvalidTransition, j.Status)
		}
		j.Status = models.JobStatusCompleted
		j.Result = result
		j.ErrorMessage = nil
		return nil
	})
}

func (s *memStore) FailJob(_ context.Context, id uuid.UUID, errorMessage string) error {
	return s.transition(id, func(j *models.Job) error {
		if j.Status != models.JobStatusProcessing {
			return fmt.Errorf("%w: %s -> failed", store.ErrInvalidTransition, j.Status)
		}
		j.Status = models.JobStatusFailed
		j.ErrorMessage = &errorMessage
		j.Result = nil
		return nil
	})
}

func (s *memStore) RetryJob(_ context.Context, id uuid.UUID) error {
	return s.transition(id, func(j *models.Job) error {
		if j.Status != models.JobStatusFailed {
			return fmt.Errorf("%w: %s -> pending", store.ErrInvalidTransition, j.Status)
		}
		j.Status = models.JobStatusPending
		j.ErrorMessage = nil
		return nil
	})
}

func (s *memStore) transition(id uuid.UUID, apply func(*models.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	return apply(job)
}

func (s *memStore) CreatePaper(context.Context, *models.Paper) error { return nil }
func (s *memStore) GetPaper(context.Context, uuid.UUID) (*models.Paper, error) {
	return nil, store.ErrNotFound
}

var _ store.Store = (*memStore)(nil)

// fakeRunner scripts pipeline outcomes per job.
type fakeRunner struct {
	mu   sync.Mutex
	run  func(job *models.Job, report pipeline.Reporter) (json.RawMessage, error)
	runs int
}

func (r *fakeRunner) Run(_ context.Context, job *models.Job, report pipeline.Reporter) (json.RawMessage, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	return r.run(job, report)
}

func (r *fakeRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func createPendingJob(t *testing.T, st *memStore) *models.Job {
	t.Helper()
	text := "Q1. Define X (5 Marks)"
	job := &models.Job{
		ID:        uuid.New(),
		Type:      models.JobTypeExtraction,
		InputKind: models.InputKindText,
		InputText: &text,
		Status:    models.JobStatusPending,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

// startPool runs the pool in the background and returns a stop func.
func startPool(t *testing.T, p *worker.Pool) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

// waitTerminal polls until the job leaves the non-terminal states.
func waitTerminal(t *testing.T, st *memStore, id uuid.UUID) *models.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := st.GetJob(context.Background(), id)
		require.NoError(t, err)
		if job.Terminal() {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal state (status %s)", id, job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPool_CompletesJob(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue("extraction", time.Minute, 50*time.Millisecond)
	b := broadcast.NewMemoryBroadcaster()
	runner := &fakeRunner{run: func(_ *models.Job, report pipeline.Reporter) (json.RawMessage, error) {
		report("Extracting questions with AI")
		return json.RawMessage(`{"questions":[{"number":1,"text":"Define X","marks":5}],"total_marks":5,"needs_review":0}`), nil
	}}

	job := createPendingJob(t, st)
	sub, err := b.Subscribe(context.Background(), job.ID)
	require.NoError(t, err)
	defer sub.Close()

	_, err = q.Enqueue(context.Background(), job.ID)
	require.NoError(t, err)

	stop := startPool(t, worker.NewPool(q, st, runner, b, 2, time.Minute))
	defer stop()

	got := waitTerminal(t, st, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.NotNil(t, got.Result)
	assert.Nil(t, got.ErrorMessage)

	var messages []string
	for msg := range sub.Messages() {
		messages = append(messages, msg)
		if msg == "Completed" {
			break
		}
	}
	require.NotEmpty(t, messages)
	assert.Equal(t, "Processing started", messages[0])
	assert.Contains(t, messages, "Extracting questions with AI")
	assert.Equal(t, "Completed", messages[len(messages)-1])
}

func TestPool_FailsJobOnPipelineError(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue("extraction", time.Minute, 50*time.Millisecond)
	b := broadcast.NewMemoryBroadcaster()
	runner := &fakeRunner{run: func(*models.Job, pipeline.Reporter) (json.RawMessage, error) {
		return nil, errors.New("infer: model response was not valid JSON")
	}}

	job := createPendingJob(t, st)
	sub, err := b.Subscribe(context.Background(), job.ID)
	require.NoError(t, err)
	defer sub.Close()

	_, err = q.Enqueue(context.Background(), job.ID)
	require.NoError(t, err)

	stop := startPool(t, worker.NewPool(q, st, runner, b, 1, time.Minute))
	defer stop()

	got := waitTerminal(t, st, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "infer: model response was not valid JSON", *got.ErrorMessage)
	assert.Nil(t, got.Result)

	var last string
	for msg := range sub.Messages() {
		last = msg
		if strings.HasPrefix(msg, "Failed:") {
			break
		}
	}
	assert.Equal(t, "Failed: infer: model response was not valid JSON", last)
}

func TestPool_TruncatesLongErrors(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue("extraction", time.Minute, 50*time.Millisecond)
	b := broadcast.NewMemoryBroadcaster()
	runner := &fakeRunner{run: func(*models.Job, pipeline.Reporter) (json.RawMessage, error) {
		return nil, errors.New(strings.Repeat("x", 5000))
	}}

	job := createPendingJob(t, st)
	_, err := q.Enqueue(context.Background(), job.ID)
	require.NoError(t, err)

	stop := startPool(t, worker.NewPool(q, st, runner, b, 1, time.Minute))
	defer stop()

	got := waitTerminal(t, st, job.ID)
	require.NotNil(t, got.ErrorMessage)
	assert.Len(t, *got.ErrorMessage, 2000)
}

func TestPool_RecoversFromPanic(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue("extraction", time.Minute, 50*time.Millisecond)
	b := broadcast.NewMemoryBroadcaster()
	runner := &fakeRunner{run: func(*models.Job, pipeline.Reporter) (json.RawMessage, error) {
		panic("index out of range")
	}}

	job := createPendingJob(t, st)
	_, err := q.Enqueue(context.Background(), job.ID)
	require.NoError(t, err)

	stop := startPool(t, worker.NewPool(q, st, runner, b, 1, time.Minute))
	defer stop()

	got := waitTerminal(t, st, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "index out of range")
}

func TestPool_DropsTaskForMissingJob(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue("extraction", time.Minute, 50*time.Millisecond)
	b := broadcast.NewMemoryBroadcaster()
	runner := &fakeRunner{run: func(*models.Job, pipeline.Reporter) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}}

	// task references a job that was never stored
	_, err := q.Enqueue(context.Background(), uuid.New())
	require.NoError(t, err)

	stop := startPool(t, worker.NewPool(q, st, runner, b, 1, time.Minute))
	defer stop()

	// the task is acked without running the pipeline
	assert.Eventually(t, func() bool {
		task, err := q.Lease(context.Background(), "checker")
		if err != nil || task != nil {
			return false
		}
		n, _ := q.RequeueExpired(context.Background())
		return n == 0 && runner.runCount() == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPool_DropsStaleRedelivery(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue("extraction", time.Minute, 50*time.Millisecond)
	b := broadcast.NewMemoryBroadcaster()
	runner := &fakeRunner{run: func(*models.Job, pipeline.Reporter) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}}

	// job already finished: a redelivered task must not re-run it
	job := createPendingJob(t, st)
	require.NoError(t, st.MarkJobProcessing(context.Background(), job.ID))
	require.NoError(t, st.CompleteJob(context.Background(), job.ID, json.RawMessage(`{}`)))

	_, err := q.Enqueue(context.Background(), job.ID)
	require.NoError(t, err)

	stop := startPool(t, worker.NewPool(q, st, runner, b, 1, time.Minute))
	defer stop()

	assert.Eventually(t, func() bool {
		return runner.runCount() == 0 && func() bool {
			task, err := q.Lease(context.Background(), "checker")
			return err == nil && task == nil
		}()
	}, 5*time.Second, 50*time.Millisecond)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

// flakyStore injects transient failures into MarkJobProcessing.
type flakyStore struct {
	*memStore
	failMu    sync.Mutex
	markFails int
}

func (s *flakyStore) MarkJobProcessing(ctx context.Context, id uuid.UUID) error {
	s.failMu.Lock()
	if s.markFails > 0 {
		s.markFails--
		s.failMu.Unlock()
		return errors.New("write tcp 127.0.0.1:5432: connection reset by peer")
	}
	s.failMu.Unlock()
	return s.memStore.MarkJobProcessing(ctx, id)
}

func TestPool_RetriesAfterTransientStoreError(t *testing.T) {
	st := &flakyStore{memStore: newMemStore(), markFails: 1}
	q := queue.NewMemoryQueue("extraction", 200*time.Millisecond, 50*time.Millisecond)
	b := broadcast.NewMemoryBroadcaster()
	runner := &fakeRunner{run: func(*models.Job, pipeline.Reporter) (json.RawMessage, error) {
		return json.RawMessage(`{"questions":[{"number":1,"text":"Define X","marks":5}],"total_marks":5,"needs_review":0}`), nil
	}}

	job := createPendingJob(t, st.memStore)
	_, err := q.Enqueue(context.Background(), job.ID)
	require.NoError(t, err)

	// the first attempt hits a store blip entering processing; the task must
	// stay leased so the reaper redelivers it instead of stranding the job
	stop := startPool(t, worker.NewPool(q, st, runner, b, 1, 200*time.Millisecond))
	defer stop()

	got := waitTerminal(t, st.memStore, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, runner.runCount())
}

func TestPool_RedeliveryAfterCrash(t *testing.T) {
	st := newMemStore()
	q := queue.NewMemoryQueue("extraction", 200*time.Millisecond, 50*time.Millisecond)
	b := broadcast.NewMemoryBroadcaster()

	job := createPendingJob(t, st)

	// simulate a crashed worker: lease the task, mark processing, then vanish
	task, err := q.Enqueue(context.Background(), job.ID)
	require.NoError(t, err)
	leased, err := q.Lease(context.Background(), "dead-worker")
	require.NoError(t, err)
	require.Equal(t, task.ID, leased.ID)
	require.NoError(t, st.MarkJobProcessing(context.Background(), job.ID))
	q.ExpireLease(leased.ID)

	runner := &fakeRunner{run: func(*models.Job, pipeline.Reporter) (json.RawMessage, error) {
		return json.RawMessage(`{"questions":[{"number":1,"text":"Define X","marks":5}],"total_marks":5,"needs_review":0}`), nil
	}}

	stop := startPool(t, worker.NewPool(q, st, runner, b, 1, 200*time.Millisecond))
	defer stop()

	// the reaper requeues the task and a live worker finishes the job
	got := waitTerminal(t, st, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, runner.runCount())
}
