package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/gradeflow/gradeflow/pkg/models"
)

var (
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidTransition is returned when a status change is requested from
	// a state that does not permit it, e.g. retrying a job that is not failed.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store is the data access interface. All database operations go through here.
// Status transitions are atomic: each one is a single conditional write, so a
// reader never observes a partially-applied transition.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobsByPaper(ctx context.Context, paperID uuid.UUID) ([]*models.Job, error)

	// MarkJobProcessing moves a job into processing. It succeeds from pending
	// and from processing: queue redelivery after a worker crash re-runs the
	// pipeline, and re-entering processing must be idempotent.
	MarkJobProcessing(ctx context.Context, id uuid.UUID) error

	// CompleteJob atomically sets status=completed and stores the result.
	// Only legal from processing.
	CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) error

	// FailJob atomically sets status=failed and stores the error message.
	// Only legal from processing.
	FailJob(ctx context.Context, id uuid.UUID, errorMessage string) error

	// RetryJob resets a failed job to pending, clearing result and
	// error_message in the same write. Returns ErrInvalidTransition if the
	// job is not currently failed.
	RetryJob(ctx context.Context, id uuid.UUID) error

	CreatePaper(ctx context.Context, paper *models.Paper) error
	GetPaper(ctx context.Context, id uuid.UUID) (*models.Paper, error)
}
