package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gradeflow/gradeflow/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, type, input_kind, input_text, file_url, mime_type, paper_id,
	status, result, error_message, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var result []byte
	err := row.Scan(&j.ID, &j.Type, &j.InputKind, &j.InputText, &j.FileURL, &j.MimeType,
		&j.PaperID, &j.Status, &result, &j.ErrorMessage, &j.StartedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Result = result
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, type, input_kind, input_text, file_url, mime_type, paper_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.Type, job.InputKind, job.InputText, job.FileURL, job.MimeType,
		job.PaperID, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobsByPaper(ctx context.Context, paperID uuid.UUID) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE paper_id = $1 ORDER BY created_at DESC`, paperID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by paper: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkJobProcessing is the first durable write a worker performs after
// dequeuing. It is conditional on status so a job already in a terminal state
// cannot be dragged back, and idempotent from processing so lease-expiry
// redelivery can safely re-run the pipeline.
func (s *PostgresStore) MarkJobProcessing(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'processing', started_at = COALESCE(started_at, $2), updated_at = $2
		 WHERE id = $1 AND status IN ('pending', 'processing')`, id, now)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, models.JobStatusProcessing)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', result = $2, error_message = NULL,
		        completed_at = $3, updated_at = $3
		 WHERE id = $1 AND status = 'processing'`, id, []byte(result), now)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, models.JobStatusCompleted)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, errorMessage string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error_message = $2, result = NULL,
		        completed_at = $3, updated_at = $3
		 WHERE id = $1 AND status = 'processing'`, id, errorMessage, now)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, models.JobStatusFailed)
	}
	return nil
}

func (s *PostgresStore) RetryJob(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', error_message = NULL, result = NULL,
		        started_at = NULL, completed_at = NULL, updated_at = $2
		 WHERE id = $1 AND status = 'failed'`, id, now)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, models.JobStatusPending)
	}
	return nil
}

// transitionError distinguishes a missing job from an illegal transition after
// a conditional update matched zero rows.
func (s *PostgresStore) transitionError(ctx context.Context, id uuid.UUID, target string) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
}

// --- Papers ---

func (s *PostgresStore) CreatePaper(ctx context.Context, paper *models.Paper) error {
	questions, err := json.Marshal(paper.Questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	if paper.CreatedAt.IsZero() {
		paper.CreatedAt = time.Now().UTC()
	}
	paper.UpdatedAt = paper.CreatedAt
	_, err = s.pool.Exec(ctx,
		`INSERT INTO papers (id, title, questions, total_marks, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		paper.ID, paper.Title, questions, paper.TotalMarks, paper.CreatedAt, paper.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create paper: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPaper(ctx context.Context, id uuid.UUID) (*models.Paper, error) {
	var p models.Paper
	var questions []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, questions, total_marks, created_at, updated_at
		 FROM papers WHERE id = $1`, id,
	).Scan(&p.ID, &p.Title, &questions, &p.TotalMarks, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get paper: %w", err)
	}
	if err := json.Unmarshal(questions, &p.Questions); err != nil {
		return nil, fmt.Errorf("unmarshal questions: %w", err)
	}
	return &p, nil
}

var _ Store = (*PostgresStore)(nil)
