// Package jobs is the application service behind the HTTP surface: it
// validates submissions, creates job records, and hands them to the queues.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/gradeflow/gradeflow/internal/queue"
	"github.com/gradeflow/gradeflow/internal/store"
	"github.com/gradeflow/gradeflow/pkg/models"
)

var (
	// ErrValidation marks a rejected submission. The wrapped message is safe
	// to return to the caller.
	ErrValidation = errors.New("invalid request")

	// ErrNotRetryable is returned when retry is requested for a job that is
	// not in the failed state.
	ErrNotRetryable = errors.New("job is not in a retryable state")

	// ErrPaperNotReady is returned when a paper is built from a job that has
	// not produced a usable question set.
	ErrPaperNotReady = errors.New("job has no usable question set")
)

// maxInputBytes bounds typed text submissions.
const maxInputBytes = 1 << 20 // 1 MiB

// ExtractionRequest is a question-set submission: either typed text or a
// fetchable file, never both.
type ExtractionRequest struct {
	Text     string `json:"text,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// EvaluationRequest submits one or more answer sheets against a paper. Each
// sheet becomes its own job.
type EvaluationRequest struct {
	PaperID uuid.UUID      `json:"paper_id"`
	Sheets  []SheetRequest `json:"sheets"`
}

type SheetRequest struct {
	Text     string `json:"text,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Service coordinates job persistence and queueing.
type Service struct {
	store      store.Store
	extraction queue.Queue
	evaluation queue.Queue
	logger     *slog.Logger
}

func NewService(st store.Store, extraction, evaluation queue.Queue) *Service {
	return &Service{
		store:      st,
		extraction: extraction,
		evaluation: evaluation,
		logger:     slog.Default().With("component", "jobs"),
	}
}

// SubmitExtraction creates a pending extraction job and enqueues it.
func (s *Service) SubmitExtraction(ctx context.Context, req ExtractionRequest) (*models.Job, error) {
	kind, err := validateInput(req.Text, req.FileURL)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:        uuid.New(),
		Type:      models.JobTypeExtraction,
		InputKind: kind,
		Status:    models.JobStatusPending,
	}
	applyInput(job, req.Text, req.FileURL, req.MimeType)

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	if err := s.enqueue(ctx, s.extraction, job.ID); err != nil {
		return nil, err
	}

	s.logger.Info("extraction submitted", "job_id", job.ID, "input_kind", kind)
	return job, nil
}

// SubmitEvaluation creates one evaluation job per answer sheet, all graded
// against the same paper. The paper must exist before any job is created.
func (s *Service) SubmitEvaluation(ctx context.Context, req EvaluationRequest) ([]*models.Job, error) {
	if req.PaperID == uuid.Nil {
		return nil, fmt.Errorf("%w: paper_id is required", ErrValidation)
	}
	if len(req.Sheets) == 0 {
		return nil, fmt.Errorf("%w: at least one answer sheet is required", ErrValidation)
	}
	if _, err := s.store.GetPaper(ctx, req.PaperID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: paper %s not found", ErrValidation, req.PaperID)
		}
		return nil, fmt.Errorf("loading paper: %w", err)
	}
	for i, sheet := range req.Sheets {
		if _, err := validateInput(sheet.Text, sheet.FileURL); err != nil {
			return nil, fmt.Errorf("sheet %d: %w", i+1, err)
		}
	}

	created := make([]*models.Job, 0, len(req.Sheets))
	for _, sheet := range req.Sheets {
		kind, _ := validateInput(sheet.Text, sheet.FileURL)
		job := &models.Job{
			ID:        uuid.New(),
			Type:      models.JobTypeEvaluation,
			InputKind: kind,
			PaperID:   &req.PaperID,
			Status:    models.JobStatusPending,
		}
		applyInput(job, sheet.Text, sheet.FileURL, sheet.MimeType)

		if err := s.store.CreateJob(ctx, job); err != nil {
			return created, fmt.Errorf("creating job: %w", err)
		}
		if err := s.enqueue(ctx, s.evaluation, job.ID); err != nil {
			return created, err
		}
		created = append(created, job)
	}

	s.logger.Info("evaluation submitted", "paper_id", req.PaperID, "sheets", len(created))
	return created, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Retry moves a failed job back to pending and re-enqueues it. Only failed
// jobs are retryable.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	if err := s.store.RetryJob(ctx, id); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %v", ErrNotRetryable, err)
		}
		return nil, err
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	q := s.extraction
	if job.Type == models.JobTypeEvaluation {
		q = s.evaluation
	}
	if err := s.enqueue(ctx, q, job.ID); err != nil {
		return nil, err
	}

	s.logger.Info("job retried", "job_id", id)
	return job, nil
}

// CreatePaperFromJob materializes a completed extraction job's question set
// into a named paper that evaluation jobs can grade against. Question sets
// with unresolved marks are rejected: a rubric with unknown weights cannot
// score anything.
func (s *Service) CreatePaperFromJob(ctx context.Context, jobID uuid.UUID, title string) (*models.Paper, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Type != models.JobTypeExtraction {
		return nil, fmt.Errorf("%w: job %s is not an extraction job", ErrValidation, jobID)
	}
	if job.Status != models.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job status is %s", ErrPaperNotReady, job.Status)
	}

	var result models.ExtractionResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding stored result: %w", err)
	}
	if result.NeedsReview > 0 {
		return nil, fmt.Errorf("%w: %d questions have unresolved marks", ErrPaperNotReady, result.NeedsReview)
	}

	paper := &models.Paper{
		ID:         uuid.New(),
		Title:      title,
		Questions:  result.Questions,
		TotalMarks: result.TotalMarks,
	}
	if err := s.store.CreatePaper(ctx, paper); err != nil {
		return nil, fmt.Errorf("creating paper: %w", err)
	}

	s.logger.Info("paper created", "paper_id", paper.ID, "job_id", jobID, "questions", len(paper.Questions))
	return paper, nil
}

func (s *Service) GetPaper(ctx context.Context, id uuid.UUID) (*models.Paper, error) {
	return s.store.GetPaper(ctx, id)
}

// ListEvaluations returns every evaluation job submitted against a paper.
func (s *Service) ListEvaluations(ctx context.Context, paperID uuid.UUID) ([]*models.Job, error) {
	if _, err := s.store.GetPaper(ctx, paperID); err != nil {
		return nil, err
	}
	return s.store.ListJobsByPaper(ctx, paperID)
}

func (s *Service) enqueue(ctx context.Context, q queue.Queue, jobID uuid.UUID) error {
	_, err := q.Enqueue(ctx, jobID)
	if err != nil && !errors.Is(err, queue.ErrJobAlreadyQueued) {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// validateInput enforces the text/file mutual exclusion and basic sanity.
func validateInput(text, fileURL string) (string, error) {
	hasText := strings.TrimSpace(text) != ""
	hasFile := fileURL != ""

	switch {
	case hasText && hasFile:
		return "", fmt.Errorf("%w: provide either text or file_url, not both", ErrValidation)
	case !hasText && !hasFile:
		return "", fmt.Errorf("%w: provide text or file_url", ErrValidation)
	case hasText:
		if len(text) > maxInputBytes {
			return "", fmt.Errorf("%w: text exceeds %d bytes", ErrValidation, maxInputBytes)
		}
		return models.InputKindText, nil
	default:
		u, err := url.Parse(fileURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", fmt.Errorf("%w: file_url must be an absolute http(s) URL", ErrValidation)
		}
		return models.InputKindFile, nil
	}
}

func applyInput(job *models.Job, text, fileURL, mimeType string) {
	if job.InputKind == models.InputKindText {
		job.InputText = &text
		return
	}
	job.FileURL = &fileURL
	if mimeType != "" {
		job.MimeType = &mimeType
	}
}
