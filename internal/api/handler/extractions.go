package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/gradeflow/gradeflow/internal/api/response"
	"github.com/gradeflow/gradeflow/internal/jobs"
	"github.com/gradeflow/gradeflow/pkg/models"
)

// JobService defines the application operations the handlers depend on.
type JobService interface {
	SubmitExtraction(ctx context.Context, req jobs.ExtractionRequest) (*models.Job, error)
	SubmitEvaluation(ctx context.Context, req jobs.EvaluationRequest) ([]*models.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Retry(ctx context.Context, id uuid.UUID) (*models.Job, error)
	CreatePaperFromJob(ctx context.Context, jobID uuid.UUID, title string) (*models.Paper, error)
	GetPaper(ctx context.Context, id uuid.UUID) (*models.Paper, error)
	ListEvaluations(ctx context.Context, paperID uuid.UUID) ([]*models.Job, error)
}

// NewSubmitExtractionHandler returns the handler for POST /api/v1/extractions.
// Accepted submissions come back as 202 with the pending job record.
func NewSubmitExtractionHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobs.ExtractionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.SubmitExtraction(r.Context(), req)
		if err != nil {
			if errors.Is(err, jobs.ErrValidation) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Accepted(w, job)
	}
}
