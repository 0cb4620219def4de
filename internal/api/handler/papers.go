package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/gradeflow/gradeflow/internal/api/response"
	"github.com/gradeflow/gradeflow/internal/jobs"
	"github.com/gradeflow/gradeflow/internal/store"
)

// NewCreatePaperHandler returns the handler for POST /api/v1/papers. A paper
// is materialized from a completed extraction job's question set.
func NewCreatePaperHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobID string `json:"job_id"`
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		jobID, err := uuid.Parse(req.JobID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"job_id must be a valid UUID", nil)
			return
		}

		paper, err := svc.CreatePaperFromJob(r.Context(), jobID, req.Title)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			case errors.Is(err, jobs.ErrValidation):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			case errors.Is(err, jobs.ErrPaperNotReady):
				response.Error(w, http.StatusConflict, "PAPER_NOT_READY", err.Error(), nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Created(w, paper)
	}
}

// NewGetPaperHandler returns the handler for GET /api/v1/papers/{paperID}.
func NewGetPaperHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "paperID")
		if !ok {
			return
		}

		paper, err := svc.GetPaper(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "PAPER_NOT_FOUND", "Paper not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, paper)
	}
}

// NewSubmitEvaluationHandler returns the handler for
// POST /api/v1/papers/{paperID}/evaluations. Each submitted sheet becomes
// its own job; all of them come back as 202.
func NewSubmitEvaluationHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paperID, ok := parseID(w, r, "paperID")
		if !ok {
			return
		}

		var req struct {
			Sheets []jobs.SheetRequest `json:"sheets"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		created, err := svc.SubmitEvaluation(r.Context(), jobs.EvaluationRequest{
			PaperID: paperID,
			Sheets:  req.Sheets,
		})
		if err != nil {
			if errors.Is(err, jobs.ErrValidation) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Accepted(w, created)
	}
}

// NewListEvaluationsHandler returns the handler for
// GET /api/v1/papers/{paperID}/evaluations.
func NewListEvaluationsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paperID, ok := parseID(w, r, "paperID")
		if !ok {
			return
		}

		list, err := svc.ListEvaluations(r.Context(), paperID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "PAPER_NOT_FOUND", "Paper not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Collection(w, list, response.CollectionMeta{Count: len(list)})
	}
}
