package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Job types. Extraction jobs turn a question set document into structured
// questions; evaluation jobs grade one answer sheet against a paper.
const (
	JobTypeExtraction = "question_extraction"
	JobTypeEvaluation = "answer_evaluation"
)

// Input kinds for extraction jobs.
const (
	InputKindText = "typed_text"
	InputKindFile = "uploaded_file"
)

// Job is the durable record of one background unit of work. The API returns a
// job id on submission; clients either poll GET /api/v1/jobs/{id} or subscribe
// to the job's event stream until a terminal status is reached.
//
// Invariant: result is set only when status is completed, error_message only
// when status is failed, never both.
type Job struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	Type         string          `db:"type"          json:"type"`
	InputKind    string          `db:"input_kind"    json:"input_kind"`
	InputText    *string         `db:"input_text"    json:"input_text,omitempty"`
	FileURL      *string         `db:"file_url"      json:"file_url,omitempty"`
	MimeType     *string         `db:"mime_type"     json:"mime_type,omitempty"`
	PaperID      *uuid.UUID      `db:"paper_id"      json:"paper_id,omitempty"`
	Status       string          `db:"status"        json:"status"`
	Result       json.RawMessage `db:"result"        json:"result,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time      `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}

// Terminal reports whether the job has reached a terminal state.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
