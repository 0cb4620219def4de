package models

import (
	"time"

	"github.com/google/uuid"
)

// Question is one extracted exam question. Marks is nil when the source
// document did not state a mark for the question; such questions are counted
// in ExtractionResult.NeedsReview and excluded from the total.
type Question struct {
	Number int      `json:"number"`
	Text   string   `json:"text"`
	Marks  *float64 `json:"marks"`
}

// ExtractionResult is the payload stored on a completed extraction job.
// TotalMarks is always recomputed server-side as the sum of non-nil marks.
type ExtractionResult struct {
	Questions   []Question `json:"questions"`
	TotalMarks  float64    `json:"total_marks"`
	NeedsReview int        `json:"needs_review"`
}

// AnswerScore grades one answer against its question's maximum marks.
type AnswerScore struct {
	QuestionNumber int     `json:"question_number"`
	Score          float64 `json:"score"`
	MaxScore       float64 `json:"max_score"`
	Feedback       string  `json:"feedback,omitempty"`
}

// EvaluationResult is the payload stored on a completed evaluation job.
// TotalScore is recomputed as the sum of individual scores.
type EvaluationResult struct {
	Answers    []AnswerScore `json:"answers"`
	TotalScore float64       `json:"total_score"`
	MaxTotal   float64       `json:"max_total"`
}

// Paper is a materialized question set that evaluation jobs grade against.
// Created from a completed extraction job; its question list is the rubric.
type Paper struct {
	ID         uuid.UUID  `db:"id"          json:"id"`
	Title      string     `db:"title"       json:"title"`
	Questions  []Question `db:"questions"   json:"questions"`
	TotalMarks float64    `db:"total_marks" json:"total_marks"`
	CreatedAt  time.Time  `db:"created_at"  json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"  json:"updated_at"`
}
