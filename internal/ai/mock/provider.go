// Package mock provides a deterministic in-process AI provider for tests and
// local development (AI_PROVIDER=mock). Its defaults understand the prompt
// formats built by the pipeline: numbered "Qn. text (N Marks)" lines for
// extraction, and "Question n (N marks)" rubric lines for evaluation.
package mock

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/gradeflow/gradeflow/pkg/models"
)

// Provider satisfies models.AIProvider for testing. Set CompleteFunc to
// script exact responses; leave it nil for deterministic defaults.
type Provider struct {
	Name_        string
	CompleteFunc func(ctx context.Context, req models.CompletionRequest) (string, error)
}

func (m *Provider) Name() string {
	if m.Name_ == "" {
		return "mock"
	}
	return m.Name_
}

func (m *Provider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	if strings.Contains(req.System, "grader") {
		return defaultEvaluation(req.Prompt), nil
	}
	return defaultExtraction(req.Prompt), nil
}

// NewProvider returns a Provider with deterministic default responses.
func NewProvider() *Provider {
	return &Provider{Name_: "mock"}
}

// NewScripted returns a Provider that always responds with the given text.
func NewScripted(response string) *Provider {
	return &Provider{
		Name_: "mock-scripted",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
			return response, nil
		},
	}
}

// NewFailing returns a Provider that always returns the given error.
func NewFailing(err error) *Provider {
	return &Provider{
		Name_: "mock-failing",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
			return "", err
		},
	}
}

// NewBlocking returns a Provider that blocks until the context is cancelled.
// Used to exercise the inference timeout path.
func NewBlocking() *Provider {
	return &Provider{
		Name_: "mock-blocking",
		CompleteFunc: func(ctx context.Context, _ models.CompletionRequest) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
}

var questionLine = regexp.MustCompile(`(?mi)^\s*(?:Q|Question\s*)(\d+)[.):]?\s*(.+?)\s*(?:\((\d+(?:\.\d+)?)\s*marks?\))?\s*$`)

func defaultExtraction(prompt string) string {
	type q struct {
		Number int      `json:"number"`
		Text   string   `json:"text"`
		Marks  *float64 `json:"marks"`
	}

	var questions []q
	total := 0.0
	for _, match := range questionLine.FindAllStringSubmatch(prompt, -1) {
		number, _ := strconv.Atoi(match[1])
		item := q{Number: number, Text: match[2]}
		if match[3] != "" {
			marks, _ := strconv.ParseFloat(match[3], 64)
			item.Marks = &marks
			total += marks
		}
		questions = append(questions, item)
	}

	out, _ := json.Marshal(map[string]any{
		"questions":   questions,
		"total_marks": total,
	})
	return string(out)
}

var rubricLine = regexp.MustCompile(`(?mi)^\s*(?:-\s*)?Question\s+(\d+)\s*\((\d+(?:\.\d+)?)\s*marks?\)`)

func defaultEvaluation(prompt string) string {
	type a struct {
		QuestionNumber int     `json:"question_number"`
		Score          float64 `json:"score"`
		MaxScore       float64 `json:"max_score"`
		Feedback       string  `json:"feedback"`
	}

	var answers []a
	total := 0.0
	for _, match := range rubricLine.FindAllStringSubmatch(prompt, -1) {
		number, _ := strconv.Atoi(match[1])
		max, _ := strconv.ParseFloat(match[2], 64)
		answers = append(answers, a{
			QuestionNumber: number,
			Score:          max,
			MaxScore:       max,
			Feedback:       "Answer accepted by mock grader",
		})
		total += max
	}

	out, _ := json.Marshal(map[string]any{
		"answers":     answers,
		"total_score": total,
	})
	return string(out)
}

// Compile-time check that Provider implements AIProvider.
var _ models.AIProvider = (*Provider)(nil)
