package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gradeflow/gradeflow/pkg/models"
)

// ErrMalformedResponse marks AI output that could not be parsed or did not
// validate. Always a permanent job failure: the dominant cause is the model
// ignoring the format contract, which a blind retry would just repeat.
var ErrMalformedResponse = errors.New("malformed ai response")

// rawSnippetLimit caps how much offending AI output is embedded in an error
// message (and thus in the stored error_message).
const rawSnippetLimit = 512

var extractionSchema = mustCompileSchema(`{
	"type": "object",
	"required": ["questions"],
	"properties": {
		"questions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["number", "text", "marks"],
				"properties": {
					"number": {"type": "integer", "minimum": 1},
					"text": {"type": "string", "minLength": 1},
					"marks": {"type": ["number", "null"], "minimum": 0}
				}
			}
		},
		"total_marks": {"type": "number"}
	}
}`)

var evaluationSchema = mustCompileSchema(`{
	"type": "object",
	"required": ["answers"],
	"properties": {
		"answers": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["question_number", "score"],
				"properties": {
					"question_number": {"type": "integer", "minimum": 1},
					"score": {"type": "number", "minimum": 0},
					"max_score": {"type": "number", "minimum": 0},
					"feedback": {"type": "string"}
				}
			}
		},
		"total_score": {"type": "number"}
	}
}`)

func mustCompileSchema(raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(raw)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("schema.json")
}

// extractJSON strips any non-JSON wrapping (markdown fences, prose around the
// object) and returns the outermost JSON object.
func extractJSON(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)

	// drop markdown code fences the model may have added despite instructions
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object found in %q", ErrMalformedResponse, snippet(raw))
	}
	return []byte(s[start : end+1]), nil
}

func validate(schema *jsonschema.Schema, doc []byte, raw string) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("%w: invalid JSON (%v) in %q", ErrMalformedResponse, err, snippet(raw))
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v in %q", ErrMalformedResponse, err, snippet(raw))
	}
	return nil
}

// parseExtraction parses and validates an extraction completion. The total is
// recomputed from the non-null marks regardless of what the model reported;
// null-mark questions are counted in NeedsReview, not failed.
func parseExtraction(raw string) (*models.ExtractionResult, error) {
	doc, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	if err := validate(extractionSchema, doc, raw); err != nil {
		return nil, err
	}

	var result models.ExtractionResult
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, fmt.Errorf("%w: %v in %q", ErrMalformedResponse, err, snippet(raw))
	}
	if len(result.Questions) == 0 {
		return nil, fmt.Errorf("%w: no questions extracted", ErrMalformedResponse)
	}

	total := 0.0
	needsReview := 0
	for _, q := range result.Questions {
		if q.Marks == nil {
			needsReview++
			continue
		}
		total += *q.Marks
	}
	result.TotalMarks = total
	result.NeedsReview = needsReview
	return &result, nil
}

// parseEvaluation parses and validates an evaluation completion against the
// paper's rubric: every question scored exactly once, no score above its
// question's marks, total recomputed as the sum of scores.
func parseEvaluation(raw string, rubric []models.Question) (*models.EvaluationResult, error) {
	doc, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	if err := validate(evaluationSchema, doc, raw); err != nil {
		return nil, err
	}

	var result models.EvaluationResult
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, fmt.Errorf("%w: %v in %q", ErrMalformedResponse, err, snippet(raw))
	}

	maxByNumber := make(map[int]float64, len(rubric))
	maxTotal := 0.0
	for _, q := range rubric {
		marks := 0.0
		if q.Marks != nil {
			marks = *q.Marks
		}
		maxByNumber[q.Number] = marks
		maxTotal += marks
	}

	if len(result.Answers) != len(rubric) {
		return nil, fmt.Errorf("%w: got %d scored answers for %d rubric questions",
			ErrMalformedResponse, len(result.Answers), len(rubric))
	}

	seen := make(map[int]bool, len(result.Answers))
	total := 0.0
	for i := range result.Answers {
		a := &result.Answers[i]
		max, ok := maxByNumber[a.QuestionNumber]
		if !ok {
			return nil, fmt.Errorf("%w: scored unknown question %d", ErrMalformedResponse, a.QuestionNumber)
		}
		if seen[a.QuestionNumber] {
			return nil, fmt.Errorf("%w: question %d scored twice", ErrMalformedResponse, a.QuestionNumber)
		}
		seen[a.QuestionNumber] = true

		if a.Score < 0 || a.Score > max {
			return nil, fmt.Errorf("%w: question %d scored %g out of %g", ErrMalformedResponse, a.QuestionNumber, a.Score, max)
		}
		// the rubric is authoritative for the maximum
		a.MaxScore = max
		total += a.Score
	}

	result.TotalScore = total
	result.MaxTotal = maxTotal
	return &result, nil
}

// snippet size-limits raw AI output for embedding in error messages.
func snippet(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) <= rawSnippetLimit {
		return s
	}
	cut := rawSnippetLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// compactJSON renders a result payload for storage.
func compactJSON(v any) (json.RawMessage, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, out); err != nil {
		return nil, fmt.Errorf("compact result: %w", err)
	}
	return buf.Bytes(), nil
}
