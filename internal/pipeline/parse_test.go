package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradeflow/gradeflow/pkg/models"
)

func TestParseExtraction_RecomputesTotals(t *testing.T) {
	raw := `{
		"questions": [
			{"number": 1, "text": "Define X", "marks": 5},
			{"number": 2, "text": "Define Y", "marks": null},
			{"number": 3, "text": "Define Z", "marks": 10}
		],
		"total_marks": 999
	}`

	result, err := parseExtraction(raw)
	require.NoError(t, err)
	require.Len(t, result.Questions, 3)
	// total sums only known marks; the model's own total is ignored
	assert.Equal(t, 15.0, result.TotalMarks)
	assert.Equal(t, 1, result.NeedsReview)
	assert.Nil(t, result.Questions[1].Marks)
}

func TestParseExtraction_StripsMarkdownFences(t *testing.T) {
	raw := "```json\n{\"questions\":[{\"number\":1,\"text\":\"Define X\",\"marks\":5}]}\n```"

	result, err := parseExtraction(raw)
	require.NoError(t, err)
	require.Len(t, result.Questions, 1)
	assert.Equal(t, 5.0, result.TotalMarks)
	assert.Zero(t, result.NeedsReview)
}

func TestParseExtraction_NotJSON(t *testing.T) {
	_, err := parseExtraction("I could not find any questions in this document.")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseExtraction_SchemaViolation(t *testing.T) {
	// marks must be number or null, not string
	_, err := parseExtraction(`{"questions":[{"number":1,"text":"Define X","marks":"five"}]}`)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseExtraction_NoQuestions(t *testing.T) {
	_, err := parseExtraction(`{"questions":[]}`)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseExtraction_TruncatesRawInError(t *testing.T) {
	long := "garbage " + string(make([]byte, 0, 2048))
	for len(long) < 2048 {
		long += "aaaaaaaa"
	}
	_, err := parseExtraction(long)
	require.ErrorIs(t, err, ErrMalformedResponse)
	assert.Less(t, len(err.Error()), 1024)
}

func rubric() []models.Question {
	m5, m10 := 5.0, 10.0
	return []models.Question{
		{Number: 1, Text: "Define X", Marks: &m5},
		{Number: 2, Text: "Define Y", Marks: &m10},
	}
}

func TestParseEvaluation_OK(t *testing.T) {
	raw := `{
		"answers": [
			{"question_number": 1, "score": 4, "max_score": 99, "feedback": "mostly right"},
			{"question_number": 2, "score": 10, "feedback": "correct"}
		],
		"total_score": 3
	}`

	result, err := parseEvaluation(raw, rubric())
	require.NoError(t, err)
	require.Len(t, result.Answers, 2)
	// the rubric overrides the model's max_score; the total is recomputed
	assert.Equal(t, 5.0, result.Answers[0].MaxScore)
	assert.Equal(t, 14.0, result.TotalScore)
	assert.Equal(t, 15.0, result.MaxTotal)
}

func TestParseEvaluation_MissingQuestion(t *testing.T) {
	raw := `{"answers":[{"question_number":1,"score":4}]}`

	_, err := parseEvaluation(raw, rubric())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseEvaluation_UnknownQuestion(t *testing.T) {
	raw := `{"answers":[
		{"question_number": 1, "score": 4},
		{"question_number": 7, "score": 1}
	]}`

	_, err := parseEvaluation(raw, rubric())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseEvaluation_DuplicateQuestion(t *testing.T) {
	raw := `{"answers":[
		{"question_number": 1, "score": 4},
		{"question_number": 1, "score": 5}
	]}`

	_, err := parseEvaluation(raw, rubric())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseEvaluation_ScoreAboveMax(t *testing.T) {
	raw := `{"answers":[
		{"question_number": 1, "score": 6},
		{"question_number": 2, "score": 10}
	]}`

	_, err := parseEvaluation(raw, rubric())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
