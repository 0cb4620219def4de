package pipeline

import (
	"fmt"
	"strings"

	"github.com/gradeflow/gradeflow/pkg/models"
)

// extractionSystem is the fixed instruction block for question extraction.
// The response contract matches parseExtraction exactly.
const extractionSystem = `You are an exam paper parser. You read the text of an exam question set ` +
	`and return ONLY a JSON object, no prose and no markdown fences, of the shape: ` +
	`{"questions": [{"number": <int>, "text": <string>, "marks": <number or null>}], "total_marks": <number>}. ` +
	`Preserve the paper's own question numbering. If a question does not state its marks, use null for marks; never guess. ` +
	`"total_marks" is the sum of the stated marks.`

// evaluationSystem is the fixed instruction block for answer grading. The
// word "grader" doubles as the dispatch hint for the mock provider.
const evaluationSystem = `You are a strict but fair exam grader. You receive a grading rubric and the text of ` +
	`a student's answer sheet, and return ONLY a JSON object, no prose and no markdown fences, of the shape: ` +
	`{"answers": [{"question_number": <int>, "score": <number>, "max_score": <number>, "feedback": <string>}], "total_score": <number>}. ` +
	`Score every rubric question exactly once. A score must never exceed the question's maximum. ` +
	`If the sheet has no answer for a question, give it a score of 0 with feedback "Not attempted".`

func buildExtractionRequest(documentText string) models.CompletionRequest {
	var b strings.Builder
	b.WriteString("Extract the questions from this exam paper.\n\nDocument:\n")
	b.WriteString(documentText)

	return models.CompletionRequest{
		System: extractionSystem,
		Prompt: b.String(),
	}
}

func buildEvaluationRequest(paper *models.Paper, answerText string) models.CompletionRequest {
	var b strings.Builder
	b.WriteString("Grade this answer sheet against the rubric.\n\nRubric for \"")
	b.WriteString(paper.Title)
	b.WriteString("\":\n")
	for _, q := range paper.Questions {
		marks := 0.0
		if q.Marks != nil {
			marks = *q.Marks
		}
		fmt.Fprintf(&b, "- Question %d (%g marks): %s\n", q.Number, marks, q.Text)
	}
	b.WriteString("\nAnswer sheet:\n")
	b.WriteString(answerText)

	return models.CompletionRequest{
		System: evaluationSystem,
		Prompt: b.String(),
	}
}
