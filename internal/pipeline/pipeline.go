// Package pipeline executes the multi-stage processing of one job: download,
// extract, infer, parse, and hand the validated result back to the worker for
// the terminal write. Stages are sequential; each consumes the previous
// stage's output. No stage has side effects beyond its own output, so
// re-running a job after queue redelivery is safe.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gradeflow/gradeflow/internal/ai"
	"github.com/gradeflow/gradeflow/internal/blob"
	"github.com/gradeflow/gradeflow/internal/extract"
	"github.com/gradeflow/gradeflow/internal/store"
	"github.com/gradeflow/gradeflow/pkg/models"
)

// Stage names used in error classification and progress messages.
const (
	StageFetch   = "fetch"
	StageExtract = "extract"
	StageInfer   = "infer"
	StageParse   = "parse"
)

// StageError records which pipeline stage failed. All stage failures are
// permanent from the pipeline's point of view; the user may explicitly retry.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageFailed(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// Reporter receives a progress message at each stage boundary. Implementations
// must not block; the worker wires this to the status broadcaster.
type Reporter func(message string)

// Runner executes one job's pipeline to a validated result payload.
type Runner interface {
	Run(ctx context.Context, job *models.Job, report Reporter) (json.RawMessage, error)
}

// Pipeline is the production Runner.
type Pipeline struct {
	blob         blob.Client
	extractor    extract.Extractor
	provider     models.AIProvider
	store        store.Store
	inferTimeout time.Duration
	logger       *slog.Logger
}

func New(blobClient blob.Client, extractor extract.Extractor, provider models.AIProvider,
	st store.Store, inferTimeout time.Duration) *Pipeline {
	return &Pipeline{
		blob:         blobClient,
		extractor:    extractor,
		provider:     provider,
		store:        st,
		inferTimeout: inferTimeout,
		logger:       slog.Default(),
	}
}

func (p *Pipeline) Run(ctx context.Context, job *models.Job, report Reporter) (json.RawMessage, error) {
	switch job.Type {
	case models.JobTypeExtraction:
		return p.runExtraction(ctx, job, report)
	case models.JobTypeEvaluation:
		return p.runEvaluation(ctx, job, report)
	default:
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (p *Pipeline) runExtraction(ctx context.Context, job *models.Job, report Reporter) (json.RawMessage, error) {
	text, err := p.documentText(ctx, job, report)
	if err != nil {
		return nil, err
	}

	report("Extracting questions with AI")
	raw, err := p.infer(ctx, buildExtractionRequest(text))
	if err != nil {
		return nil, stageFailed(StageInfer, err)
	}

	report("Validating extracted questions")
	result, err := parseExtraction(raw)
	if err != nil {
		return nil, stageFailed(StageParse, err)
	}

	p.logger.Info("extraction parsed",
		"job_id", job.ID,
		"questions", len(result.Questions),
		"total_marks", result.TotalMarks,
		"needs_review", result.NeedsReview,
	)
	return compactJSON(result)
}

func (p *Pipeline) runEvaluation(ctx context.Context, job *models.Job, report Reporter) (json.RawMessage, error) {
	if job.PaperID == nil {
		return nil, stageFailed(StageFetch, errors.New("evaluation job has no paper"))
	}
	paper, err := p.store.GetPaper(ctx, *job.PaperID)
	if err != nil {
		return nil, stageFailed(StageFetch, fmt.Errorf("loading paper rubric: %w", err))
	}

	answerText, err := p.documentText(ctx, job, report)
	if err != nil {
		return nil, err
	}

	report("Grading answers with AI")
	raw, err := p.infer(ctx, buildEvaluationRequest(paper, answerText))
	if err != nil {
		return nil, stageFailed(StageInfer, err)
	}

	report("Validating scores")
	result, err := parseEvaluation(raw, paper.Questions)
	if err != nil {
		return nil, stageFailed(StageParse, err)
	}

	p.logger.Info("evaluation parsed",
		"job_id", job.ID,
		"paper_id", paper.ID,
		"total_score", result.TotalScore,
		"max_total", result.MaxTotal,
	)
	return compactJSON(result)
}

// documentText resolves the job's input to normalized text: typed text is
// normalized as-is, file input is downloaded and run through the extractor.
func (p *Pipeline) documentText(ctx context.Context, job *models.Job, report Reporter) (string, error) {
	switch job.InputKind {
	case models.InputKindText:
		if job.InputText == nil {
			return "", stageFailed(StageExtract, extract.ErrNoContent)
		}
		text := extract.Normalize(*job.InputText)
		if text == "" {
			return "", stageFailed(StageExtract, extract.ErrNoContent)
		}
		return text, nil

	case models.InputKindFile:
		if job.FileURL == nil || job.MimeType == nil {
			return "", stageFailed(StageFetch, errors.New("file job missing URL or MIME type"))
		}

		report("Downloading document")
		data, err := p.blob.Download(ctx, *job.FileURL)
		if err != nil {
			return "", stageFailed(StageFetch, err)
		}

		report("Extracting document text")
		text, err := p.extractor.Extract(data, *job.MimeType)
		if err != nil {
			return "", stageFailed(StageExtract, err)
		}
		return text, nil

	default:
		return "", fmt.Errorf("unknown input kind %q", job.InputKind)
	}
}

// infer runs one completion with the configured timeout and maps a deadline
// hit to a stable sentinel so the stored error message is readable.
func (p *Pipeline) infer(ctx context.Context, req models.CompletionRequest) (string, error) {
	inferCtx, cancel := context.WithTimeout(ctx, p.inferTimeout)
	defer cancel()

	start := time.Now()
	raw, err := p.provider.Complete(inferCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || inferCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w after %s", ai.ErrInferenceTimeout, p.inferTimeout)
		}
		return "", fmt.Errorf("%w: %v", ai.ErrProviderUnavailable, err)
	}
	if raw == "" {
		return "", ai.ErrEmptyCompletion
	}

	p.logger.Debug("inference complete",
		"provider", p.provider.Name(),
		"duration_ms", time.Since(start).Milliseconds(),
		"response_bytes", len(raw),
	)
	return raw, nil
}

var _ Runner = (*Pipeline)(nil)
