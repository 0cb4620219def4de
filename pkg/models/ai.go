package models

import "context"

// CompletionRequest is a structured prompt for one inference call.
type CompletionRequest struct {
	// System carries the fixed instructions (role, output format).
	System string
	// Prompt carries the document text and per-job context.
	Prompt string
	// MaxTokens bounds the response length; 0 uses the provider default.
	MaxTokens int
}

// AIProvider is a pure request/response inference client. The pipeline owns
// prompt construction and response parsing; providers only move text.
// Implementations must respect ctx cancellation; the caller applies the
// inference timeout.
type AIProvider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
