package ai

import "errors"

// Sentinels for inference failures. The pipeline records these against the
// inference stage; output that arrives but does not parse is the parser's
// concern, not the provider's.
var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrEmptyCompletion     = errors.New("ai provider returned an empty completion")
)
