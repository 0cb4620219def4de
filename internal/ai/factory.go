// Package ai wires the configured inference provider. The pipeline owns
// prompt construction and response parsing; providers only move text.
package ai

import (
	"fmt"

	"github.com/gradeflow/gradeflow/internal/ai/anthropic"
	"github.com/gradeflow/gradeflow/internal/ai/mock"
	"github.com/gradeflow/gradeflow/internal/ai/ollama"
	"github.com/gradeflow/gradeflow/internal/ai/openai"
	"github.com/gradeflow/gradeflow/internal/config"
	"github.com/gradeflow/gradeflow/pkg/models"
)

// NewProvider constructs the appropriate AI provider based on config.
// Called once at server startup.
func NewProvider(cfg config.AIConfig) (models.AIProvider, error) {
	switch cfg.Provider {
	case "ollama":
		return ollama.NewProvider(cfg.Ollama), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of ollama, openai, anthropic, mock", cfg.Provider)
	}
}
