package ai

import (
	"fmt"

	"github.com/rowforge/rowforge/internal/ai/mock"
	"github.com/rowforge/rowforge/internal/ai/openai"
	"github.com/rowforge/rowforge/internal/config"
	"github.com/rowforge/rowforge/pkg/models"
)

// NewProvider constructs the appropriate completion provider based on config.
// Called once at server startup.
func NewProvider(cfg config.AIConfig) (models.CompletionProvider, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of openai, mock", cfg.Provider)
	}
}
