package llm

import (
	"fmt"

	"github.com/promptq/promptq/internal/config"
	"github.com/promptq/promptq/internal/llm/openai"
	"github.com/promptq/promptq/internal/llm/script"
	"github.com/promptq/promptq/pkg/models"
)

// NewGenerator constructs the text-generation backend selected by config.
// Called once at worker startup.
func NewGenerator(cfg config.LLMConfig) (models.Generator, error) {
	switch cfg.Backend {
	case "openai":
		return openai.NewBackend(cfg.OpenAI), nil
	case "script":
		return script.NewBackend(cfg.Script.Fragments), nil
	default:
		return nil, fmt.Errorf("unknown LLM backend %q: must be one of openai, script", cfg.Backend)
	}
}

// NewEmbedder constructs the embedding backend selected by config.
func NewEmbedder(cfg config.LLMConfig) (models.Embedder, error) {
	switch cfg.Backend {
	case "openai":
		return openai.NewBackend(cfg.OpenAI), nil
	case "script":
		return script.NewBackend(cfg.Script.Fragments), nil
	default:
		return nil, fmt.Errorf("unknown LLM backend %q: must be one of openai, script", cfg.Backend)
	}
}
