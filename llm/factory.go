package llm

import (
	"context"

	"github.com/m4xw311/fuzz/aiconfig"
	"github.com/m4xw311/fuzz/errors"
)

// Purpose selects the default model when a configuration leaves it empty.
type Purpose int

const (
	PurposeChat Purpose = iota
	PurposeVision
)

// Factory builds a client for a stored configuration.
type Factory func(ctx context.Context, cfg aiconfig.Configuration, purpose Purpose) (LLMClient, error)

var defaultModels = map[aiconfig.Provider][2]string{
	aiconfig.ProviderGemini:    {"gemini-1.5-flash", "gemini-2.5-flash"},
	aiconfig.ProviderOpenAI:    {"gpt-4o", "gpt-4o"},
	aiconfig.ProviderLocal:     {"llama3", "llava:7b"},
	aiconfig.ProviderAnthropic: {"claude-3-5-sonnet-latest", "claude-3-5-sonnet-latest"},
	aiconfig.ProviderBedrock:   {"anthropic.claude-3-5-sonnet-20240620-v1:0", "anthropic.claude-3-5-sonnet-20240620-v1:0"},
}

// DefaultModel returns the model used for provider when none is configured.
func DefaultModel(provider aiconfig.Provider, purpose Purpose) string {
	return defaultModels[provider][purpose]
}

// NewClient creates the chat client for cfg.
func NewClient(ctx context.Context, cfg aiconfig.Configuration, purpose Purpose) (LLMClient, error) {
	model := cfg.ModelID
	if model == "" {
		model = DefaultModel(cfg.Provider, purpose)
	}

	switch cfg.Provider {
	case aiconfig.ProviderGemini:
		return NewGeminiLLMClient(ctx, cfg.APIKey, cfg.APIBase, model)
	case aiconfig.ProviderOpenAI:
		return NewOpenAILLMClient(cfg.APIKey, cfg.APIBase, model)
	case aiconfig.ProviderLocal:
		return NewLocalLLMClient(cfg.APIBase, model)
	case aiconfig.ProviderAnthropic:
		return NewAnthropicLLMClient(cfg.APIKey, cfg.APIBase, model)
	case aiconfig.ProviderBedrock:
		return NewBedrockLLMClient(ctx, cfg.APIBase, model)
	}
	return nil, errors.E(errors.KindConfigurationMissing, "provider %s has no chat backend", cfg.Provider.DisplayName())
}
