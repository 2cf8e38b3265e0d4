// Package providers builds the configured LLM client with its middleware chain.
package providers

import (
	"fmt"
	"time"

	"rlm/pkg/config"
	"rlm/pkg/llm"
	"rlm/pkg/llm/anthropic"
	"rlm/pkg/llm/google"
	"rlm/pkg/llm/ollama"
	"rlm/pkg/llm/openai"
)

// DefaultCallTimeout bounds a single completion call.
const DefaultCallTimeout = 5 * time.Minute

// KeyFunc resolves a provider credential. config.GetAPIKey is the default.
type KeyFunc func(provider string) (string, error)

// NewRaw creates the bare provider client for cfg.
func NewRaw(cfg config.RunnerConfig, key KeyFunc) (llm.LLMClient, error) {
	if key == nil {
		key = config.GetAPIKey
	}
	secret, err := key(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials for %s: %w", cfg.Provider, err)
	}

	switch cfg.Provider {
	case config.ProviderAnthropic:
		return anthropic.New(secret, cfg.Model), nil
	case config.ProviderOpenAI:
		return openai.New(secret, cfg.Model), nil
	case config.ProviderGoogle:
		return google.New(secret, cfg.Model), nil
	case config.ProviderOllama:
		return ollama.New(secret, cfg.Model, nil), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// New creates the provider client wrapped in retry, timeout and empty-response
// middleware. Retry is outermost so each attempt gets a fresh timeout.
func New(cfg config.RunnerConfig, key KeyFunc) (llm.LLMClient, error) {
	raw, err := NewRaw(cfg, key)
	if err != nil {
		return nil, err
	}
	return llm.Chain(raw,
		llm.Retry(llm.DefaultRetryConfig),
		llm.Timeout(DefaultCallTimeout),
		llm.RejectEmpty(),
	), nil
}
