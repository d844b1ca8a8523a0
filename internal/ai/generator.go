package ai

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNoProvider         = errors.New("ai: no provider configured")
	ErrEmptyInput         = errors.New("ai: empty input")
	ErrEmptyResponse      = errors.New("ai: provider returned an empty response")
	ErrAllProvidersFailed = errors.New("ai: all providers failed")
	ErrInterrupted        = errors.New("ai: generation interrupted")
)

// Provider streams a completion for a single prompt. emit receives each text
// delta in order; an error from emit must abort the call.
type Provider interface {
	Name() string
	Stream(ctx context.Context, prompt string, emit func(delta string) error) error
}

type Config struct {
	GeminiAPIKey      string
	GeminiModel       string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterBaseURL string
	AnthropicAPIKey   string
	AnthropicModel    string
	Referer           string
	Title             string
	Timeout           time.Duration
}

// Generator tries its providers in order until one produces text.
type Generator struct {
	providers  []Provider
	timeout    time.Duration
	retryDelay time.Duration
}

func NewGenerator(timeout time.Duration, providers ...Provider) *Generator {
	return &Generator{
		providers:  providers,
		timeout:    timeout,
		retryDelay: 2 * time.Second,
	}
}

// NewGeneratorFromConfig wires every provider that has an API key, in the
// order Gemini, OpenRouter, Anthropic.
func NewGeneratorFromConfig(ctx context.Context, cfg Config) (*Generator, error) {
	var providers []Provider
	if cfg.GeminiAPIKey != "" {
		p, err := NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if cfg.OpenRouterAPIKey != "" {
		providers = append(providers, NewOpenRouterProvider(cfg.OpenRouterAPIKey, cfg.OpenRouterModel, cfg.OpenRouterBaseURL, cfg.Referer, cfg.Title))
	}
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel))
	}
	if len(providers) == 0 {
		log.Warn("ai: no provider API key configured, generation requests will fail")
	}
	for _, p := range providers {
		log.WithField("provider", p.Name()).Info("ai: provider enabled")
	}
	return NewGenerator(cfg.Timeout, providers...), nil
}

// Available reports whether at least one provider is configured.
func (g *Generator) Available() bool {
	return g != nil && len(g.providers) > 0
}
