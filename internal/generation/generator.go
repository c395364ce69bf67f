package generation

import (
	"context"
	"fmt"
	"strings"

	"ragdesk/internal/config"
)

// Message is one entry of the conversation handed to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single generation request.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Generator streams text from a message list.
type Generator interface {
	// Stream calls onDelta for every content fragment in arrival order and
	// returns once the stream ends. An error from onDelta stops the stream.
	Stream(ctx context.Context, messages []Message, opts Options, onDelta func(string) error) error
	// Complete returns the whole reply.
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
}

// New builds the generator selected by cfg.Provider.
func New(ctx context.Context, cfg config.GenerationConfig, providers map[string]config.ProviderConfig) (Generator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "ndjson":
		return NewNDJSONClient(cfg), nil
	case "openai", "claude", "gemini":
		provCfg := providers[provider]
		if cfg.BaseURL != "" {
			provCfg.BaseURL = cfg.BaseURL
		}
		if cfg.Model != "" {
			provCfg.Model = cfg.Model
		}
		if cfg.APIKey != "" {
			provCfg.APIKey = cfg.APIKey
		}
		return newEinoGenerator(ctx, provider, provCfg, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
}

// Collect drains a stream into one string.
func Collect(ctx context.Context, g Generator, messages []Message, opts Options) (string, error) {
	var b strings.Builder
	err := g.Stream(ctx, messages, opts, func(delta string) error {
		b.WriteString(delta)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
