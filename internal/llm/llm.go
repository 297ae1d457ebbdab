// Package llm wraps the chat-completion providers used by the selector
// behind one small interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"finpod/internal/config"
)

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("llm: empty response")

// ErrNoAPIKey is returned when a provider is configured without a key.
var ErrNoAPIKey = errors.New("llm: api key not configured")

// Chatter sends one system + user exchange and returns the reply text.
type Chatter interface {
	Chat(ctx context.Context, system, prompt string) (string, error)
	// Provider names the backend, for logs and audit rows.
	Provider() string
}

// Default models per provider, used when llm.model is empty.
const (
	DefaultClaudeModel = "claude-sonnet-4-5"
	DefaultGeminiModel = "gemini-2.5-flash"
)

// New builds the Chatter named by cfg.Provider. An empty provider or "none"
// returns (nil, nil): the selector then runs rule-based only.
func New(ctx context.Context, cfg config.LLM, log *slog.Logger) (Chatter, error) {
	if log == nil {
		log = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "none":
		log.Info("llm selector disabled, using rule-based selection")
		return nil, nil
	case "claude", "anthropic":
		c, err := NewClaude(cfg)
		if err != nil {
			return nil, err
		}
		log.Info("llm selector enabled", "provider", "claude", "model", c.model)
		return c, nil
	case "gemini", "google":
		g, err := NewGemini(ctx, cfg)
		if err != nil {
			return nil, err
		}
		log.Info("llm selector enabled", "provider", "gemini", "model", g.model)
		return g, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
