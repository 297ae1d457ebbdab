package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"finpod/internal/config"
)

// Compile-time interface check.
var _ Chatter = (*Claude)(nil)

// Claude talks to the Anthropic Messages API.
type Claude struct {
	messages    anthropic.MessageService
	model       string
	maxTokens   int64
	temperature float64
}

// NewClaude creates a Claude chatter from cfg.
func NewClaude(cfg config.LLM, opts ...option.RequestOption) (*Claude, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("claude: %w", ErrNoAPIKey)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultClaudeModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)...)
	return &Claude{
		messages:    client.Messages,
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (c *Claude) Provider() string { return "claude" }

// Chat sends one user message with an optional system prompt.
func (c *Claude) Chat(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if c.temperature > 0 {
		params.Temperature = anthropic.Float(c.temperature)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude messages: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return out.String(), nil
}
