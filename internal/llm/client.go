// Package llm provides the completion service used by the postprocessing
// stages, built on langchaingo.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Supported completion providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Completer is the completion service the stage handlers depend on.
// Instructions carry the stage prompt, input the entity text; model selects
// the provider model per call so stages can pick their own.
type Completer interface {
	Complete(ctx context.Context, instructions, input, model string) (string, error)
}

// Options configures a Client.
type Options struct {
	Provider        string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OllamaHost      string
	// DefaultModel is used when a call passes an empty model name.
	DefaultModel string
}

// Client implements Completer on top of a langchaingo model.
type Client struct {
	llm          llms.Model
	provider     string
	defaultModel string
	observe      func(op string, d time.Duration, err error)
}

// NewClient creates a completion client for the configured provider.
func NewClient(opts Options) (*Client, error) {
	var model llms.Model
	var err error

	switch opts.Provider {
	case ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(opts.OpenAIAPIKey),
			openai.WithModel(opts.DefaultModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case ProviderAnthropic:
		if opts.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(opts.AnthropicAPIKey),
			anthropic.WithModel(opts.DefaultModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(opts.DefaultModel),
			ollama.WithServerURL(opts.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", opts.Provider)
	}

	return &Client{
		llm:          model,
		provider:     opts.Provider,
		defaultModel: opts.DefaultModel,
	}, nil
}

// SetObserver installs a timing callback invoked after every completion.
func (c *Client) SetObserver(fn func(op string, d time.Duration, err error)) {
	c.observe = fn
}

// Complete sends instructions as the system prompt and input as the user
// message, returning the raw completion text.
func (c *Client) Complete(ctx context.Context, instructions, input, model string) (string, error) {
	if model == "" {
		model = c.defaultModel
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, instructions),
		llms.TextParts(llms.ChatMessageTypeHuman, input),
	}

	slog.Debug("completion request", "provider", c.provider, "model", model, "input_len", len(input))

	start := time.Now()
	response, err := c.llm.GenerateContent(ctx, messages, llms.WithModel(model))
	duration := time.Since(start)
	if c.observe != nil {
		c.observe("llm_complete", duration, err)
	}

	if err != nil {
		slog.Warn("completion failed", "provider", c.provider, "model", model, "duration_ms", duration.Milliseconds(), "error", err)
		return "", fmt.Errorf("complete: %w", err)
	}

	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}

	text := strings.TrimSpace(response.Choices[0].Content)
	slog.Debug("completion complete", "provider", c.provider, "model", model, "output_len", len(text), "duration_ms", duration.Milliseconds())
	return text, nil
}

// DefaultModel returns the model used when callers pass none.
func (c *Client) DefaultModel() string {
	return c.defaultModel
}
