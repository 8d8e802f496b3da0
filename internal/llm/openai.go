// Package llm holds the chat model client used to answer questions.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"localrag/internal/domain"
)

// Config configures the OpenAI-compatible chat client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// Client sends single-prompt chat completions to an OpenAI-compatible server
// such as Ollama.
type Client struct {
	client      *openai.Client
	model       string
	temperature float32
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("chat model is required")
	}
	key := cfg.APIKey
	if key == "" {
		key = "ollama"
	}
	oc := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	t := cfg.Timeout
	if t == 0 {
		t = 120 * time.Second
	}
	oc.HTTPClient = &http.Client{Timeout: t}
	return &Client{client: openai.NewClientWithConfig(oc), model: cfg.Model, temperature: cfg.Temperature}, nil
}

// Model returns the configured chat model name.
func (c *Client) Model() string { return c.model }

// Generate sends prompt as a single user message and returns the reply text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrLanguageModel, c.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: %s returned no choices", domain.ErrLanguageModel, c.model)
	}
	return resp.Choices[0].Message.Content, nil
}
