package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"localrag/internal/domain"
)

// Client is an OpenAI-compatible embeddings client. It talks to Ollama's /v1
// endpoint by default, but any server speaking the OpenAI embeddings API works.
type Client struct {
	client    *openai.Client
	model     string
	batchSize int

	mu        sync.RWMutex
	dimension int
}

// Config configures the OpenAI-compatible embeddings client.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	BatchSize int
	Timeout   time.Duration
}

// NewClient creates a new embeddings client using the provided configuration.
// Ollama ignores the API key, so an empty one is replaced with a placeholder.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
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

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 32
	}
	return &Client{
		client:    openai.NewClientWithConfig(oc),
		model:     cfg.Model,
		batchSize: batch,
	}, nil
}

// Name returns the embedding model name; it is recorded in the index manifest.
func (c *Client) Name() string { return c.model }

// Dimension returns the vector size, or 0 until the first successful call.
func (c *Client) Dimension() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dimension
}

// Embed returns one vector per text, preserving order. Texts are sent in
// batches; the first failing batch aborts the call.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds a single search query.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.model),
		Input: batch,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrEmbeddingProvider, c.model, err)
	}
	if len(resp.Data) != len(batch) {
		return nil, fmt.Errorf("%w: requested %d embeddings, got %d", domain.ErrEmbeddingProvider, len(batch), len(resp.Data))
	}

	vecs := make([][]float32, len(batch))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(batch) || vecs[d.Index] != nil {
			return nil, fmt.Errorf("%w: bad embedding index %d", domain.ErrEmbeddingProvider, d.Index)
		}
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at index %d", domain.ErrEmbeddingProvider, d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	if err := c.checkDimension(len(vecs[0])); err != nil {
		return nil, err
	}
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			return nil, fmt.Errorf("%w: mixed embedding sizes %d and %d", domain.ErrEmbeddingProvider, len(vecs[0]), len(v))
		}
	}
	return vecs, nil
}

func (c *Client) checkDimension(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dimension == 0 {
		c.dimension = n
		return nil
	}
	if c.dimension != n {
		return fmt.Errorf("%w: dimension changed from %d to %d", domain.ErrEmbeddingProvider, c.dimension, n)
	}
	return nil
}
