// Package embedding selects the embedding provider from configuration.
package embedding

import (
	"fmt"
	"os"
	"time"

	"localrag/internal/config"
	"localrag/internal/domain"
	"localrag/internal/embedding/hash"
	"localrag/internal/embedding/openai"
)

// New builds the embedder named by cfg.Embedder.Type.
func New(cfg *config.AppConfig) (domain.Embedder, error) {
	switch cfg.Embedder.Type {
	case "openai", "":
		return openai.NewClient(openai.Config{
			BaseURL:   cfg.OpenAI.BaseURL,
			APIKey:    os.Getenv(cfg.OpenAI.APIKeyEnv),
			Model:     cfg.Embedder.Model,
			BatchSize: cfg.Embedder.BatchSize,
			Timeout:   time.Duration(cfg.OpenAI.TimeoutSecs) * time.Second,
		})
	case "hash":
		return hash.NewEmbedder(cfg.Embedder.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedder: %s", cfg.Embedder.Type)
	}
}
