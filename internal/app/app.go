// Package app assembles the assistant from configuration. Both binaries use
// it so the CLI and the server always run the same stack.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"localrag/internal/agent"
	"localrag/internal/chunker"
	"localrag/internal/config"
	"localrag/internal/domain"
	"localrag/internal/embedding"
	"localrag/internal/index"
	"localrag/internal/llm"
	"localrag/internal/loader"
	"localrag/internal/metrics"
	"localrag/internal/pipeline"
	"localrag/internal/vectorstore"
	"localrag/internal/vectorstore/bolt"
	"localrag/internal/vectorstore/memory"
	"localrag/internal/vectorstore/qdrant"
)

// App is the wired assistant.
type App struct {
	Config   *config.AppConfig
	Pipeline *pipeline.Pipeline
	Agent    *agent.Agent
	Metrics  *metrics.Collector
}

// Option overrides a collaborator, mostly for tests.
type Option func(*deps)

type deps struct {
	embedder domain.Embedder
	llm      domain.LanguageModel
}

func WithEmbedder(e domain.Embedder) Option { return func(d *deps) { d.embedder = e } }

func WithLanguageModel(m domain.LanguageModel) Option { return func(d *deps) { d.llm = m } }

// New builds every component named by cfg. Nothing touches the network or
// the index until Start or Ingest is called.
func New(cfg *config.AppConfig, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var d deps
	for _, opt := range opts {
		opt(&d)
	}

	var mc *metrics.Collector
	if cfg.Server.EnableMetrics {
		mc = metrics.NewCollector("localrag", logger)
	}

	emb := d.embedder
	if emb == nil {
		var err error
		if emb, err = embedding.New(cfg); err != nil {
			return nil, err
		}
	}

	model := d.llm
	if model == nil {
		client, err := llm.NewClient(llm.Config{
			BaseURL: cfg.OpenAI.BaseURL,
			APIKey:  os.Getenv(cfg.OpenAI.APIKeyEnv),
			Model:   cfg.LLM.Model,
			Timeout: time.Duration(cfg.OpenAI.TimeoutSecs) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		model = client
	}

	ch, err := chunker.NewRecursiveChunker(cfg.Chunker.ChunkSize, cfg.Chunker.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	provider, err := newProvider(cfg.VectorStore, logger)
	if err != nil {
		return nil, err
	}

	ix := index.New(provider, emb,
		index.WithLogger(logger),
		index.WithMetrics(mc),
		index.WithBatchSize(cfg.Embedder.BatchSize))
	p := pipeline.New(loader.NewRegistry(logger), ch, ix,
		pipeline.Config{DataPath: cfg.Paths.DataPath, SummarySentences: cfg.Summarizer.MaxSentences},
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(mc))
	a := agent.New(model,
		agent.WithLogger(logger),
		agent.WithMetrics(mc),
		agent.WithTopK(cfg.Retrieval.TopK))

	logger.Info("assistant configured",
		zap.String("llm", cfg.LLM.Model),
		zap.String("embedder", emb.Name()),
		zap.String("vector_store", provider.Name()),
		zap.Int("chunk_size", cfg.Chunker.ChunkSize),
		zap.Int("chunk_overlap", cfg.Chunker.ChunkOverlap))
	return &App{Config: cfg, Pipeline: p, Agent: a, Metrics: mc}, nil
}

func newProvider(cfg config.VectorStoreConfig, logger *zap.Logger) (vectorstore.Provider, error) {
	switch cfg.Type {
	case "bolt", "":
		return bolt.NewProvider(cfg.Path, logger), nil
	case "qdrant":
		if cfg.Qdrant == nil {
			return nil, fmt.Errorf("qdrant config missing")
		}
		return qdrant.NewProvider(qdrant.Config{
			URL:        cfg.Qdrant.URL,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Qdrant.Collection,
			Timeout:    time.Duration(cfg.Qdrant.TimeoutSecs) * time.Second,
		}, logger), nil
	case "memory":
		return memory.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown vector store: %s", cfg.Type)
	}
}

// Start binds the agent to an existing or freshly built index. When rebuild
// is set the persisted index is ignored and DataPath is indexed again.
func (a *App) Start(ctx context.Context, rebuild bool) (bool, error) {
	if rebuild {
		if _, err := a.Ingest(ctx, []string{a.Config.Paths.DataPath}); err != nil {
			return false, err
		}
		return true, nil
	}
	ready, err := a.Pipeline.EnsureReady(ctx)
	if err != nil {
		return false, err
	}
	if ready {
		a.Agent.Bind(a.Pipeline)
	}
	return ready, nil
}

// Ingest rebuilds the index from paths and readies the agent on success.
func (a *App) Ingest(ctx context.Context, paths []string) (*pipeline.IngestReport, error) {
	report, err := a.Pipeline.Ingest(ctx, paths)
	if err != nil {
		return report, err
	}
	a.Agent.Bind(a.Pipeline)
	return report, nil
}

// Answer forwards to the agent.
func (a *App) Answer(ctx context.Context, question string) (string, error) {
	return a.Agent.Answer(ctx, question)
}

// Manifest describes the live index; ok is false until one is bound.
func (a *App) Manifest() (domain.Manifest, bool) {
	return a.Pipeline.Manifest()
}

func (a *App) Close() error {
	return a.Pipeline.Close()
}
