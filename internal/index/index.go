// Package index builds, loads and queries the vector index over a
// vectorstore backend.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"localrag/internal/domain"
	"localrag/internal/metrics"
	"localrag/internal/vectorstore"
)

// ErrCommit marks a rebuild that failed while swapping in the staged store.
// The provider may already have closed the previous live store.
var ErrCommit = errors.New("commit index")

// Index turns chunks into a committed vector store and reopens it later.
type Index struct {
	provider  vectorstore.Provider
	embedder  domain.Embedder
	batchSize int
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// Option configures an Index.
type Option func(*Index)

func WithLogger(l *zap.Logger) Option {
	return func(ix *Index) {
		if l != nil {
			ix.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(ix *Index) { ix.metrics = m }
}

// WithBatchSize sets how many chunks are embedded and written per step.
func WithBatchSize(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.batchSize = n
		}
	}
}

func New(provider vectorstore.Provider, embedder domain.Embedder, opts ...Option) *Index {
	ix := &Index{provider: provider, embedder: embedder, batchSize: 64, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(ix)
	}
	ix.logger = ix.logger.With(zap.String("component", "index"), zap.String("backend", provider.Name()))
	return ix
}

// Rebuild embeds every chunk and replaces the persisted index with the
// result. On any failure the staged data is dropped and the previous index
// stays as it was.
func (ix *Index) Rebuild(ctx context.Context, chunks []domain.Chunk) (*Handle, error) {
	if len(chunks) == 0 {
		return nil, domain.ErrEmptyCorpus
	}

	start := time.Now()
	h, err := ix.rebuild(ctx, chunks)
	ix.metrics.RecordIngest(err, time.Since(start), len(chunks))
	if err != nil {
		return nil, err
	}
	ix.logger.Info("index rebuilt",
		zap.Int("chunks", len(chunks)),
		zap.Int("dimension", h.manifest.Dimension),
		zap.Duration("took", time.Since(start)))
	return h, nil
}

func (ix *Index) rebuild(ctx context.Context, chunks []domain.Chunk) (*Handle, error) {
	first := min(ix.batchSize, len(chunks))
	vectors, err := ix.embed(ctx, chunks[:first])
	if err != nil {
		return nil, err
	}
	dim := len(vectors[0])

	stage, err := ix.provider.Stage(ctx, dim)
	if err != nil {
		return nil, fmt.Errorf("stage index: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if derr := stage.Discard(context.WithoutCancel(ctx)); derr != nil {
			ix.logger.Warn("discard staging store", zap.Error(derr))
		}
	}()

	if err := stage.Upsert(ctx, chunks[:first], vectors); err != nil {
		return nil, fmt.Errorf("write index: %w", err)
	}
	for lo := first; lo < len(chunks); lo += ix.batchSize {
		batch := chunks[lo:min(lo+ix.batchSize, len(chunks))]
		vectors, err := ix.embed(ctx, batch)
		if err != nil {
			return nil, err
		}
		if err := stage.Upsert(ctx, batch, vectors); err != nil {
			return nil, fmt.Errorf("write index: %w", err)
		}
		ix.logger.Debug("embedded batch", zap.Int("done", lo+len(batch)), zap.Int("total", len(chunks)))
	}

	manifest := domain.Manifest{
		EmbeddingModel: ix.embedder.Name(),
		Dimension:      dim,
		Chunks:         len(chunks),
		Sources:        sources(chunks),
		BuiltAt:        time.Now().UTC(),
	}
	store, err := stage.Commit(ctx, manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommit, err)
	}
	committed = true
	return &Handle{store: store, embedder: ix.embedder, manifest: manifest, metrics: ix.metrics}, nil
}

func (ix *Index) embed(ctx context.Context, chunks []domain.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	start := time.Now()
	vectors, err := ix.embedder.Embed(ctx, texts)
	ix.metrics.RecordEmbed(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: got %d vectors for %d chunks", domain.ErrEmbeddingProvider, len(vectors), len(chunks))
	}
	return vectors, nil
}

// Load opens the persisted index without re-embedding anything. It returns
// nil and no error when nothing has been built yet, and ErrModelMismatch when
// the index was built by a different embedding model.
func (ix *Index) Load(ctx context.Context) (*Handle, error) {
	store, err := ix.provider.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if store == nil {
		return nil, nil
	}
	m := store.Manifest()
	if err := ix.compatible(m); err != nil {
		_ = store.Close()
		return nil, err
	}
	ix.metrics.SetChunksIndexed(m.Chunks)
	ix.logger.Info("index loaded",
		zap.String("model", m.EmbeddingModel),
		zap.Int("chunks", m.Chunks),
		zap.Time("built_at", m.BuiltAt))
	return &Handle{store: store, embedder: ix.embedder, manifest: m, metrics: ix.metrics}, nil
}

func (ix *Index) compatible(m domain.Manifest) error {
	if m.EmbeddingModel != ix.embedder.Name() {
		return fmt.Errorf("%w: index built with %q, configured %q", domain.ErrModelMismatch, m.EmbeddingModel, ix.embedder.Name())
	}
	if d := ix.embedder.Dimension(); d > 0 && d != m.Dimension {
		return fmt.Errorf("%w: index has dimension %d, embedder produces %d", domain.ErrModelMismatch, m.Dimension, d)
	}
	return nil
}

// Close releases the backend.
func (ix *Index) Close() error { return ix.provider.Close() }

// Handle is a bound, queryable index.
type Handle struct {
	store    vectorstore.Store
	embedder domain.Embedder
	manifest domain.Manifest
	metrics  *metrics.Collector
}

// Query returns up to k chunks most similar to text, best first. k <= 0
// means the default of 5.
func (h *Handle) Query(ctx context.Context, text string, k int) ([]domain.SearchResult, error) {
	start := time.Now()
	res, err := h.query(ctx, text, k)
	h.metrics.RecordRetrieval(err, time.Since(start))
	return res, err
}

func (h *Handle) query(ctx context.Context, text string, k int) ([]domain.SearchResult, error) {
	if k <= 0 {
		k = vectorstore.DefaultTopK
	}
	vec, err := h.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vec) != h.manifest.Dimension {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, index has %d", domain.ErrModelMismatch, len(vec), h.manifest.Dimension)
	}
	res, err := h.store.Search(ctx, vec, k)
	if err != nil {
		if errors.Is(err, vectorstore.ErrDimensionMismatch) {
			return nil, fmt.Errorf("%w: %v", domain.ErrModelMismatch, err)
		}
		return nil, fmt.Errorf("search index: %w", err)
	}
	if len(res) > k {
		res = res[:k]
	}
	return res, nil
}

// Retrieve makes a Handle usable as a domain.Retriever.
func (h *Handle) Retrieve(ctx context.Context, query string, k int) ([]domain.SearchResult, error) {
	return h.Query(ctx, query, k)
}

func (h *Handle) Manifest() domain.Manifest { return h.manifest }

func (h *Handle) Close() error { return h.store.Close() }

func sources(chunks []domain.Chunk) []string {
	seen := make(map[string]struct{})
	for _, c := range chunks {
		src, _ := c.Metadata["source"].(string)
		if src == "" {
			continue
		}
		seen[src] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
