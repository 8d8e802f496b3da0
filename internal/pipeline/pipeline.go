// Package pipeline ties loading, chunking and indexing together and serves
// retrieval over the live index.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"localrag/internal/domain"
	"localrag/internal/index"
	"localrag/internal/metrics"
	"localrag/internal/summarizer"
)

// Source loads documents from files and directories.
type Source interface {
	LoadFiles(ctx context.Context, paths []string) ([]domain.Document, error)
	LoadDir(ctx context.Context, root string) ([]domain.Document, error)
}

// Config holds the pipeline settings that come from configuration.
type Config struct {
	// DataPath is scanned by EnsureReady when no index is persisted.
	DataPath         string
	SummarySentences int
}

// IngestReport describes one ingest run.
type IngestReport struct {
	Files     int             `json:"files"`
	Documents int             `json:"documents"`
	Chunks    int             `json:"chunks"`
	Failures  []string        `json:"failures,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Duration  time.Duration   `json:"duration"`
	Manifest  domain.Manifest `json:"manifest"`
}

// Pipeline owns the live index handle. Ingest and EnsureReady hold the write
// lock for their whole run, so a query never sees a half-swapped index.
type Pipeline struct {
	source     Source
	chunker    domain.Chunker
	index      *index.Index
	summarizer domain.Summarizer
	cfg        Config
	logger     *zap.Logger
	metrics    *metrics.Collector

	mu     sync.RWMutex
	handle *index.Handle
}

type Option func(*Pipeline)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithSummarizer(s domain.Summarizer) Option {
	return func(p *Pipeline) { p.summarizer = s }
}

func New(source Source, chunker domain.Chunker, ix *index.Index, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:     source,
		chunker:    chunker,
		index:      ix,
		summarizer: summarizer.NewFrequencySummarizer(),
		cfg:        cfg,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "pipeline"))
	return p
}

// Ingest loads paths, chunks them and rebuilds the index from exactly that
// set, replacing whatever was indexed before. Paths may be files,
// directories or glob patterns. Files that fail to load are listed in the
// report. When nothing indexable remains, the previous index is kept and
// the error wraps ErrNoDocumentsIndexed; the report is still returned.
func (p *Pipeline) Ingest(ctx context.Context, paths []string) (*IngestReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	files, dirs := expandPaths(paths)
	report := &IngestReport{Files: len(files)}

	docs, loadErr := p.source.LoadFiles(ctx, files)
	for _, dir := range dirs {
		more, err := p.source.LoadDir(ctx, dir)
		docs = append(docs, more...)
		loadErr = multierr.Append(loadErr, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs = uniqueDocuments(docs)
	for _, err := range multierr.Errors(loadErr) {
		report.Failures = append(report.Failures, err.Error())
	}
	p.metrics.RecordFileFailures(len(report.Failures))
	report.Documents = len(docs)

	chunks := p.chunker.Split(docs)
	report.Chunks = len(chunks)
	if len(chunks) == 0 {
		report.Duration = time.Since(start)
		p.logger.Warn("nothing to index",
			zap.Strings("paths", paths),
			zap.Int("documents", len(docs)),
			zap.Int("failures", len(report.Failures)))
		return report, fmt.Errorf("%w: %d documents loaded, %d files failed", domain.ErrNoDocumentsIndexed, len(docs), len(report.Failures))
	}

	h, err := p.index.Rebuild(ctx, chunks)
	if err != nil {
		if errors.Is(err, index.ErrCommit) {
			p.rebind(ctx)
		}
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	p.bind(h)
	report.Manifest = h.Manifest()
	report.Summary = p.summarize(docs)
	report.Duration = time.Since(start)

	p.logger.Info("ingest complete",
		zap.Int("documents", report.Documents),
		zap.Int("chunks", report.Chunks),
		zap.Int("failures", len(report.Failures)),
		zap.Duration("took", report.Duration))
	return report, nil
}

// EnsureReady binds a usable index. It reuses the persisted index when one
// exists and matches the embedding model; otherwise it builds one from the
// data directory. It reports false without error when there is nothing to
// index.
func (p *Pipeline) EnsureReady(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle != nil {
		return true, nil
	}
	h, err := p.index.Load(ctx)
	switch {
	case err == nil && h != nil:
		p.bind(h)
		return true, nil
	case errors.Is(err, domain.ErrModelMismatch):
		if p.cfg.DataPath == "" {
			return false, err
		}
		p.logger.Warn("persisted index unusable, rebuilding", zap.Error(err))
	case err != nil:
		return false, err
	}

	if p.cfg.DataPath == "" {
		return false, nil
	}
	docs, loadErr := p.source.LoadDir(ctx, p.cfg.DataPath)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.metrics.RecordFileFailures(len(multierr.Errors(loadErr)))
	chunks := p.chunker.Split(docs)
	if len(chunks) == 0 {
		p.logger.Info("no documents to index yet", zap.String("data_path", p.cfg.DataPath))
		return false, nil
	}
	h, err = p.index.Rebuild(ctx, chunks)
	if err != nil {
		return false, fmt.Errorf("rebuild index: %w", err)
	}
	p.bind(h)
	return true, nil
}

// Retrieve returns the k chunks most similar to query. It fails with
// ErrNotReady until an index is bound.
func (p *Pipeline) Retrieve(ctx context.Context, query string, k int) ([]domain.SearchResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.handle == nil {
		return nil, domain.ErrNotReady
	}
	return p.handle.Query(ctx, query, k)
}

func (p *Pipeline) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handle != nil
}

// Manifest describes the bound index; ok is false when none is bound.
func (p *Pipeline) Manifest() (m domain.Manifest, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.handle == nil {
		return domain.Manifest{}, false
	}
	return p.handle.Manifest(), true
}

func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handle = nil
	return p.index.Close()
}

func (p *Pipeline) bind(h *index.Handle) {
	p.handle = h
}

// rebind reopens the persisted index after a failed commit, which may
// already have closed the store behind the bound handle. When the reopen
// fails too the pipeline drops back to not ready.
func (p *Pipeline) rebind(ctx context.Context) {
	if p.handle == nil {
		return
	}
	h, err := p.index.Load(context.WithoutCancel(ctx))
	if err != nil || h == nil {
		p.logger.Warn("could not reopen previous index", zap.Error(err))
		p.handle = nil
		return
	}
	p.handle = h
}

func (p *Pipeline) summarize(docs []domain.Document) string {
	if p.summarizer == nil {
		return ""
	}
	var sb strings.Builder
	for _, d := range docs {
		sb.WriteString(d.Content)
		sb.WriteString("\n")
	}
	summary, err := p.summarizer.Summarize(sb.String(), p.cfg.SummarySentences)
	if err != nil {
		p.logger.Warn("summary failed", zap.Error(err))
		return ""
	}
	return summary
}

// expandPaths resolves glob patterns and separates directories from files.
// Every path is made absolute and listed once. Paths that match nothing are
// passed through so the loader reports them.
func expandPaths(paths []string) (files, dirs []string) {
	seen := make(map[string]bool)
	for _, p := range paths {
		matches, _ := filepath.Glob(p)
		if matches == nil {
			matches = []string{p}
		}
		for _, m := range matches {
			if abs, err := filepath.Abs(m); err == nil {
				m = abs
			} else {
				m = filepath.Clean(m)
			}
			if seen[m] {
				continue
			}
			seen[m] = true
			if fi, err := os.Stat(m); err == nil && fi.IsDir() {
				dirs = append(dirs, m)
				continue
			}
			files = append(files, m)
		}
	}
	return files, dirs
}

// uniqueDocuments drops repeats of a document ID, which happen when a file is
// named directly and also found under a listed directory.
func uniqueDocuments(docs []domain.Document) []domain.Document {
	seen := make(map[string]bool, len(docs))
	out := docs[:0]
	for _, d := range docs {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out
}
