package memory

import (
	"context"
	"errors"
	"sync"

	"localrag/internal/domain"
	"localrag/internal/vectorstore"
)

// Storage is a simple in-memory vector store using brute-force cosine similarity.
// It is immutable once committed.
type Storage struct {
	dimension int
	vectors   [][]float32
	norms     []float64
	chunks    []domain.Chunk
	manifest  domain.Manifest
}

func (s *Storage) Search(ctx context.Context, vector []float32, topK int) ([]domain.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) != s.dimension {
		return nil, vectorstore.ErrDimensionMismatch
	}
	qn := vectorstore.Norm(vector)
	scores := make([]float64, len(s.vectors))
	for i := range s.vectors {
		scores[i] = vectorstore.Cosine(s.vectors[i], s.norms[i], vector, qn)
	}
	hits := vectorstore.TopK(scores, topK)
	results := make([]domain.SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, domain.SearchResult{Chunk: s.chunks[h.Pos], Score: h.Score})
	}
	return results, nil
}

func (s *Storage) Count(context.Context) (int, error) { return len(s.chunks), nil }

func (s *Storage) Manifest() domain.Manifest { return s.manifest }

func (s *Storage) Close() error { return nil }

// Provider keeps the live store in process memory. Nothing survives a restart.
type Provider struct {
	mu   sync.RWMutex
	live *Storage
}

func NewProvider() *Provider { return &Provider{} }

func (p *Provider) Name() string { return "memory" }

func (p *Provider) Open(context.Context) (vectorstore.Store, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.live == nil {
		return nil, nil
	}
	return p.live, nil
}

func (p *Provider) Stage(_ context.Context, dimension int) (vectorstore.Staging, error) {
	if dimension <= 0 {
		return nil, errors.New("invalid dimension")
	}
	return &staging{provider: p, next: &Storage{dimension: dimension}}, nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live = nil
	return nil
}

type staging struct {
	provider *Provider
	next     *Storage
	done     bool
}

func (s *staging) Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float32) error {
	if s.done {
		return errors.New("staging store already finished")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := vectorstore.CheckBatch(chunks, vectors, s.next.dimension); err != nil {
		return err
	}
	for i, v := range vectors {
		vec := append([]float32(nil), v...)
		s.next.vectors = append(s.next.vectors, vec)
		s.next.norms = append(s.next.norms, vectorstore.Norm(vec))
		s.next.chunks = append(s.next.chunks, chunks[i])
	}
	return nil
}

func (s *staging) Commit(_ context.Context, manifest domain.Manifest) (vectorstore.Store, error) {
	if s.done {
		return nil, errors.New("staging store already finished")
	}
	s.done = true
	s.next.manifest = manifest
	s.provider.mu.Lock()
	s.provider.live = s.next
	s.provider.mu.Unlock()
	return s.next, nil
}

func (s *staging) Discard(context.Context) error {
	s.done = true
	s.next = nil
	return nil
}
