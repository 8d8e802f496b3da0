package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"localrag/internal/domain"
)

// Store is a committed, searchable collection of chunk vectors.
type Store interface {
	Search(ctx context.Context, vector []float32, topK int) ([]domain.SearchResult, error)
	Count(ctx context.Context) (int, error)
	Manifest() domain.Manifest
	Close() error
}

// Staging collects the vectors of a rebuild. Nothing written to it is visible
// to readers until Commit, and Discard drops it without touching the live store.
type Staging interface {
	Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float32) error
	Commit(ctx context.Context, manifest domain.Manifest) (Store, error)
	Discard(ctx context.Context) error
}

// Provider owns the single live store of one backend. Commit on a staging
// store closes and replaces whatever the provider handed out before.
type Provider interface {
	Name() string
	// Open returns the persisted live store, or nil and no error when nothing
	// has been committed yet.
	Open(ctx context.Context) (Store, error)
	Stage(ctx context.Context, dimension int) (Staging, error)
	Close() error
}

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// CheckBatch validates an upsert batch against the store dimension.
func CheckBatch(chunks []domain.Chunk, vectors [][]float32, dimension int) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks and vectors length mismatch: %d != %d", len(chunks), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != dimension {
			return fmt.Errorf("%w: chunk %s has %d, want %d", ErrDimensionMismatch, chunks[i].ID, len(v), dimension)
		}
	}
	return nil
}
