package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFileType is returned for files no loader is registered for.
	ErrUnsupportedFileType = errors.New("unsupported file type")
	// ErrEmptyCorpus is returned when an index build is attempted over zero chunks.
	ErrEmptyCorpus = errors.New("empty corpus")
	// ErrNoDocumentsIndexed is returned when an ingest produced nothing to index.
	ErrNoDocumentsIndexed = errors.New("no documents indexed")
	// ErrNotReady is returned when querying before any index is bound.
	ErrNotReady = errors.New("index not ready")
	// ErrModelMismatch is returned when a persisted index was built with a
	// different embedding model or dimension than the configured one.
	ErrModelMismatch = errors.New("embedding model mismatch")
	// ErrEmbeddingProvider wraps failures of the embedding collaborator.
	ErrEmbeddingProvider = errors.New("embedding provider error")
	// ErrLanguageModel wraps failures of the language model collaborator.
	ErrLanguageModel = errors.New("language model error")
)

// FileLoadError records a single file that could not be loaded.
type FileLoadError struct {
	Path string
	Err  error
}

func (e *FileLoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *FileLoadError) Unwrap() error { return e.Err }
