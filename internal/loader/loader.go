// Package loader turns files on disk into raw documents. Each supported file
// extension maps to one Loader; everything else is reported as unsupported.
package loader

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"localrag/internal/domain"
	"localrag/internal/logging"
)

// Loader reads a single file into documents.
type Loader interface {
	Load(ctx context.Context, path string) ([]domain.Document, error)
}

// Registry routes files to loaders by lower-cased extension.
type Registry struct {
	loaders map[string]Loader
	logger  *zap.Logger
}

// NewRegistry returns a registry with the built-in .txt, .csv and .pdf loaders.
func NewRegistry(logger *zap.Logger) *Registry {
	logger = logging.OrNop(logger).With(zap.String("component", "loader"))
	return &Registry{
		loaders: map[string]Loader{
			".txt": NewTextLoader(),
			".csv": NewCSVLoader(),
			".pdf": NewPDFLoader(logger),
		},
		logger: logger,
	}
}

// Register adds or replaces the loader for ext (with leading dot).
func (r *Registry) Register(ext string, l Loader) {
	r.loaders[strings.ToLower(ext)] = l
}

// Extensions returns the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.loaders))
	for ext := range r.loaders {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Supports reports whether a loader exists for path's extension.
func (r *Registry) Supports(path string) bool {
	_, ok := r.loaders[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Load reads one file. Unknown extensions yield no documents and an error
// wrapping domain.ErrUnsupportedFileType; callers may continue with other files.
func (r *Registry) Load(ctx context.Context, path string) ([]domain.Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	l, ok := r.loaders[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedFileType, path)
	}
	docs, err := l.Load(ctx, path)
	if err != nil {
		return nil, &domain.FileLoadError{Path: path, Err: err}
	}
	return docs, nil
}

// LoadFiles loads an explicit list of files. A file that fails is logged and
// contributes nothing; the combined failures are returned alongside whatever
// did load.
func (r *Registry) LoadFiles(ctx context.Context, paths []string) ([]domain.Document, error) {
	var (
		docs []domain.Document
		errs error
	)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return docs, multierr.Append(errs, err)
		}
		loaded, err := r.Load(ctx, p)
		if err != nil {
			r.logger.Warn("skipping file", zap.String("path", p), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		r.logger.Debug("file loaded", zap.String("path", p), zap.Int("documents", len(loaded)))
		docs = append(docs, loaded...)
	}
	return docs, errs
}

// LoadDir walks root and loads every file with a registered extension.
// Files with other extensions are skipped silently, per-file failures are
// logged and aggregated. A missing root is created and yields no documents.
func (r *Registry) LoadDir(ctx context.Context, root string) ([]domain.Document, error) {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, err
		}
		r.logger.Info("created data directory, add files to it", zap.String("path", root))
		return nil, nil
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			r.logger.Warn("walk error", zap.String("path", path), zap.Error(err))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !r.Supports(path) {
			r.logger.Debug("unsupported file ignored", zap.String("path", path))
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	docs, errs := r.LoadFiles(ctx, paths)
	r.logger.Info("directory scanned",
		zap.String("root", root),
		zap.Int("files", len(paths)),
		zap.Int("documents", len(docs)),
		zap.Int("failures", len(multierr.Errors(errs))))
	return docs, errs
}

func documentID(path string, suffix string) string {
	h := sha1.Sum([]byte(path))
	id := hex.EncodeToString(h[:8])
	if suffix != "" {
		id += "#" + suffix
	}
	return id
}
