// Package bolt persists the vector index in a bbolt file inside
// VECTOR_STORE_PATH. Rebuilds are written to a sibling staging directory
// that replaces the live one on commit.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"localrag/internal/domain"
	"localrag/internal/vectorstore"
)

const dbFile = "index.db"

var (
	bucketChunks  = []byte("chunks")
	bucketVectors = []byte("vectors")
	bucketMeta    = []byte("meta")
	keyManifest   = []byte("manifest")
)

// Storage is a committed bolt index. Vectors are held in memory for
// brute-force search; chunk bodies stay on disk until a search returns them.
type Storage struct {
	db       *bbolt.DB
	manifest domain.Manifest
	keys     [][]byte
	vectors  [][]float32
	norms    []float64

	closeOnce sync.Once
	closeErr  error
}

func (s *Storage) Search(ctx context.Context, vector []float32, topK int) ([]domain.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) != s.manifest.Dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", vectorstore.ErrDimensionMismatch, len(vector), s.manifest.Dimension)
	}
	qn := vectorstore.Norm(vector)
	scores := make([]float64, len(s.vectors))
	for i := range s.vectors {
		scores[i] = vectorstore.Cosine(s.vectors[i], s.norms[i], vector, qn)
	}
	hits := vectorstore.TopK(scores, topK)

	results := make([]domain.SearchResult, 0, len(hits))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		for _, h := range hits {
			data := b.Get(s.keys[h.Pos])
			if data == nil {
				return fmt.Errorf("chunk %x missing", s.keys[h.Pos])
			}
			var ch domain.Chunk
			if err := json.Unmarshal(data, &ch); err != nil {
				return err
			}
			results = append(results, domain.SearchResult{Chunk: ch, Score: h.Score})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Storage) Count(context.Context) (int, error) { return len(s.keys), nil }

func (s *Storage) Manifest() domain.Manifest { return s.manifest }

func (s *Storage) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.db.Close() })
	return s.closeErr
}

// Provider manages the store directory at Path.
type Provider struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	live *Storage
}

func NewProvider(path string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{path: path, logger: logger.With(zap.String("component", "bolt_store"))}
}

func (p *Provider) Name() string { return "bolt" }

// Open loads the committed index. A missing directory is not an error and is
// not created.
func (p *Provider) Open(ctx context.Context) (vectorstore.Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLeftovers()
	// bbolt holds an exclusive file lock, so the previous handle must go
	// before the file can be opened again.
	p.replaceLive(nil)

	file := filepath.Join(p.path, dbFile)
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	st, err := openStorage(ctx, file)
	if err != nil {
		return nil, err
	}
	p.live = st
	return st, nil
}

func (p *Provider) Stage(_ context.Context, dimension int) (vectorstore.Staging, error) {
	if dimension <= 0 {
		return nil, errors.New("invalid dimension")
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(p.path)), 0o755); err != nil {
		return nil, err
	}
	dir := p.path + ".staging-" + uuid.NewString()
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := openDB(filepath.Join(dir, dbFile))
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketChunks, bucketVectors, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		_ = os.RemoveAll(dir)
		return nil, err
	}
	p.logger.Debug("staging store created", zap.String("dir", dir))
	return &staging{provider: p, dir: dir, db: db, dimension: dimension}, nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live == nil {
		return nil
	}
	err := p.live.Close()
	p.live = nil
	return err
}

func (p *Provider) replaceLive(st *Storage) {
	if p.live != nil && p.live != st {
		if err := p.live.Close(); err != nil {
			p.logger.Warn("close previous store", zap.Error(err))
		}
	}
	p.live = st
}

// commit swaps the staging directory into place. The old directory is moved
// aside first so a crash never leaves a half-written live directory.
func (p *Provider) commit(ctx context.Context, dir string) (*Storage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.live != nil {
		if err := p.live.Close(); err != nil {
			return nil, fmt.Errorf("close live store: %w", err)
		}
		p.live = nil
	}
	old := ""
	if _, err := os.Stat(p.path); err == nil {
		old = p.path + ".old-" + uuid.NewString()
		if err := os.Rename(p.path, old); err != nil {
			return nil, fmt.Errorf("move live store aside: %w", err)
		}
	}
	if err := os.Rename(dir, p.path); err != nil {
		if old != "" {
			_ = os.Rename(old, p.path)
		}
		return nil, fmt.Errorf("promote staging store: %w", err)
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			p.logger.Warn("remove previous store", zap.String("dir", old), zap.Error(err))
		}
	}

	st, err := openStorage(ctx, filepath.Join(p.path, dbFile))
	if err != nil {
		return nil, err
	}
	p.live = st
	return st, nil
}

// removeLeftovers deletes staging or replaced directories from an
// interrupted run.
func (p *Provider) removeLeftovers() {
	for _, pattern := range []string{p.path + ".staging-*", p.path + ".old-*"} {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			p.logger.Info("removing leftover store directory", zap.String("dir", m))
			_ = os.RemoveAll(m)
		}
	}
}

type staging struct {
	provider  *Provider
	dir       string
	db        *bbolt.DB
	dimension int
	count     int
	done      bool
}

func (s *staging) Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float32) error {
	if s.done {
		return errors.New("staging store already finished")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := vectorstore.CheckBatch(chunks, vectors, s.dimension); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketChunks)
		vb := tx.Bucket(bucketVectors)
		for i := range chunks {
			seq, err := cb.NextSequence()
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			data, err := json.Marshal(chunks[i])
			if err != nil {
				return err
			}
			if err := cb.Put(key, data); err != nil {
				return err
			}
			if err := vb.Put(key, encodeVector(vectors[i])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.count += len(chunks)
	return nil
}

func (s *staging) Commit(ctx context.Context, manifest domain.Manifest) (vectorstore.Store, error) {
	if s.done {
		return nil, errors.New("staging store already finished")
	}
	s.done = true
	data, err := json.Marshal(manifest)
	if err != nil {
		s.abort()
		return nil, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyManifest, data)
	})
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.RemoveAll(s.dir)
		return nil, err
	}
	st, err := s.provider.commit(ctx, s.dir)
	if err != nil {
		_ = os.RemoveAll(s.dir)
		return nil, err
	}
	return st, nil
}

func (s *staging) Discard(context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	return s.abort()
}

func (s *staging) abort() error {
	err := s.db.Close()
	if rerr := os.RemoveAll(s.dir); err == nil {
		err = rerr
	}
	return err
}

func openDB(file string) (*bbolt.DB, error) {
	return bbolt.Open(file, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
}

func openStorage(ctx context.Context, file string) (*Storage, error) {
	db, err := openDB(file)
	if err != nil {
		return nil, err
	}
	st := &Storage{db: db}
	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		vb := tx.Bucket(bucketVectors)
		if meta == nil || vb == nil {
			return errors.New("store is missing buckets")
		}
		data := meta.Get(keyManifest)
		if data == nil {
			return errors.New("store has no manifest")
		}
		if err := json.Unmarshal(data, &st.manifest); err != nil {
			return fmt.Errorf("decode manifest: %w", err)
		}
		return vb.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			vec, err := decodeVector(v, st.manifest.Dimension)
			if err != nil {
				return fmt.Errorf("vector %x: %w", k, err)
			}
			st.keys = append(st.keys, append([]byte(nil), k...))
			st.vectors = append(st.vectors, vec)
			st.norms = append(st.norms, vectorstore.Norm(vec))
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	return st, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte, dimension int) ([]float32, error) {
	if len(buf) != 4*dimension {
		return nil, fmt.Errorf("%w: %d bytes for dimension %d", vectorstore.ErrDimensionMismatch, len(buf), dimension)
	}
	v := make([]float32, dimension)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
