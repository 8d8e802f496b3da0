package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"localrag/internal/domain"
	"localrag/internal/vectorstore"
)

// The live index is an alias pointing at a versioned collection. A rebuild
// fills a fresh collection and then moves the alias in one request, so
// readers never see a partial corpus.

const (
	kindChunk    = "chunk"
	kindManifest = "manifest"
)

// pointNamespace derives stable point IDs from chunk IDs; Qdrant only
// accepts integers and UUIDs.
var pointNamespace = uuid.MustParse("6f1c2a52-3d4e-4b8a-9d61-2c7e5b0a9f14")

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// Provider is a minimal REST client to Qdrant.
// It assumes cosine distance.
type Provider struct {
	url    string
	apiKey string
	alias  string
	client *http.Client
	logger *zap.Logger

	mu   sync.Mutex
	live *Storage
}

func NewProvider(cfg Config, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		url:    strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		alias:  cfg.Collection,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "qdrant_store")),
	}
}

func (p *Provider) Name() string { return "qdrant" }

func (p *Provider) Open(ctx context.Context) (vectorstore.Store, error) {
	collection, err := p.resolveAlias(ctx)
	if err != nil {
		return nil, err
	}
	if collection == "" {
		return nil, nil
	}
	m, err := p.readManifest(ctx, collection)
	if err != nil {
		return nil, err
	}
	st := &Storage{provider: p, collection: collection, manifest: m}
	p.mu.Lock()
	p.live = st
	p.mu.Unlock()
	return st, nil
}

func (p *Provider) Stage(ctx context.Context, dimension int) (vectorstore.Staging, error) {
	if dimension <= 0 {
		return nil, errors.New("invalid dimension")
	}
	collection := p.alias + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	if err := p.do(ctx, http.MethodPut, "/collections/"+collection, body, nil); err != nil {
		return nil, err
	}
	p.logger.Debug("staging collection created", zap.String("collection", collection))
	return &staging{provider: p, collection: collection, dimension: dimension}, nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live = nil
	return nil
}

func (p *Provider) resolveAlias(ctx context.Context) (string, error) {
	var resp struct {
		Result struct {
			Aliases []struct {
				AliasName      string `json:"alias_name"`
				CollectionName string `json:"collection_name"`
			} `json:"aliases"`
		} `json:"result"`
	}
	if err := p.do(ctx, http.MethodGet, "/aliases", nil, &resp); err != nil {
		return "", err
	}
	for _, a := range resp.Result.Aliases {
		if a.AliasName == p.alias {
			return a.CollectionName, nil
		}
	}
	return "", nil
}

func (p *Provider) readManifest(ctx context.Context, collection string) (domain.Manifest, error) {
	var resp struct {
		Result []struct {
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	req := map[string]any{
		"ids":          []string{manifestPointID().String()},
		"with_payload": true,
	}
	if err := p.do(ctx, http.MethodPost, "/collections/"+collection+"/points", req, &resp); err != nil {
		return domain.Manifest{}, err
	}
	if len(resp.Result) == 0 {
		return domain.Manifest{}, fmt.Errorf("collection %s has no manifest", collection)
	}
	raw, _ := resp.Result[0].Payload["manifest"].(string)
	var m domain.Manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return domain.Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// promote points the alias at collection and drops the collection it
// pointed at before.
func (p *Provider) promote(ctx context.Context, collection string, m domain.Manifest) (*Storage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	previous, err := p.resolveAlias(ctx)
	if err != nil {
		return nil, err
	}
	var actions []map[string]any
	if previous != "" {
		actions = append(actions, map[string]any{"delete_alias": map[string]any{"alias_name": p.alias}})
	}
	actions = append(actions, map[string]any{
		"create_alias": map[string]any{"collection_name": collection, "alias_name": p.alias},
	})
	if err := p.do(ctx, http.MethodPost, "/collections/aliases", map[string]any{"actions": actions}, nil); err != nil {
		return nil, err
	}
	if previous != "" && previous != collection {
		if err := p.do(ctx, http.MethodDelete, "/collections/"+previous, nil, nil); err != nil {
			p.logger.Warn("drop previous collection", zap.String("collection", previous), zap.Error(err))
		}
	}
	p.live = &Storage{provider: p, collection: collection, manifest: m}
	return p.live, nil
}

func (p *Provider) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.url+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("api-key", p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("qdrant %s %s failed: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Storage searches one committed collection.
type Storage struct {
	provider   *Provider
	collection string
	manifest   domain.Manifest
}

// chunkFilter excludes the manifest point from searches and counts.
var chunkFilter = map[string]any{
	"must": []map[string]any{{"key": "kind", "match": map[string]any{"value": kindChunk}}},
}

func (s *Storage) Search(ctx context.Context, vector []float32, topK int) ([]domain.SearchResult, error) {
	if len(vector) != s.manifest.Dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", vectorstore.ErrDimensionMismatch, len(vector), s.manifest.Dimension)
	}
	if topK <= 0 {
		topK = vectorstore.DefaultTopK
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"filter":       chunkFilter,
	}
	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.provider.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/search", req, &resp); err != nil {
		return nil, err
	}
	results := make([]domain.SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		results = append(results, domain.SearchResult{Chunk: chunkFromPayload(r.Payload), Score: r.Score})
	}
	return results, nil
}

func (s *Storage) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	req := map[string]any{"exact": true, "filter": chunkFilter}
	if err := s.provider.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/count", req, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func (s *Storage) Manifest() domain.Manifest { return s.manifest }

func (s *Storage) Close() error { return nil }

type staging struct {
	provider   *Provider
	collection string
	dimension  int
	done       bool
}

func (s *staging) Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float32) error {
	if s.done {
		return errors.New("staging collection already finished")
	}
	if err := vectorstore.CheckBatch(chunks, vectors, s.dimension); err != nil {
		return err
	}
	points := make([]map[string]any, len(chunks))
	for i := range chunks {
		points[i] = map[string]any{
			"id":      pointID(chunks[i].ID).String(),
			"vector":  vectors[i],
			"payload": chunkPayload(chunks[i]),
		}
	}
	return s.provider.do(ctx, http.MethodPut, "/collections/"+s.collection+"/points?wait=true", map[string]any{"points": points}, nil)
}

func (s *staging) Commit(ctx context.Context, manifest domain.Manifest) (vectorstore.Store, error) {
	if s.done {
		return nil, errors.New("staging collection already finished")
	}
	s.done = true
	data, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	// the manifest point needs a non-zero vector for cosine distance
	vec := make([]float32, s.dimension)
	vec[0] = 1
	point := map[string]any{
		"id":      manifestPointID().String(),
		"vector":  vec,
		"payload": map[string]any{"kind": kindManifest, "manifest": string(data)},
	}
	if err := s.provider.do(ctx, http.MethodPut, "/collections/"+s.collection+"/points?wait=true", map[string]any{"points": []any{point}}, nil); err != nil {
		s.drop(ctx)
		return nil, err
	}
	st, err := s.provider.promote(ctx, s.collection, manifest)
	if err != nil {
		s.drop(ctx)
		return nil, err
	}
	return st, nil
}

func (s *staging) Discard(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	return s.provider.do(ctx, http.MethodDelete, "/collections/"+s.collection, nil, nil)
}

func (s *staging) drop(ctx context.Context) {
	if err := s.provider.do(ctx, http.MethodDelete, "/collections/"+s.collection, nil, nil); err != nil {
		s.provider.logger.Warn("drop staging collection", zap.String("collection", s.collection), zap.Error(err))
	}
}

func pointID(chunkID string) uuid.UUID {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID))
}

func manifestPointID() uuid.UUID {
	return uuid.NewSHA1(pointNamespace, []byte("__manifest__"))
}

func chunkPayload(c domain.Chunk) map[string]any {
	return map[string]any{
		"kind":        kindChunk,
		"chunk_id":    c.ID,
		"document_id": c.DocumentID,
		"index":       c.Index,
		"offset":      c.Offset,
		"text":        c.Text,
		"metadata":    c.Metadata,
	}
}

func chunkFromPayload(payload map[string]any) domain.Chunk {
	chunk := domain.Chunk{}
	if v, ok := payload["chunk_id"].(string); ok {
		chunk.ID = v
	}
	if v, ok := payload["document_id"].(string); ok {
		chunk.DocumentID = v
	}
	if v, ok := payload["index"].(float64); ok {
		chunk.Index = int(v)
	}
	if v, ok := payload["offset"].(float64); ok {
		chunk.Offset = int(v)
	}
	if v, ok := payload["text"].(string); ok {
		chunk.Text = v
	}
	if v, ok := payload["metadata"].(map[string]any); ok {
		chunk.Metadata = v
	}
	return chunk
}
