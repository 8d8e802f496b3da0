package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/internal/domain"
)

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// fakeServer answers /v1/embeddings with vectors whose first component is the
// input length, in reverse order to check the client honours "index".
func fakeServer(t *testing.T, calls *atomic.Int32, dim int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/embeddings", r.URL.Path)

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)

		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dim)
			vec[0] = float32(len(req.Input[i]))
			data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": vec})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
		})
	}))
}

func newTestClient(t *testing.T, url string, batch int) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: url + "/v1", Model: "nomic-embed-text", BatchSize: batch})
	require.NoError(t, err)
	return c
}

func TestClient_EmbedBatchesAndKeepsOrder(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := fakeServer(t, &calls, 4)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	assert.Zero(t, c.Dimension())

	vecs, err := c.Embed(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for i, v := range vecs {
		assert.Equal(t, float32(i+1), v[0])
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 4, c.Dimension())
	assert.Equal(t, "nomic-embed-text", c.Name())
}

func TestClient_EmbedQuery(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := fakeServer(t, &calls, 3)
	defer srv.Close()

	v, err := newTestClient(t, srv.URL, 8).EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 0, 0}, v)
}

func TestClient_EmbedEmptyInputMakesNoCalls(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := fakeServer(t, &calls, 3)
	defer srv.Close()

	vecs, err := newTestClient(t, srv.URL, 8).Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Zero(t, calls.Load())
}

func TestClient_ServerErrorIsProviderError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"model not found","type":"api_error"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 8).Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingProvider)
	assert.Equal(t, int32(1), calls.Load(), "failed calls are not retried")
}

func TestClient_ShortResponseIsProviderError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 8).Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, domain.ErrEmbeddingProvider)
}

func TestNewClient_RequiresModel(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{BaseURL: "http://localhost:11434/v1"})
	assert.Error(t, err)
}
