package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/internal/chunker"
	"localrag/internal/domain"
	"localrag/internal/embedding/hash"
	"localrag/internal/index"
	"localrag/internal/loader"
	"localrag/internal/vectorstore"
	"localrag/internal/vectorstore/bolt"
)

type env struct {
	dir       string
	storePath string
	dataPath  string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	return env{
		dir:       dir,
		storePath: filepath.Join(dir, "vector_store"),
		dataPath:  filepath.Join(dir, "source_docs"),
	}
}

func (e env) pipeline(t *testing.T, dim int, dataPath string) *Pipeline {
	t.Helper()
	ch, err := chunker.NewRecursiveChunker(200, 40)
	require.NoError(t, err)
	ix := index.New(bolt.NewProvider(e.storePath, nil), hash.NewEmbedder(dim))
	p := New(loader.NewRegistry(nil), ch, ix, Config{DataPath: dataPath, SummarySentences: 2})
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func (e env) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func ids(results []domain.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Chunk.ID
	}
	return out
}

func TestIngest_TwoChunksKFiveReturnsTwo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	p := e.pipeline(t, 128, "")

	a := e.write(t, "pizza.txt", "Margherita pizza uses tomato, mozzarella and basil.")
	b := e.write(t, "dough.txt", "Pizza dough rests for a full day before baking.")

	report, err := p.Ingest(ctx, []string{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Files)
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 2, report.Chunks)
	assert.Empty(t, report.Failures)
	assert.NotEmpty(t, report.Summary)
	assert.Equal(t, []string{b, a}, report.Manifest.Sources)

	res, err := p.Retrieve(ctx, "Which toppings go on a margherita?", 5)
	require.NoError(t, err)
	assert.Len(t, res, 2)
	assert.True(t, p.Ready())
}

func TestIngest_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	p := e.pipeline(t, 128, "")

	var paragraphs string
	for i := 0; i < 12; i++ {
		paragraphs += "Chapter notes about sourdough starters, hydration and oven spring.\n\n"
	}
	a := e.write(t, "bread.txt", paragraphs)
	b := e.write(t, "reviews.csv", "title,rating\nCrusty loaf,5\nDense crumb,2\n")

	first, err := p.Ingest(ctx, []string{a, b})
	require.NoError(t, err)
	before, err := p.Retrieve(ctx, "oven spring", 5)
	require.NoError(t, err)

	second, err := p.Ingest(ctx, []string{a, b})
	require.NoError(t, err)
	after, err := p.Retrieve(ctx, "oven spring", 5)
	require.NoError(t, err)

	assert.Equal(t, first.Chunks, second.Chunks)
	m, ok := p.Manifest()
	require.True(t, ok)
	assert.Equal(t, first.Chunks, m.Chunks, "no duplicates after re-ingesting")
	assert.Equal(t, ids(before), ids(after))
	for i := range before {
		assert.InDelta(t, before[i].Score, after[i].Score, 1e-9)
	}
}

func TestIngest_RebuildReplacesPreviousCorpus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	p := e.pipeline(t, 128, "")

	a := e.write(t, "a.txt", "Alpha document about volcanoes and lava.")
	b := e.write(t, "b.txt", "Beta document about gardening and tulips.")

	_, err := p.Ingest(ctx, []string{a})
	require.NoError(t, err)
	_, err = p.Ingest(ctx, []string{b})
	require.NoError(t, err)

	res, err := p.Retrieve(ctx, "volcanoes lava", 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Contains(t, res[0].Chunk.Text, "tulips")

	m, _ := p.Manifest()
	assert.Equal(t, []string{b}, m.Sources)
}

func TestIngest_NothingIndexableLeavesNoStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	p := e.pipeline(t, 64, "")

	bad := e.write(t, "notes.docx", "binary")
	blank := e.write(t, "blank.txt", "   \n ")

	report, err := p.Ingest(ctx, []string{bad, blank})
	require.ErrorIs(t, err, domain.ErrNoDocumentsIndexed)
	require.NotNil(t, report)
	assert.Len(t, report.Failures, 1)
	assert.Zero(t, report.Chunks)
	assert.NoDirExists(t, e.storePath)
	assert.False(t, p.Ready())
}

func TestIngest_FailedIngestKeepsPreviousIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	p := e.pipeline(t, 64, "")

	good := e.write(t, "good.txt", "Keep this corpus around.")
	_, err := p.Ingest(ctx, []string{good})
	require.NoError(t, err)

	_, err = p.Ingest(ctx, []string{filepath.Join(e.dir, "missing.txt")})
	require.ErrorIs(t, err, domain.ErrNoDocumentsIndexed)

	res, err := p.Retrieve(ctx, "corpus", 3)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Contains(t, res[0].Chunk.Text, "Keep this corpus")
}

func TestIngest_DirectoryAndGlob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	p := e.pipeline(t, 64, "")

	e.write(t, "docs/one.txt", "first")
	e.write(t, "docs/nested/two.txt", "second")
	e.write(t, "loose/three.txt", "third")
	e.write(t, "loose/skip.md", "ignored")

	report, err := p.Ingest(ctx, []string{filepath.Join(e.dir, "docs"), filepath.Join(e.dir, "loose", "*.txt")})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Documents)
}

func TestIngest_OverlappingPathsIndexEachFileOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	p := e.pipeline(t, 64, "")

	dir := filepath.Join(e.dir, "docs")
	a := e.write(t, "docs/a.txt", "Bananas are rich in potassium.")
	e.write(t, "docs/b.txt", "Apples keep the doctor away.")

	report, err := p.Ingest(ctx, []string{dir, a, a, filepath.Join(dir, ".", "a.txt")})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 2, report.Chunks)

	res, err := p.Retrieve(ctx, "bananas potassium", 5)
	require.NoError(t, err)
	require.Len(t, res, 2)
	got := ids(res)
	assert.NotEqual(t, got[0], got[1])
}

func TestExpandPaths_CleansAndDeduplicates(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	a := e.write(t, "docs/a.txt", "x")
	dir := filepath.Dir(a)

	files, dirs := expandPaths([]string{a, dir + "/../docs/a.txt", dir, dir + "/", filepath.Join(dir, "*.txt")})
	assert.Equal(t, []string{a}, files)
	assert.Equal(t, []string{dir}, dirs)
}

// failingCommitProvider wraps a provider so that, once broken, commits and
// reopens fail.
type failingCommitProvider struct {
	vectorstore.Provider
	broken    bool
	failStage bool
}

type failingStaging struct {
	vectorstore.Staging
}

func (failingStaging) Commit(context.Context, domain.Manifest) (vectorstore.Store, error) {
	return nil, errors.New("rename staging dir: device busy")
}

func (f *failingCommitProvider) Open(ctx context.Context) (vectorstore.Store, error) {
	if f.broken {
		return nil, errors.New("open index file: input/output error")
	}
	return f.Provider.Open(ctx)
}

func (f *failingCommitProvider) Stage(ctx context.Context, dim int) (vectorstore.Staging, error) {
	if f.failStage {
		return nil, errors.New("no space left on device")
	}
	s, err := f.Provider.Stage(ctx, dim)
	if err != nil || !f.broken {
		return s, err
	}
	return failingStaging{s}, nil
}

func (e env) pipelineWith(t *testing.T, provider vectorstore.Provider) *Pipeline {
	t.Helper()
	ch, err := chunker.NewRecursiveChunker(200, 40)
	require.NoError(t, err)
	p := New(loader.NewRegistry(nil), ch, index.New(provider, hash.NewEmbedder(64)), Config{})
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestIngest_CommitAndReopenFailureIsNotReady(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	provider := &failingCommitProvider{Provider: bolt.NewProvider(e.storePath, nil)}
	p := e.pipelineWith(t, provider)

	_, err := p.Ingest(ctx, []string{e.write(t, "a.txt", "First corpus.")})
	require.NoError(t, err)

	provider.broken = true
	_, err = p.Ingest(ctx, []string{e.write(t, "b.txt", "Second corpus.")})
	require.ErrorIs(t, err, index.ErrCommit)

	assert.False(t, p.Ready())
	_, err = p.Retrieve(ctx, "corpus", 3)
	assert.ErrorIs(t, err, domain.ErrNotReady)
}

func TestIngest_FailureBeforeCommitKeepsHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	provider := &failingCommitProvider{Provider: bolt.NewProvider(e.storePath, nil)}
	p := e.pipelineWith(t, provider)

	_, err := p.Ingest(ctx, []string{e.write(t, "a.txt", "First corpus.")})
	require.NoError(t, err)

	// a reopen would fail, so the handle must survive without one
	provider.broken = true
	provider.failStage = true
	_, err = p.Ingest(ctx, []string{e.write(t, "b.txt", "Second corpus.")})
	require.Error(t, err)
	assert.NotErrorIs(t, err, index.ErrCommit)

	res, err := p.Retrieve(ctx, "corpus", 3)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Contains(t, res[0].Chunk.Text, "First corpus")
}

func TestEnsureReady_NoDocuments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	p := e.pipeline(t, 64, e.dataPath)

	ready, err := p.EnsureReady(ctx)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.DirExists(t, e.dataPath, "data directory is created for the user")
	assert.NoDirExists(t, e.storePath)

	_, err = p.Retrieve(ctx, "anything", 5)
	assert.ErrorIs(t, err, domain.ErrNotReady)
}

func TestEnsureReady_BuildsFromDataPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	e.write(t, "source_docs/guide.txt", "Ollama serves local language models.")
	p := e.pipeline(t, 64, e.dataPath)

	ready, err := p.EnsureReady(ctx)
	require.NoError(t, err)
	assert.True(t, ready)

	res, err := p.Retrieve(ctx, "local models", 5)
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func TestEnsureReady_ReusesPersistedIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	first := e.pipeline(t, 64, "")
	doc := e.write(t, "kept.txt", "Persisted between restarts.")
	_, err := first.Ingest(ctx, []string{doc})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// a different file in DATA_PATH proves the persisted index wins
	e.write(t, "source_docs/other.txt", "Should not be indexed.")
	second := e.pipeline(t, 64, e.dataPath)
	ready, err := second.EnsureReady(ctx)
	require.NoError(t, err)
	require.True(t, ready)

	m, ok := second.Manifest()
	require.True(t, ok)
	assert.Equal(t, []string{doc}, m.Sources)
}

func TestEnsureReady_ModelMismatchRebuilds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	first := e.pipeline(t, 64, "")
	_, err := first.Ingest(ctx, []string{e.write(t, "old.txt", "Old embedding space.")})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	fresh := e.write(t, "source_docs/new.txt", "New embedding space.")
	second := e.pipeline(t, 32, e.dataPath)
	ready, err := second.EnsureReady(ctx)
	require.NoError(t, err)
	require.True(t, ready)

	m, _ := second.Manifest()
	assert.Equal(t, 32, m.Dimension)
	assert.Equal(t, []string{fresh}, m.Sources)
}

func TestEnsureReady_ModelMismatchWithoutDataPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	first := e.pipeline(t, 64, "")
	_, err := first.Ingest(ctx, []string{e.write(t, "old.txt", "Old embedding space.")})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	ready, err := e.pipeline(t, 32, "").EnsureReady(ctx)
	assert.False(t, ready)
	assert.ErrorIs(t, err, domain.ErrModelMismatch)
}

func TestRetrieve_ConcurrentWithIngest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	p := e.pipeline(t, 64, "")

	a := e.write(t, "a.txt", "Concurrent readers see a whole index.")
	_, err := p.Ingest(ctx, []string{a})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				res, err := p.Retrieve(ctx, "readers index", 3)
				if assert.NoError(t, err) {
					assert.Len(t, res, 1)
				}
			}
		}()
	}
	for i := 0; i < 3; i++ {
		_, err := p.Ingest(ctx, []string{a})
		require.NoError(t, err)
	}
	wg.Wait()
}
