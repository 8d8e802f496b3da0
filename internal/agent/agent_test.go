package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/internal/domain"
)

type fakeLLM struct {
	calls   int
	prompts []string
	reply   string
	err     error
}

func (f *fakeLLM) Generate(_ context.Context, prompt string) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

type fakeRetriever struct {
	results []domain.SearchResult
	err     error
	gotK    int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, k int) ([]domain.SearchResult, error) {
	f.gotK = k
	return f.results, f.err
}

func results(texts ...string) []domain.SearchResult {
	out := make([]domain.SearchResult, len(texts))
	for i, t := range texts {
		out[i] = domain.SearchResult{Chunk: domain.Chunk{Text: t}, Score: 1}
	}
	return out
}

func TestAnswer_UnreadyNeverCallsModel(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{reply: "should not happen"}
	a := New(llm)

	out, err := a.Answer(context.Background(), "What is X?")
	require.NoError(t, err)
	assert.Equal(t, NotReadyMessage, out)
	assert.Zero(t, llm.calls)
	assert.False(t, a.Ready())
}

func TestAnswer_RetrieverNotReadyMapsToMessage(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{}
	a := New(llm)
	a.Bind(&fakeRetriever{err: domain.ErrNotReady})

	out, err := a.Answer(context.Background(), "What is X?")
	require.NoError(t, err)
	assert.Equal(t, NotReadyMessage, out)
	assert.Zero(t, llm.calls)
}

func TestAnswer_ReadyBuildsPromptAndReturnsRawOutput(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{reply: "  X is a letter.\n"}
	r := &fakeRetriever{results: results("X is the 24th letter.", "It is used in algebra.")}
	a := New(llm, WithTopK(3))
	a.Bind(r)

	out, err := a.Answer(context.Background(), "What is X?")
	require.NoError(t, err)
	assert.Equal(t, "  X is a letter.\n", out)
	assert.Equal(t, 3, r.gotK)
	require.Equal(t, 1, llm.calls)

	want := "You are a helpful local AI assistant. Use the context below to answer the question.\n\n" +
		"Context: X is the 24th letter.\n\nIt is used in algebra.\n\n" +
		"Question: What is X?\n\n" +
		"Answer:"
	assert.Equal(t, want, llm.prompts[0])
}

func TestAnswer_LanguageModelError(t *testing.T) {
	t.Parallel()

	a := New(&fakeLLM{err: errors.New("connection refused")})
	a.Bind(&fakeRetriever{results: results("ctx")})

	_, err := a.Answer(context.Background(), "q")
	assert.ErrorIs(t, err, domain.ErrLanguageModel)
}

func TestAnswer_RetrievalErrorPropagates(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{}
	a := New(llm)
	a.Bind(&fakeRetriever{err: domain.ErrEmbeddingProvider})

	_, err := a.Answer(context.Background(), "q")
	assert.ErrorIs(t, err, domain.ErrEmbeddingProvider)
	assert.Zero(t, llm.calls)
}

func TestAnswer_EmptyQuestion(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{}
	a := New(llm)
	a.Bind(&fakeRetriever{})

	_, err := a.Answer(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Zero(t, llm.calls)
}

func TestBuildPrompt_PlaceholdersInContextAreLiteral(t *testing.T) {
	t.Parallel()

	p := BuildPrompt("real question", results("a {question} b"))
	assert.Contains(t, p, "Context: a {question} b")
	assert.Contains(t, p, "Question: real question")
}
