// Package agent answers questions from retrieved context.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"localrag/internal/domain"
	"localrag/internal/metrics"
)

// NotReadyMessage is returned instead of an answer while no documents are
// indexed.
const NotReadyMessage = "Please upload and process documents before chatting."

const promptTemplate = `You are a helpful local AI assistant. Use the context below to answer the question.

Context: {context}

Question: {question}

Answer:`

var ErrEmptyQuestion = errors.New("empty question")

// Agent is Unready until a retriever is bound. An unready agent never calls
// the language model.
type Agent struct {
	llm     domain.LanguageModel
	topK    int
	logger  *zap.Logger
	metrics *metrics.Collector

	mu        sync.RWMutex
	retriever domain.Retriever
}

type Option func(*Agent)

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithTopK sets how many chunks are retrieved per question.
func WithTopK(k int) Option {
	return func(a *Agent) {
		if k > 0 {
			a.topK = k
		}
	}
}

func New(llm domain.LanguageModel, opts ...Option) *Agent {
	a := &Agent{llm: llm, topK: 5, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "agent"))
	return a
}

// Bind attaches a retriever and moves the agent to Ready.
func (a *Agent) Bind(r domain.Retriever) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retriever = r
}

func (a *Agent) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.retriever != nil
}

// Answer retrieves context for question and returns the model output as is.
func (a *Agent) Answer(ctx context.Context, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", ErrEmptyQuestion
	}
	a.mu.RLock()
	r := a.retriever
	a.mu.RUnlock()
	if r == nil {
		a.metrics.RecordAnswer("not_ready")
		return NotReadyMessage, nil
	}

	results, err := r.Retrieve(ctx, question, a.topK)
	if errors.Is(err, domain.ErrNotReady) {
		a.metrics.RecordAnswer("not_ready")
		return NotReadyMessage, nil
	}
	if err != nil {
		a.metrics.RecordAnswer("error")
		return "", fmt.Errorf("retrieve context: %w", err)
	}

	prompt := BuildPrompt(question, results)
	start := time.Now()
	out, err := a.llm.Generate(ctx, prompt)
	a.metrics.RecordLLM(time.Since(start))
	if err != nil {
		a.metrics.RecordAnswer("error")
		if !errors.Is(err, domain.ErrLanguageModel) {
			err = fmt.Errorf("%w: %w", domain.ErrLanguageModel, err)
		}
		return "", err
	}
	a.metrics.RecordAnswer("ok")
	a.logger.Debug("answered",
		zap.Int("chunks", len(results)),
		zap.Int("prompt_chars", len(prompt)),
		zap.Duration("llm", time.Since(start)))
	return out, nil
}

// BuildPrompt renders the fixed prompt with the retrieved chunk texts
// separated by blank lines.
func BuildPrompt(question string, results []domain.SearchResult) string {
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Chunk.Text
	}
	return strings.NewReplacer(
		"{context}", strings.Join(texts, "\n\n"),
		"{question}", question,
	).Replace(promptTemplate)
}
