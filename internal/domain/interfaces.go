package domain

import (
	"context"
	"time"
)

// Document is a raw unit of text produced by a loader: a whole text file,
// one PDF page or one CSV row.
type Document struct {
	ID       string
	Path     string
	Content  string
	Metadata map[string]any
}

// Chunk is a bounded piece of a document, the unit of embedding and retrieval.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Text       string         `json:"text"`
	Index      int            `json:"index"`
	Offset     int            `json:"offset"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SearchResult represents a matching chunk with a relevance score.
type SearchResult struct {
	Chunk Chunk
	Score float64
}

// Manifest describes the corpus an index was built from.
type Manifest struct {
	EmbeddingModel string    `json:"embedding_model"`
	Dimension      int       `json:"dimension"`
	Chunks         int       `json:"chunks"`
	Sources        []string  `json:"sources"`
	BuiltAt        time.Time `json:"built_at"`
}

// Embedder converts text into fixed-dimension vectors. EmbedQuery may apply
// different preprocessing than Embed.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Split(documents []Document) []Chunk
}

// LanguageModel generates a completion for a single prompt.
type LanguageModel interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Retriever returns the k chunks most similar to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]SearchResult, error)
}

// Summarizer produces a brief summary of the provided text.
type Summarizer interface {
	Summarize(text string, maxSentences int) (string, error)
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is one message of a chat transcript. Transcripts belong to
// the UI; the answering core treats every question independently.
type ConversationTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
