package loader

import (
	"context"
	"os"

	"localrag/internal/domain"
)

// TextLoader loads plain text files as a single document.
type TextLoader struct{}

func NewTextLoader() *TextLoader { return &TextLoader{} }

func (l *TextLoader) Load(ctx context.Context, path string) ([]domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []domain.Document{{
		ID:       documentID(path, ""),
		Path:     path,
		Content:  string(data),
		Metadata: map[string]any{"source": path},
	}}, nil
}
