package loader

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"localrag/internal/domain"
)

// CSVLoader turns every data row into its own document. The first row is the
// header; each row renders as "column: value" lines.
type CSVLoader struct {
	Delimiter rune
}

func NewCSVLoader() *CSVLoader { return &CSVLoader{Delimiter: ','} }

func (l *CSVLoader) Load(ctx context.Context, path string) ([]domain.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = l.Delimiter
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return []domain.Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var docs []domain.Document
	for row := 0; ; row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", row, err)
		}
		lines := make([]string, 0, len(header))
		for i, value := range record {
			name := "column_" + strconv.Itoa(i)
			if i < len(header) {
				name = header[i]
			}
			lines = append(lines, name+": "+strings.TrimSpace(value))
		}
		docs = append(docs, domain.Document{
			ID:       documentID(path, "row"+strconv.Itoa(row)),
			Path:     path,
			Content:  strings.Join(lines, "\n"),
			Metadata: map[string]any{"source": path, "row": row},
		})
	}
	return docs, nil
}
