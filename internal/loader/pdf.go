package loader

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"go.uber.org/zap"

	"localrag/internal/domain"
)

var disableConfigDir sync.Once

// PDFLoader produces one document per page. Page numbers in metadata are
// zero-based.
type PDFLoader struct {
	logger *zap.Logger
}

func NewPDFLoader(logger *zap.Logger) *PDFLoader {
	// pdfcpu otherwise writes a config file under the user's config dir.
	disableConfigDir.Do(api.DisableConfigDir)
	return &PDFLoader{logger: logger}
}

func (l *PDFLoader) Load(ctx context.Context, path string) ([]domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	pageCount := pdfCtx.PageCount

	docs := make([]domain.Document, 0, pageCount)
	for pageNr := 1; pageNr <= pageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
		if err != nil {
			return nil, fmt.Errorf("extract pdf page %d: %w", pageNr, err)
		}
		stream, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		page := pageNr - 1
		docs = append(docs, domain.Document{
			ID:       documentID(path, "p"+strconv.Itoa(page)),
			Path:     path,
			Content:  decodeContentStream(stream, pageFonts(pdfCtx, pageNr)),
			Metadata: map[string]any{"source": path, "page": page},
		})
	}
	l.logger.Debug("pdf extracted", zap.String("path", path), zap.Int("pages", pageCount))
	return docs, nil
}
