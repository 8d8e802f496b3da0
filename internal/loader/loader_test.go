package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"golang.org/x/image/font/gofont/goregular"

	"localrag/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writePDF(t *testing.T, path string, pages ...string) {
	t.Helper()
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(false)
	pdf.SetFont("Helvetica", "", 12)
	for _, text := range pages {
		pdf.AddPage()
		pdf.Cell(120, 10, text)
	}
	require.NoError(t, pdf.OutputFileAndClose(path))
}

func TestRegistry_Extensions(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	assert.Equal(t, []string{".csv", ".pdf", ".txt"}, r.Extensions())
	assert.True(t, r.Supports("A.TXT"))
	assert.False(t, r.Supports("notes.md"))
}

func TestRegistry_LoadText(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "a.txt", "hello world")
	docs, err := NewRegistry(nil).Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	assert.Equal(t, "hello world", docs[0].Content)
	assert.Equal(t, path, docs[0].Metadata["source"])
	assert.Equal(t, path, docs[0].Path)
}

func TestRegistry_LoadCSV_OneDocumentPerRow(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "reviews.csv", "title,rating\nGreat pizza,5\n\"Cold, soggy\",1\n")
	docs, err := NewRegistry(nil).Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "title: Great pizza\nrating: 5", docs[0].Content)
	assert.Equal(t, "title: Cold, soggy\nrating: 1", docs[1].Content)
	assert.Equal(t, 0, docs[0].Metadata["row"])
	assert.Equal(t, 1, docs[1].Metadata["row"])
	assert.NotEqual(t, docs[0].ID, docs[1].ID)
}

func TestRegistry_LoadCSV_HeaderOnly(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "empty.csv", "a,b\n")
	docs, err := NewRegistry(nil).Load(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestRegistry_LoadPDF_OneDocumentPerPage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "manual.pdf")
	writePDF(t, path, "First page text", "Second page (with parens)")

	docs, err := NewRegistry(nil).Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "First page text", docs[0].Content)
	assert.Equal(t, "Second page (with parens)", docs[1].Content)
	assert.Equal(t, 0, docs[0].Metadata["page"])
	assert.Equal(t, 1, docs[1].Metadata["page"])
}

func TestRegistry_LoadPDF_EmbeddedUnicodeFont(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "unicode.pdf")
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.AddUTF8FontFromBytes("goregular", "", goregular.TTF)
	pdf.SetFont("goregular", "", 12)
	pdf.AddPage()
	pdf.Cell(120, 10, "Hello unicode world")
	pdf.AddPage()
	pdf.Cell(120, 10, "Café naïve façade")
	require.NoError(t, pdf.OutputFileAndClose(path))

	docs, err := NewRegistry(nil).Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Contains(t, docs[0].Content, "Hello unicode world")
	assert.Contains(t, docs[1].Content, "Café naïve façade")
	for _, d := range docs {
		assert.NotContains(t, d.Content, "\x00")
	}
}

func TestRegistry_UnsupportedExtension(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "notes.md", "# hi")
	docs, err := NewRegistry(nil).Load(context.Background(), path)

	assert.Empty(t, docs)
	assert.ErrorIs(t, err, domain.ErrUnsupportedFileType)
}

func TestRegistry_MissingFileIsFileLoadError(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(nil).Load(context.Background(), filepath.Join(t.TempDir(), "gone.txt"))

	var fle *domain.FileLoadError
	require.True(t, errors.As(err, &fle))
	assert.Contains(t, fle.Path, "gone.txt")
}

func TestRegistry_LoadFiles_BestEffort(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := writeFile(t, dir, "good.txt", "kept")
	bad := writeFile(t, dir, "bad.docx", "nope")
	missing := filepath.Join(dir, "missing.txt")

	docs, err := NewRegistry(nil).LoadFiles(context.Background(), []string{bad, good, missing})

	require.Len(t, docs, 1)
	assert.Equal(t, "kept", docs[0].Content)
	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], domain.ErrUnsupportedFileType)
	var fle *domain.FileLoadError
	assert.True(t, errors.As(errs[1], &fle))
}

func TestRegistry_LoadDir_Recursive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha")
	writeFile(t, dir, "sub/b.csv", "k,v\nx,1\ny,2\n")
	writeFile(t, dir, "sub/ignored.json", "{}")

	docs, err := NewRegistry(nil).LoadDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestRegistry_LoadDir_CreatesMissingRoot(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "source_docs")
	docs, err := NewRegistry(nil).LoadDir(context.Background(), root)
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.DirExists(t, root)
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Register(".MD", NewTextLoader())
	path := writeFile(t, t.TempDir(), "readme.md", "# title")

	docs, err := r.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}
