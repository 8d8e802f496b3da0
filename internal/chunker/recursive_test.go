package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/internal/domain"
)

func mustChunker(t *testing.T, size, overlap int) *RecursiveChunker {
	t.Helper()
	c, err := NewRecursiveChunker(size, overlap)
	require.NoError(t, err)
	return c
}

func doc(id, content string) domain.Document {
	return domain.Document{ID: id, Content: content, Metadata: map[string]any{"source": id + ".txt"}}
}

func TestNewRecursiveChunker_RejectsBadSizes(t *testing.T) {
	t.Parallel()

	_, err := NewRecursiveChunker(0, 0)
	assert.Error(t, err)
	_, err = NewRecursiveChunker(100, 100)
	assert.Error(t, err)
	_, err = NewRecursiveChunker(100, -1)
	assert.Error(t, err)
}

func TestSplit_ShortDocumentIsOneChunk(t *testing.T) {
	t.Parallel()

	c := mustChunker(t, 100, 20)
	content := "  A short note.\n\nWith a second paragraph.  "
	chunks := c.Split([]domain.Document{doc("d1", content)})

	require.Len(t, chunks, 1)
	assert.Equal(t, content, chunks[0].Text)
	assert.Equal(t, "d1:0", chunks[0].ID)
	assert.Equal(t, "d1", chunks[0].DocumentID)
	assert.Equal(t, 0, chunks[0].Offset)
	assert.Equal(t, "d1.txt", chunks[0].Metadata["source"])
}

func TestSplit_ExactlyChunkSizeIsOneChunk(t *testing.T) {
	t.Parallel()

	c := mustChunker(t, 10, 3)
	chunks := c.Split([]domain.Document{doc("d", "0123456789")})
	require.Len(t, chunks, 1)
	assert.Equal(t, "0123456789", chunks[0].Text)
}

func TestSplit_WhitespaceDocumentIsSkipped(t *testing.T) {
	t.Parallel()

	c := mustChunker(t, 10, 3)
	assert.Empty(t, c.Split([]domain.Document{doc("d", " \n\t ")}))
	assert.Empty(t, c.Split([]domain.Document{doc("e", "")}))

	chunks := c.Split([]domain.Document{doc("e", ""), doc("f", "kept"), doc("g", "  ")})
	require.Len(t, chunks, 1)
	assert.Equal(t, "kept", chunks[0].Text)
}

func assertChunkInvariants(t *testing.T, chunks []domain.Chunk, content string, size, overlap int) {
	t.Helper()
	runes := []rune(content)
	require.NotEmpty(t, chunks)
	assert.Equal(t, 0, chunks[0].Offset)
	last := chunks[len(chunks)-1]
	assert.Equal(t, len(runes), last.Offset+utf8.RuneCountInString(last.Text), "chunks must cover the document")

	for i, ch := range chunks {
		n := utf8.RuneCountInString(ch.Text)
		assert.LessOrEqual(t, n, size, "chunk %d too long", i)
		assert.Equal(t, string(runes[ch.Offset:ch.Offset+n]), ch.Text, "chunk %d offset", i)
		assert.Equal(t, i, ch.Index)
		if i == 0 {
			continue
		}
		prev := chunks[i-1]
		prevEnd := prev.Offset + utf8.RuneCountInString(prev.Text)
		assert.Equal(t, overlap, prevEnd-ch.Offset, "overlap between chunk %d and %d", i-1, i)
		prevRunes := []rune(prev.Text)
		assert.Equal(t, string(prevRunes[len(prevRunes)-overlap:]), string([]rune(ch.Text)[:overlap]))
	}
}

func TestSplit_LongProseKeepsSizeAndOverlap(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("The quick brown fox jumps over the lazy dog. ")
		if i%5 == 4 {
			b.WriteString("\n\n")
		}
	}
	content := b.String()
	c := mustChunker(t, 200, 40)

	chunks := c.Split([]domain.Document{doc("prose", content)})
	require.Greater(t, len(chunks), 1)
	assertChunkInvariants(t, chunks, content, 200, 40)
}

func TestSplit_NoSeparatorsFallsBackToCharacters(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("x", 95)
	c := mustChunker(t, 30, 10)

	chunks := c.Split([]domain.Document{doc("blob", content)})
	assertChunkInvariants(t, chunks, content, 30, 10)
	assert.Len(t, chunks[0].Text, 30)
}

func TestSplit_PrefersParagraphBoundary(t *testing.T) {
	t.Parallel()

	first := strings.Repeat("a", 60) + "\n\n"
	content := first + strings.Repeat("b ", 40)
	c := mustChunker(t, 80, 10)

	chunks := c.Split([]domain.Document{doc("p", content)})
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, first, chunks[0].Text)
	assertChunkInvariants(t, chunks, content, 80, 10)
}

func TestSplit_MultibyteText(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("héllo wörld ", 30)
	c := mustChunker(t, 50, 12)

	chunks := c.Split([]domain.Document{doc("utf", content)})
	assertChunkInvariants(t, chunks, content, 50, 12)
}

func TestSplit_OverlapDoesNotCrossDocuments(t *testing.T) {
	t.Parallel()

	c := mustChunker(t, 20, 5)
	chunks := c.Split([]domain.Document{
		doc("a", strings.Repeat("a", 30)),
		doc("b", strings.Repeat("b", 30)),
	})

	for _, ch := range chunks {
		if ch.DocumentID == "a" {
			assert.NotContains(t, ch.Text, "b")
		} else {
			assert.NotContains(t, ch.Text, "a")
		}
	}
	assert.Equal(t, 0, chunks[0].Index)
	// the first chunk of the second document restarts indexing and offset
	for _, ch := range chunks {
		if ch.DocumentID == "b" {
			assert.Equal(t, 0, ch.Offset)
			assert.Equal(t, "b:0", ch.ID)
			break
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("Sentence one. Sentence two!\nNew line here. ", 25)
	docs := []domain.Document{doc("x", content)}

	first := mustChunker(t, 120, 30).Split(docs)
	second := mustChunker(t, 120, 30).Split(docs)
	assert.Equal(t, first, second)
}

func TestSplit_MetadataIsCopied(t *testing.T) {
	t.Parallel()

	d := doc("m", strings.Repeat("z", 25))
	chunks := mustChunker(t, 10, 2).Split([]domain.Document{d})
	require.Greater(t, len(chunks), 1)

	chunks[0].Metadata["source"] = "changed"
	assert.Equal(t, "m.txt", d.Metadata["source"])
	assert.Equal(t, "m.txt", chunks[1].Metadata["source"])
}
