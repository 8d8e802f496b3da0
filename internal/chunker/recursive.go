package chunker

import (
	"fmt"
	"strconv"
	"strings"

	"localrag/internal/domain"
)

// DefaultSeparators are tried in order when choosing where a chunk ends:
// paragraph, line, sentence, word. When none fits the chunk is cut at the
// character limit.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " "}

// RecursiveChunker splits text into chunks of at most Size runes. Chunk i+1
// starts exactly Overlap runes before chunk i ends.
type RecursiveChunker struct {
	size       int
	overlap    int
	separators [][]rune
}

func NewRecursiveChunker(size, overlap int) (*RecursiveChunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	seps := make([][]rune, len(DefaultSeparators))
	for i, s := range DefaultSeparators {
		seps[i] = []rune(s)
	}
	return &RecursiveChunker{size: size, overlap: overlap, separators: seps}, nil
}

// Split chunks every document independently, so overlap never spans two
// documents. Empty and whitespace-only documents produce no chunks, so a
// corpus of only such documents yields an empty slice.
func (c *RecursiveChunker) Split(documents []domain.Document) []domain.Chunk {
	var chunks []domain.Chunk
	for _, d := range documents {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		for idx, span := range c.spans([]rune(d.Content)) {
			chunks = append(chunks, domain.Chunk{
				ID:         d.ID + ":" + strconv.Itoa(idx),
				DocumentID: d.ID,
				Text:       span.text,
				Index:      idx,
				Offset:     span.start,
				Metadata:   cloneMetadata(d.Metadata),
			})
		}
	}
	return chunks
}

type span struct {
	start int
	text  string
}

func (c *RecursiveChunker) spans(text []rune) []span {
	if len(text) <= c.size {
		return []span{{start: 0, text: string(text)}}
	}
	var out []span
	start := 0
	for {
		if len(text)-start <= c.size {
			out = append(out, span{start: start, text: string(text[start:])})
			return out
		}
		end := c.boundary(text, start)
		out = append(out, span{start: start, text: string(text[start:end])})
		start = end - c.overlap
	}
}

// boundary picks the end of the chunk starting at start. Separators are only
// searched in the second half of the window and past the overlap, so every
// step makes progress and chunks don't degenerate.
func (c *RecursiveChunker) boundary(text []rune, start int) int {
	limit := start + c.size
	lo := start + c.size/2
	if floor := start + c.overlap + 1; lo < floor {
		lo = floor
	}
	for _, sep := range c.separators {
		if idx := lastIndex(text[lo:limit], sep); idx >= 0 {
			return lo + idx + len(sep)
		}
	}
	return limit
}

func lastIndex(window, sep []rune) int {
	for i := len(window) - len(sep); i >= 0; i-- {
		match := true
		for j := range sep {
			if window[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
