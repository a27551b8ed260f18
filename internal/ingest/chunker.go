// Package ingest turns documents, files and crawled pages into new collections.
package ingest

import (
	"fmt"
	"iter"
	"slices"
	"strings"
)

// separators are tried in order when looking for a natural chunk end.
var separators = [][]rune{[]rune("\n\n"), []rune("\n"), []rune(" ")}

// Chunker splits text into windows of at most size runes, each starting overlap
// runes before the previous one ended.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker. It requires 0 <= overlap < size.
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the maximum chunk length in runes.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the number of runes shared by consecutive chunks.
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns the chunks of text as a lazy sequence. Ranging over it again
// yields the same chunks. Text of at most size runes is a single chunk; empty
// text yields nothing.
func (c *Chunker) Split(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		if text == "" {
			return
		}
		runes := []rune(text)
		n := len(runes)
		if n <= c.size {
			yield(text)
			return
		}
		start := 0
		for {
			end := min(start+c.size, n)
			if end < n {
				end = c.cut(runes, start, end)
			}
			if !yield(string(runes[start:end])) || end == n {
				return
			}
			start = end - c.overlap
		}
	}
}

// Chunks collects Split into a slice.
func (c *Chunker) Chunks(text string) []string {
	return slices.Collect(c.Split(text))
}

// cut returns the window end, moved back to just after the last natural
// separator when one exists past start+overlap so the next window still advances.
func (c *Chunker) cut(runes []rune, start, end int) int {
	floor := start + c.overlap
	for _, sep := range separators {
		for i := end - len(sep); i >= start && i+len(sep) > floor; i-- {
			if hasPrefixAt(runes, i, sep) {
				return i + len(sep)
			}
		}
	}
	return end
}

func hasPrefixAt(runes []rune, i int, sep []rune) bool {
	if i+len(sep) > len(runes) {
		return false
	}
	for j, r := range sep {
		if runes[i+j] != r {
			return false
		}
	}
	return true
}

// Normalize prepares extracted text for chunking: CRLF becomes LF, trailing
// spaces are trimmed from each line, NUL bytes are dropped and runs of blank
// lines collapse to one paragraph break.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\x00", "")
	lines := strings.Split(text, "\n")
	var b strings.Builder
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			continue
		}
		if b.Len() > 0 {
			if blank > 0 {
				b.WriteString("\n\n")
			} else {
				b.WriteByte('\n')
			}
		}
		blank = 0
		b.WriteString(line)
	}
	return b.String()
}
