package pipeline

import (
	"fmt"
	"strings"
)

// defaultSeparators orders split boundaries from coarse to fine. The empty
// separator is the character-level last resort.
var defaultSeparators = []string{"\n\n", "\n", " ", ""}

// Splitter cuts text into overlapping chunks along natural boundaries.
type Splitter struct {
	chunkSize    int
	chunkOverlap int
	separators   []string
}

// NewSplitter creates a recursive character splitter. Overlap must be smaller
// than the chunk size.
func NewSplitter(chunkSize, chunkOverlap int) (*Splitter, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", chunkOverlap, chunkSize)
	}
	return &Splitter{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		separators:   defaultSeparators,
	}, nil
}

// Split cuts text into chunks of at most chunkSize characters, preferring the
// coarsest separator that produces pieces small enough, and joins adjacent
// pieces back together with the configured overlap.
func (s *Splitter) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.split(text, s.separators)
}

func (s *Splitter) split(text string, separators []string) []string {
	if len(text) <= s.chunkSize {
		return []string{text}
	}

	separator := separators[len(separators)-1]
	rest := separators
	for i, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	var pieces []string
	if separator == "" {
		pieces = splitEvery(text, s.chunkSize)
	} else {
		pieces = strings.Split(text, separator)
	}

	var final []string
	var pending []string
	pendingLen := 0
	fresh := false

	flush := func() {
		// Only emit when the buffer holds content beyond the carried overlap.
		if len(pending) == 0 || !fresh {
			return
		}
		merged := strings.TrimSpace(strings.Join(pending, separator))
		if merged != "" {
			final = append(final, merged)
		}
		// Keep a tail of pieces as overlap for the next chunk.
		var kept []string
		keptLen := 0
		for i := len(pending) - 1; i >= 0; i-- {
			pieceLen := len(pending[i]) + len(separator)
			if keptLen+pieceLen > s.chunkOverlap {
				break
			}
			kept = append([]string{pending[i]}, kept...)
			keptLen += pieceLen
		}
		pending = kept
		pendingLen = keptLen
		fresh = false
	}

	for _, piece := range pieces {
		if piece == "" {
			continue
		}
		if len(piece) > s.chunkSize {
			flush()
			pending = nil
			pendingLen = 0
			final = append(final, s.split(piece, rest)...)
			continue
		}
		if pendingLen+len(piece)+len(separator) > s.chunkSize && len(pending) > 0 {
			flush()
		}
		pending = append(pending, piece)
		pendingLen += len(piece) + len(separator)
		fresh = true
	}
	flush()

	return final
}

func splitEvery(text string, size int) []string {
	var out []string
	for len(text) > 0 {
		if len(text) <= size {
			out = append(out, text)
			break
		}
		out = append(out, text[:size])
		text = text[size:]
	}
	return out
}
