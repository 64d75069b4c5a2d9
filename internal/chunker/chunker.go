// Package chunker splits extracted text into overlapping retrieval units with
// stable, reproducible boundaries.
package chunker

import (
	"fmt"
	"unicode"

	"github.com/docqa/backend/internal/storage/models"
)

// maxLookback caps how far the boundary search walks back from the window end.
const maxLookback = 120

// Split cuts text into segments of at most maxChars characters, each
// overlapping the previous one by overlapChars. Boundaries prefer a sentence
// end, then any whitespace, inside a small lookback window so words are not
// split. The algorithm is fully deterministic and always yields at least one
// segment for non-empty input.
func Split(text string, maxChars, overlapChars int) ([]string, error) {
	if maxChars <= 0 || overlapChars < 0 || overlapChars >= maxChars {
		return nil, fmt.Errorf("%w: maxChars=%d overlapChars=%d",
			models.ErrInvalidChunkConfig, maxChars, overlapChars)
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	if len(runes) <= maxChars {
		return []string{text}, nil
	}

	lookback := maxChars / 4
	if lookback > maxLookback {
		lookback = maxLookback
	}

	var segments []string
	start := 0

	for start < len(runes) {
		end := start + maxChars
		if end >= len(runes) {
			segments = append(segments, string(runes[start:]))
			break
		}

		cut := boundaryCut(runes, start, end, lookback)
		// The cut must leave the window strictly ahead of the next start or
		// the walk would stall on overlap-sized segments.
		if cut <= start+overlapChars {
			cut = end
		}

		segments = append(segments, string(runes[start:cut]))
		start = cut - overlapChars
	}

	return segments, nil
}

// boundaryCut walks back from end looking first for a sentence terminator and
// then for any whitespace, both within the lookback window. It returns end
// unchanged when no better break exists.
func boundaryCut(runes []rune, start, end, lookback int) int {
	limit := end - lookback
	if limit < start {
		limit = start
	}

	for i := end - 1; i > limit; i-- {
		if isSentenceEnd(runes[i-1]) && unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}

	for i := end - 1; i > limit; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}

	return end
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '\n':
		return true
	}
	return false
}

// EstimateTokens is the rough character-based token heuristic shared by the
// orchestrators when sizing prompts.
func EstimateTokens(s string) int {
	n := len([]rune(s)) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}
