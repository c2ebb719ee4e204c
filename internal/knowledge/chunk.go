package knowledge

import (
	"strings"
)

// DefaultMinChunkChars is the floor below which a paragraph is too
// short to be worth embedding.
const DefaultMinChunkChars = 50

// SplitParagraphs splits text into embedding-sized chunks on blank-line
// boundaries. Each paragraph is trimmed; paragraphs shorter than
// minChars are dropped. minChars <= 0 keeps every non-empty paragraph.
//
// Returns nil for whitespace-only input.
func SplitParagraphs(text string, minChars int) []string {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")

	var chunks []string
	for _, para := range strings.Split(normalized, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if minChars > 0 && len(para) < minChars {
			continue
		}
		chunks = append(chunks, para)
	}
	return chunks
}
