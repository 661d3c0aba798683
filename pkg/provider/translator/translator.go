// Package translator defines the Japanese-to-English translation contract
// and shared text chunking used by its implementations.
package translator

import (
	"context"
	"strings"
)

// Provider translates Japanese transcript text into English.
// Implementations must be safe for concurrent use.
type Provider interface {
	Translate(ctx context.Context, text string) (string, error)
}

// DefaultChunkRunes bounds how much text a single translation request
// carries. Long transcripts are split at sentence boundaries so each request
// stays within model context comfortably.
const DefaultChunkRunes = 800

// Chunks splits text after 。 into pieces of at most maxRunes runes.
// A sentence longer than maxRunes becomes its own oversized chunk rather
// than being cut mid-sentence. Empty input yields no chunks.
func Chunks(text string, maxRunes int) []string {
	if text == "" {
		return nil
	}
	if maxRunes <= 0 {
		maxRunes = DefaultChunkRunes
	}

	var sentences []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '。' {
			sentences = append(sentences, string(runes[start:i+1]))
			start = i + 1
		}
	}
	if start < len(runes) {
		sentences = append(sentences, string(runes[start:]))
	}

	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	for _, s := range sentences {
		n := len([]rune(s))
		if curLen > 0 && curLen+n > maxRunes {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
		cur.WriteString(s)
		curLen += n
	}
	if curLen > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
