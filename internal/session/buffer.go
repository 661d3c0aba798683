// Package session implements the incremental transcription core: the
// cumulative audio buffer, the confirmed/tentative text differ, the
// per-session pipeline that schedules transcription and post-processing,
// and the registry that tracks live sessions.
package session

import (
	"strings"
	"time"

	"github.com/kikitori/kikitori/pkg/audio"
)

// promptMaxSentences caps how many trailing confirmed sentences seed the
// decoder prompt of the next pass.
const promptMaxSentences = 10

// Buffer accumulates PCM audio for cumulative re-transcription. Audio is
// kept as whole appended chunks; trimming evicts chunks oldest-first, so
// a snapshot normally starts at a chunk boundary the model has seen
// before. The one exception is a single chunk larger than the whole cap,
// which is sliced down to its tail.
//
// Buffer is not synchronized; the owning Pipeline guards it.
type Buffer struct {
	maxBytes     int
	overlapBytes int
	promptChars  int

	chunks     [][]byte
	totalBytes int

	// Lifetime counters, unaffected by trimming.
	receivedBytes  int64
	receivedChunks int
}

// NewBuffer creates a Buffer bounded to maxAudio of retained audio that
// preserves at least overlap of tail audio across trims. promptChars caps
// the initial-prompt length in runes.
func NewBuffer(maxAudio, overlap time.Duration, promptChars int) *Buffer {
	return &Buffer{
		maxBytes:     int(maxAudio.Seconds() * audio.BytesPerSecond),
		overlapBytes: int(overlap.Seconds() * audio.BytesPerSecond),
		promptChars:  promptChars,
	}
}

// Append adds one chunk of canonical-format PCM and trims the buffer back
// under its cap. The chunk is retained by reference; callers must not
// mutate it afterwards.
func (b *Buffer) Append(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	b.chunks = append(b.chunks, pcm)
	b.totalBytes += len(pcm)
	b.receivedBytes += int64(len(pcm))
	b.receivedChunks++
	b.trim()
}

// trim evicts whole chunks from the head while the buffer exceeds its cap.
// Eviction never dips below the overlap tail. When a single remaining
// chunk alone exceeds the cap, the buffer resets to that chunk's tail of
// at most maxBytes, cut on a sample boundary.
func (b *Buffer) trim() {
	for b.totalBytes > b.maxBytes && len(b.chunks) > 1 {
		head := b.chunks[0]
		if b.totalBytes-len(head) < b.overlapBytes {
			break
		}
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
		b.totalBytes -= len(head)
	}
	if len(b.chunks) == 1 && b.maxBytes > 0 && b.totalBytes > b.maxBytes {
		head := b.chunks[0]
		cut := len(head) - b.maxBytes
		cut += cut & 1
		b.chunks[0] = head[cut:]
		b.totalBytes = len(head) - cut
	}
}

// Snapshot returns a copy of the buffered audio as one contiguous slice.
func (b *Buffer) Snapshot() []byte {
	out := make([]byte, 0, b.totalBytes)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Duration returns the play time of the retained audio.
func (b *Buffer) Duration() time.Duration {
	return time.Duration(b.totalBytes) * time.Second / audio.BytesPerSecond
}

// ChunkCount returns how many chunks are currently retained.
func (b *Buffer) ChunkCount() int { return len(b.chunks) }

// ReceivedDuration returns the lifetime play time of all audio ever
// appended, including trimmed chunks.
func (b *Buffer) ReceivedDuration() time.Duration {
	return time.Duration(b.receivedBytes) * time.Second / audio.BytesPerSecond
}

// ReceivedChunks returns the lifetime number of appended chunks.
func (b *Buffer) ReceivedChunks() int { return b.receivedChunks }

// InitialPrompt derives the decoder conditioning prompt from confirmed
// text: the last sentences, tail-capped to the configured rune budget so
// recent context survives when a sentence is long.
func (b *Buffer) InitialPrompt(confirmed string) string {
	if confirmed == "" {
		return ""
	}
	sentences := splitSentences(confirmed)
	if len(sentences) > promptMaxSentences {
		sentences = sentences[len(sentences)-promptMaxSentences:]
	}
	prompt := strings.Join(sentences, "")
	runes := []rune(prompt)
	if b.promptChars > 0 && len(runes) > b.promptChars {
		runes = runes[len(runes)-b.promptChars:]
	}
	return string(runes)
}
