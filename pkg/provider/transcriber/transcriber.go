// Package transcriber defines the speech-to-text contract used by the
// incremental transcription pipeline. Implementations transcribe a complete
// audio window per call; the cumulative re-transcription strategy lives in
// the session layer, not here.
package transcriber

import (
	"context"
	"errors"
	"time"
)

// ErrTransient marks a failure that may succeed on a later pass over the
// same (grown) audio window. The pipeline logs it and keeps the session
// alive.
var ErrTransient = errors.New("transcriber: transient failure")

// ErrFatal marks a failure the provider cannot recover from (model state
// corrupt, backend gone). The pipeline ends the session.
var ErrFatal = errors.New("transcriber: fatal failure")

// Request describes one transcription pass over an audio window.
type Request struct {
	// PCM is little-endian signed 16-bit mono audio.
	PCM []byte

	// SampleRate of PCM in Hz. The pipeline always sends 16000.
	SampleRate int

	// Language is the ISO 639-1 code of the expected speech (e.g. "ja").
	Language string

	// InitialPrompt conditions decoding on previously confirmed text so the
	// model keeps style and vocabulary consistent across passes.
	InitialPrompt string

	// BeamSize sets the decoder beam width. Zero means provider default.
	BeamSize int
}

// Segment is one time-aligned span of the transcription result.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Result is the full transcript of one pass.
type Result struct {
	// Text is the concatenated transcript of all segments.
	Text string

	// Segments carries per-span timing when the backend provides it.
	Segments []Segment
}

// Provider is a synchronous whole-window transcriber. Implementations must
// be safe for concurrent use; the whisper implementation gates concurrent
// passes internally with a weighted semaphore.
type Provider interface {
	// Transcribe runs one pass over req.PCM. It blocks until inference
	// completes or ctx is done. Errors wrap [ErrTransient] or [ErrFatal].
	Transcribe(ctx context.Context, req Request) (Result, error)

	// Close releases the underlying model or connection.
	Close() error
}
