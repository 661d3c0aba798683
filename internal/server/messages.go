package server

import "github.com/kikitori/kikitori/internal/session"

// Error codes carried by error messages.
const (
	ErrCodeDecode          = "decode"
	ErrCodeModelTransient  = "model_transient"
	ErrCodeModelFatal      = "model_fatal"
	ErrCodeProtocol        = "protocol"
	ErrCodeSessionNotFound = "session_not_found"
	ErrCodeTimeout         = "timeout"
)

// clientMessage is any JSON text frame sent by the client. Type selects the
// operation; the remaining fields belong to the "options" message, which may
// arrive any time before "end". Last value wins; unknown keys are ignored.
type clientMessage struct {
	Type string `json:"type"`

	// EnableHiragana and EnableTranslation toggle the post-processing
	// stages. Absent fields leave the current setting unchanged; both
	// default to on when the corresponding provider is configured.
	EnableHiragana    *bool `json:"enableHiragana,omitempty"`
	EnableTranslation *bool `json:"enableTranslation,omitempty"`

	// EnableSummary is accepted for wire compatibility and ignored; the
	// server produces no summaries.
	EnableSummary *bool `json:"enableSummary,omitempty"`

	// RawPCM declares that binary frames are already 16 kHz mono s16le and
	// skips container sniffing.
	RawPCM *bool `json:"rawPcm,omitempty"`

	// Codec is "pcm", "wav" or "opus". Default "pcm".
	Codec string `json:"codec,omitempty"`

	// SampleRate and Channels describe raw PCM input. Defaults: 16000, 1.
	SampleRate int `json:"sampleRate,omitempty"`
	Channels   int `json:"channels,omitempty"`
}

// Envelope is embedded in every server message.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func (e *Envelope) envelope() *Envelope { return e }

// serverMessage is implemented by every outbound message via the embedded
// Envelope.
type serverMessage interface {
	envelope() *Envelope
}

// TextPair is the confirmed/tentative split of one transcript view.
type TextPair struct {
	Confirmed string `json:"confirmed"`
	Tentative string `json:"tentative"`
}

// ConnectedMessage acknowledges the session binding. It is the first
// message the server sends on a connection.
type ConnectedMessage struct {
	Envelope
	Resumed bool `json:"resumed,omitempty"`
}

// AccumulatingMessage reports a buffered chunk that did not trigger a
// transcription pass yet.
type AccumulatingMessage struct {
	Envelope
	ChunkID                      int     `json:"chunkId"`
	DurationSec                  float64 `json:"durationSec"`
	SessionElapsedSec            float64 `json:"sessionElapsedSec"`
	ChunksUntilNextTranscription int     `json:"chunksUntilNextTranscription"`
}

// ProgressMessage reports which processing step is running.
type ProgressMessage struct {
	Envelope
	Step    string `json:"step"`
	Message string `json:"message"`
}

// UpdateMessage carries the incremental transcript state. Sequence counts
// transcription_update and session_end messages per connection; clients use
// it to detect gaps.
type UpdateMessage struct {
	Envelope
	Sequence      uint64              `json:"sequence"`
	IsFinal       bool                `json:"isFinal"`
	Transcription TextPair            `json:"transcription"`
	Hiragana      *TextPair           `json:"hiragana,omitempty"`
	Translation   *TextPair           `json:"translation,omitempty"`
	Performance   session.Performance `json:"performance"`
}

// ErrorMessage reports a recoverable or fatal server-side failure. The
// connection closes after a fatal error.
type ErrorMessage struct {
	Envelope
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// EndPerformance is the performance block of a session_end message.
type EndPerformance struct {
	session.Performance
	FinalizationTimedOut bool `json:"finalizationTimedOut,omitempty"`
}

// SessionEndMessage is the finalization result and the last message on a
// connection that ended normally.
type SessionEndMessage struct {
	Envelope
	Sequence      uint64         `json:"sequence"`
	IsFinal       bool           `json:"isFinal"`
	Transcription TextPair       `json:"transcription"`
	Hiragana      *TextPair      `json:"hiragana,omitempty"`
	Translation   *TextPair      `json:"translation,omitempty"`
	Performance   EndPerformance `json:"performance"`
	Statistics    session.Stats  `json:"statistics"`
}

// progressText maps a progress step to its human-readable message.
func progressText(step string) string {
	switch step {
	case session.StepDecoding:
		return "decoding audio"
	case session.StepTranscribing:
		return "transcribing audio"
	case session.StepNormalizing:
		return "converting to hiragana"
	case session.StepTranslating:
		return "translating to English"
	default:
		return step
	}
}
