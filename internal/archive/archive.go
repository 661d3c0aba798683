// Package archive persists completed session transcripts.
//
// Archival is best-effort: a failed save is logged and never blocks or fails
// the session that produced the transcript.
package archive

import (
	"context"
	"time"
)

// Record is the durable result of one completed streaming session.
type Record struct {
	SessionID    string    `json:"sessionId"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt"`
	FinalText    string    `json:"finalText"`
	Normalized   string    `json:"normalizedText,omitempty"`
	Translated   string    `json:"translatedText,omitempty"`
	TimedOut     bool      `json:"finalizationTimedOut,omitempty"`
	AudioSeconds float64   `json:"audioSeconds"`
	Passes       int64     `json:"transcriptionPasses"`
	Revisions    int64     `json:"revisions"`
}

// Store persists session records.
type Store interface {
	// Save writes one completed session record.
	Save(ctx context.Context, rec Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Close releases any resources held by the store.
	Close()
}

// Noop is a Store that discards everything. Used when no archive backend is
// configured.
type Noop struct{}

var _ Store = Noop{}

func (Noop) Save(context.Context, Record) error { return nil }

func (Noop) Recent(context.Context, int) ([]Record, error) { return []Record{}, nil }

func (Noop) Close() {}
