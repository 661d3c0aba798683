// Package whisper implements transcriber.Provider backed by the whisper.cpp
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once and shared across all sessions. Each Transcribe
// call creates a fresh whisper context; contexts are not thread-safe but the
// model is, so a weighted semaphore caps how many inference passes run at
// once.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"

	"github.com/kikitori/kikitori/pkg/audio"
	"github.com/kikitori/kikitori/pkg/provider/transcriber"
)

const (
	defaultLanguage    = "ja"
	defaultBeamSize    = 3
	defaultConcurrency = 2
)

// Compile-time assertion that Provider satisfies transcriber.Provider.
var _ transcriber.Provider = (*Provider)(nil)

// Provider runs whisper.cpp inference in-process.
type Provider struct {
	model    whisperlib.Model
	language string
	beamSize int
	threads  int

	// sem caps concurrent inference passes across all sessions. Each pass
	// holds a fresh whisper context for its whole duration, and contexts are
	// memory-hungry, so this is the model-level throttle.
	sem *semaphore.Weighted
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the default ISO 639-1 language code used when a request
// does not specify one. Defaults to "ja".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithBeamSize sets the default decoder beam width. Defaults to 3.
func WithBeamSize(n int) Option {
	return func(p *Provider) { p.beamSize = n }
}

// WithConcurrency sets how many inference passes may run at once.
// Defaults to 2.
func WithConcurrency(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithThreads sets the whisper.cpp thread count per context. Zero leaves the
// library default.
func WithThreads(n int) Option {
	return func(p *Provider) { p.threads = n }
}

// New loads the whisper.cpp model from modelPath. The caller must call Close
// when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:    model,
		language: defaultLanguage,
		beamSize: defaultBeamSize,
		sem:      semaphore.NewWeighted(defaultConcurrency),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe implements transcriber.Provider. It blocks on the concurrency
// semaphore, runs one inference pass over req.PCM with a fresh context, and
// returns the segment texts joined in order.
func (p *Provider) Transcribe(ctx context.Context, req transcriber.Request) (transcriber.Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return transcriber.Result{}, fmt.Errorf("whisper: wait for inference slot: %w", err)
	}
	defer p.sem.Release(1)

	if err := ctx.Err(); err != nil {
		return transcriber.Result{}, err
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return transcriber.Result{}, fmt.Errorf("whisper: create context: %w (%w)", err, transcriber.ErrFatal)
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}

	beam := req.BeamSize
	if beam <= 0 {
		beam = p.beamSize
	}
	wctx.SetBeamSize(beam)
	if p.threads > 0 {
		wctx.SetThreads(uint(p.threads))
	}
	if req.InitialPrompt != "" {
		wctx.SetInitialPrompt(req.InitialPrompt)
	}

	samples := audio.ToFloat32(req.PCM)
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return transcriber.Result{}, fmt.Errorf("whisper: process audio: %w (%w)", err, transcriber.ErrTransient)
	}

	var (
		parts    []string
		segments []transcriber.Segment
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return transcriber.Result{}, fmt.Errorf("whisper: read segment: %w (%w)", err, transcriber.ErrTransient)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		segments = append(segments, transcriber.Segment{
			Start: segment.Start,
			End:   segment.End,
			Text:  text,
		})
	}

	return transcriber.Result{
		Text:     strings.Join(parts, ""),
		Segments: segments,
	}, nil
}
