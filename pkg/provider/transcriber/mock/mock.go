// Package mock provides a scripted transcriber.Provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kikitori/kikitori/pkg/provider/transcriber"
)

// Provider replays a fixed script of transcripts, one entry per Transcribe
// call. The last entry repeats once the script is exhausted. All exported
// fields must be set before first use.
type Provider struct {
	// Script holds the transcript returned for call N. The last entry
	// repeats for calls beyond the script.
	Script []string

	// Errs maps a zero-based call index to an error returned instead of the
	// scripted transcript.
	Errs map[int]error

	// Delay is slept before returning, to simulate inference latency.
	Delay time.Duration

	// Started, when non-nil, receives one token as each call begins.
	Started chan struct{}

	// Release, when non-nil, blocks each call until a token is received.
	// Used to hold a pass in flight deterministically.
	Release chan struct{}

	mu     sync.Mutex
	calls  []transcriber.Request
	closed bool
}

var _ transcriber.Provider = (*Provider)(nil)

// Transcribe implements transcriber.Provider.
func (p *Provider) Transcribe(ctx context.Context, req transcriber.Request) (transcriber.Result, error) {
	p.mu.Lock()
	idx := len(p.calls)
	// Copy the PCM so later buffer mutation cannot retroactively change what
	// the test observed.
	rec := req
	rec.PCM = append([]byte(nil), req.PCM...)
	p.calls = append(p.calls, rec)
	p.mu.Unlock()

	if p.Started != nil {
		select {
		case p.Started <- struct{}{}:
		case <-ctx.Done():
			return transcriber.Result{}, ctx.Err()
		}
	}
	if p.Release != nil {
		select {
		case <-p.Release:
		case <-ctx.Done():
			return transcriber.Result{}, ctx.Err()
		}
	}
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return transcriber.Result{}, ctx.Err()
		}
	}

	if err, ok := p.Errs[idx]; ok {
		return transcriber.Result{}, err
	}

	text := ""
	if len(p.Script) > 0 {
		if idx >= len(p.Script) {
			idx = len(p.Script) - 1
		}
		text = p.Script[idx]
	}
	return transcriber.Result{Text: text}, nil
}

// Close implements transcriber.Provider.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Calls returns a snapshot of all recorded requests.
func (p *Provider) Calls() []transcriber.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transcriber.Request(nil), p.calls...)
}

// CallCount returns how many Transcribe calls have been made.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Closed reports whether Close has been called.
func (p *Provider) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
