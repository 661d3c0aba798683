// Package mock provides a scripted translator.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/kikitori/kikitori/pkg/provider/translator"
)

// Provider records Translate calls and replays configured results.
type Provider struct {
	// Result is returned for every successful call. When empty, the input
	// is echoed back prefixed with "en:" so tests can assert flow-through.
	Result string

	// FailFirst makes the first N calls fail with Err before succeeding.
	FailFirst int

	// Err is the error returned by failing calls.
	Err error

	mu    sync.Mutex
	calls []string
	fails int
}

var _ translator.Provider = (*Provider)(nil)

// Translate implements translator.Provider.
func (p *Provider) Translate(_ context.Context, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, text)

	if p.fails < p.FailFirst {
		p.fails++
		return "", p.Err
	}
	if p.Result != "" {
		return p.Result, nil
	}
	return "en:" + text, nil
}

// Calls returns a snapshot of all recorded inputs.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}
