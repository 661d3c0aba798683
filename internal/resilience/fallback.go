package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Group composes an ordered list of providers of any type with per-entry
// circuit breakers. Execute tries entries in order, skipping entries whose
// breaker is open, so a failing primary is bypassed in favour of healthy
// fallbacks.
type Group[T any] struct {
	entries []groupEntry[T]
}

type groupEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// NewGroup creates an empty Group.
func NewGroup[T any]() *Group[T] {
	return &Group[T]{}
}

// Add appends a provider with its own breaker. Order of addition is the
// failover order.
func (g *Group[T]) Add(name string, value T) {
	g.entries = append(g.entries, groupEntry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(name, 3, 0),
	})
}

// Len returns the number of registered providers.
func (g *Group[T]) Len() int { return len(g.entries) }

// Execute runs fn against each provider in order until one succeeds.
// Providers with open breakers are skipped. The returned error joins the
// failures of every attempted provider when all of them fail.
func (g *Group[T]) Execute(ctx context.Context, fn func(ctx context.Context, name string, v T) error) error {
	if len(g.entries) == 0 {
		return errors.New("resilience: no providers registered")
	}

	var errs []error
	for _, e := range g.entries {
		if err := e.breaker.Allow(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			continue
		}
		err := fn(ctx, e.name, e.value)
		e.breaker.Record(err)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		slog.Warn("provider failed, trying next", "name", e.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return errors.Join(errs...)
}
