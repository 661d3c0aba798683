package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	schedule := []time.Duration{time.Millisecond, time.Millisecond}

	t.Run("first attempt succeeds", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), "op", schedule, func(context.Context) error {
			calls++
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), "op", schedule, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("boom")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("exhausts schedule and returns last error", func(t *testing.T) {
		calls := 0
		wantErr := errors.New("still down")
		err := Retry(context.Background(), "op", schedule, func(context.Context) error {
			calls++
			return wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Fatalf("expected last error, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls (1 + 2 retries), got %d", calls)
		}
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, "op", []time.Duration{time.Hour}, func(context.Context) error {
			calls++
			cancel()
			return errors.New("boom")
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})
}

func TestBreaker(t *testing.T) {
	t.Run("stays closed on success", func(t *testing.T) {
		b := NewBreaker("t", 2, time.Minute)
		for range 5 {
			if err := b.Allow(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			b.Record(nil)
		}
		if b.Open() {
			t.Error("expected breaker to stay closed")
		}
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		b := NewBreaker("t", 2, time.Minute)
		boom := errors.New("boom")
		b.Record(boom)
		b.Record(boom)
		if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("expected ErrCircuitOpen, got %v", err)
		}
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		b := NewBreaker("t", 2, time.Minute)
		boom := errors.New("boom")
		b.Record(boom)
		b.Record(nil)
		b.Record(boom)
		if err := b.Allow(); err != nil {
			t.Fatalf("expected closed breaker, got %v", err)
		}
	})

	t.Run("probe after reset timeout closes on success", func(t *testing.T) {
		b := NewBreaker("t", 1, time.Millisecond)
		b.Record(errors.New("boom"))
		time.Sleep(5 * time.Millisecond)

		if err := b.Allow(); err != nil {
			t.Fatalf("expected probe to be admitted, got %v", err)
		}
		// Second caller during the probe is rejected.
		if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("expected ErrCircuitOpen during probe, got %v", err)
		}
		b.Record(nil)
		if b.Open() {
			t.Error("expected breaker closed after successful probe")
		}
	})

	t.Run("failed probe re-opens", func(t *testing.T) {
		b := NewBreaker("t", 1, time.Millisecond)
		boom := errors.New("boom")
		b.Record(boom)
		time.Sleep(5 * time.Millisecond)

		if err := b.Allow(); err != nil {
			t.Fatalf("expected probe to be admitted, got %v", err)
		}
		b.Record(boom)
		if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("expected re-opened breaker, got %v", err)
		}
	})
}
