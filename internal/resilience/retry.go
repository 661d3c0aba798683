// Package resilience provides retry and failover primitives for the
// post-processing providers. Transcription itself is never retried here:
// the pipeline's next cumulative pass covers the same audio again, so a
// failed pass simply waits for more audio.
package resilience

import (
	"context"
	"log/slog"
	"time"
)

// TranslateSchedule is the backoff schedule applied to translation calls:
// two retries, 100 ms then 500 ms after the failed attempt.
var TranslateSchedule = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond}

// Retry runs fn, retrying once per schedule entry after the corresponding
// delay. It returns nil on the first success and the last error once the
// schedule is exhausted. ctx cancellation aborts between attempts.
func Retry(ctx context.Context, name string, schedule []time.Duration, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= len(schedule) {
			return err
		}

		slog.Warn("operation failed, retrying",
			"name", name,
			"attempt", attempt+1,
			"backoff", schedule[attempt],
			"err", err,
		)
		select {
		case <-time.After(schedule[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
