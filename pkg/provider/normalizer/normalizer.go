// Package normalizer defines the reading-normalization contract. A
// normalizer turns raw Japanese transcript text into a reading form clients
// can display alongside the original (hiragana, folded widths).
package normalizer

import "context"

// Provider converts transcript text into its normalized reading form.
// Implementations must be safe for concurrent use.
type Provider interface {
	Normalize(ctx context.Context, text string) (string, error)
}
