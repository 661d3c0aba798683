// Package kana implements normalizer.Provider with rune-level kana folding:
// half-width katakana and full-width ASCII are folded to their canonical
// widths, then katakana is mapped to hiragana. Kanji are passed through
// unchanged; producing kanji readings needs a dictionary and is out of scope
// for this normalizer.
package kana

import (
	"context"
	"strings"

	"golang.org/x/text/width"

	"github.com/kikitori/kikitori/pkg/provider/normalizer"
)

// Normalizer folds widths and converts katakana to hiragana.
type Normalizer struct{}

var _ normalizer.Provider = (*Normalizer)(nil)

// New returns a kana Normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Normalize implements normalizer.Provider. It never fails; the error return
// exists to satisfy the contract shared with service-backed normalizers.
func (n *Normalizer) Normalize(_ context.Context, text string) (string, error) {
	folded := width.Fold.String(text)
	return strings.Map(katakanaToHiragana, folded), nil
}

// katakanaToHiragana maps one katakana rune to its hiragana counterpart.
// The two blocks are offset by 0x60; the prolonged sound mark and middle dot
// have no hiragana form and pass through.
func katakanaToHiragana(r rune) rune {
	if r >= 'ァ' && r <= 'ヶ' {
		return r - 0x60
	}
	return r
}
