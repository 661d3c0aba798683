package session

import (
	"log/slog"

	"github.com/antzucaro/matchr"
)

// dedupSimilarity is the normalized Levenshtein similarity above which two
// sentences are treated as the same utterance during finalization. The
// final pass re-reads overlap audio, so its tail often repeats the last
// confirmed sentence with minor decoding differences.
const dedupSimilarity = 0.9

// dedupWindow is how many trailing confirmed sentences a promoted sentence
// is compared against.
const dedupWindow = 5

// Differ maintains the confirmed/tentative split across cumulative
// transcription passes. Confirmed text only ever grows; tentative text is
// replaced wholesale on every pass.
//
// Differ is not synchronized; the owning Pipeline guards it.
type Differ struct {
	confirmed []rune
	tentative []rune
	revisions int
}

// DiffResult describes the outcome of one Update.
type DiffResult struct {
	// Confirmed is the full confirmed text after the update.
	Confirmed string

	// Tentative is the unconfirmed tail after the update.
	Tentative string

	// NewConfirmed is the delta appended to confirmed by this update.
	// Empty when confirmed did not grow.
	NewConfirmed string

	// Revised is set when the new transcript contradicted already
	// confirmed text. The confirmed prefix is kept regardless.
	Revised bool
}

// Update folds a fresh cumulative transcript into the differ.
//
// The new text is compared against the confirmed prefix. When it still
// starts with everything confirmed so far, the confirmed region extends
// to the last sentence terminator in the new text; the remainder replaces
// tentative wholesale. When the model revised text that was already
// confirmed, confirmed is kept as-is and only the tentative tail is
// replaced.
func (d *Differ) Update(newText string) DiffResult {
	newRunes := []rune(newText)
	match := commonPrefix(newRunes, d.confirmed)

	oldConfirmed := len(d.confirmed)
	revised := false

	if match >= oldConfirmed {
		// The new transcript agrees with everything confirmed; its
		// completed sentences confirm, the rest is tentative.
		boundary := lastSentenceEnd(newRunes)
		if boundary > oldConfirmed {
			d.confirmed = append(d.confirmed, newRunes[oldConfirmed:boundary]...)
		}
		d.tentative = append(d.tentative[:0], newRunes[len(d.confirmed):]...)
	} else {
		// The model rewrote confirmed text. Never regress: keep confirmed
		// and re-derive the tentative tail from whatever part of the new
		// transcript still lines up with it.
		revised = len(newRunes) > 0
		if revised {
			d.revisions++
			slog.Warn("transcript revised already-confirmed text; keeping confirmed prefix",
				"confirmed_len", oldConfirmed,
				"match_len", match,
				"new_len", len(newRunes),
			)
		}
		d.tentative = append(d.tentative[:0], newRunes[match:]...)
	}

	res := DiffResult{
		Confirmed: string(d.confirmed),
		Tentative: string(d.tentative),
		Revised:   revised,
	}
	if len(d.confirmed) > oldConfirmed {
		res.NewConfirmed = string(d.confirmed[oldConfirmed:])
	}
	return res
}

// Finalize promotes the remaining text into confirmed and returns the
// final transcript. When finalText (the last full-buffer pass) still
// extends confirmed, its remainder is promoted; otherwise the current
// tentative text is. Near-duplicate sentences introduced by re-reading
// overlap audio are dropped so each sentence appears at most once.
func (d *Differ) Finalize(finalText string) string {
	final := []rune(finalText)

	var tail []rune
	switch {
	case len(final) == 0:
		// No final pass ran (empty buffer or deadline); promote whatever
		// is tentative.
		tail = d.tentative
	case len(final) >= len(d.confirmed) && commonPrefix(final, d.confirmed) == len(d.confirmed):
		tail = final[len(d.confirmed):]
	default:
		if len(d.confirmed) > 0 {
			slog.Warn("final pass did not extend confirmed text; promoting tentative instead",
				"confirmed_len", len(d.confirmed),
				"final_len", len(final),
			)
		}
		tail = d.tentative
	}

	d.confirmed = append(d.confirmed, d.dedupAgainstConfirmed(tail)...)
	d.tentative = nil
	return string(d.confirmed)
}

// Confirmed returns the current confirmed text.
func (d *Differ) Confirmed() string { return string(d.confirmed) }

// Tentative returns the current tentative text.
func (d *Differ) Tentative() string { return string(d.tentative) }

// Revisions returns how many updates contradicted confirmed text.
func (d *Differ) Revisions() int { return d.revisions }

// dedupAgainstConfirmed filters tail sentences that near-duplicate the
// trailing confirmed sentences.
func (d *Differ) dedupAgainstConfirmed(tail []rune) []rune {
	if len(tail) == 0 {
		return nil
	}
	recent := splitSentences(string(d.confirmed))
	if len(recent) > dedupWindow {
		recent = recent[len(recent)-dedupWindow:]
	}

	var out []rune
	for _, s := range splitSentences(string(tail)) {
		if nearDuplicate(s, recent) {
			slog.Debug("dropping near-duplicate sentence from final promotion", "sentence", s)
			continue
		}
		out = append(out, []rune(s)...)
		recent = append(recent, s)
		if len(recent) > dedupWindow {
			recent = recent[1:]
		}
	}
	return out
}

// nearDuplicate reports whether s is almost identical to any candidate.
func nearDuplicate(s string, candidates []string) bool {
	for _, c := range candidates {
		if sentenceSimilarity(s, c) >= dedupSimilarity {
			return true
		}
	}
	return false
}

// sentenceSimilarity returns the normalized Levenshtein similarity of two
// sentences in [0, 1].
func sentenceSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	dist := matchr.Levenshtein(a, b)
	return 1 - float64(dist)/float64(longest)
}

// commonPrefix returns the length of the longest common prefix of a and b.
func commonPrefix(a, b []rune) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// isSentenceEnd reports whether r terminates a Japanese sentence.
func isSentenceEnd(r rune) bool {
	return r == '。' || r == '！' || r == '？'
}

// lastSentenceEnd returns the index just past the last sentence terminator
// in text, or 0 when text holds no completed sentence.
func lastSentenceEnd(text []rune) int {
	for i := len(text) - 1; i >= 0; i-- {
		if isSentenceEnd(text[i]) {
			return i + 1
		}
	}
	return 0
}

// splitSentences splits text after each sentence terminator, keeping the
// terminator attached. Trailing text without a terminator becomes the last
// element.
func splitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i, r := range runes {
		if isSentenceEnd(r) {
			out = append(out, string(runes[start:i+1]))
			start = i + 1
		}
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}
