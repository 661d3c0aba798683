package main

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFormatEntry_TruncatesOnRuneBoundaries(t *testing.T) {
	long := strings.Repeat("モ", 30) // 3 bytes per rune
	got := formatEntry("Whisper model", long)

	if !utf8.ValidString(got) {
		t.Fatalf("formatEntry produced invalid UTF-8: %q", got)
	}
	if !strings.Contains(got, strings.Repeat("モ", 18)+"…") {
		t.Errorf("formatEntry = %q, want 18 runes and an ellipsis", got)
	}
}

func TestFormatEntry_ShortValueUnchanged(t *testing.T) {
	got := formatEntry("Language", "ja")
	if !strings.Contains(got, "ja") || strings.Contains(got, "…") {
		t.Errorf("formatEntry = %q", got)
	}
}
