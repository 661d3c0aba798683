package kana

import (
	"context"
	"testing"
)

func TestNormalize(t *testing.T) {
	n := New()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"katakana to hiragana", "カタカナ", "かたかな"},
		{"hiragana unchanged", "ひらがな", "ひらがな"},
		{"kanji passthrough", "日本語", "日本語"},
		{"mixed sentence", "コーヒーを飲みます。", "こーひーを飲みます。"},
		{"half-width katakana", "ｶﾀｶﾅ", "かたかな"},
		{"full-width ascii folded", "ＡＢＣ１２３", "ABC123"},
		{"voiced small forms", "ヴぁゖ", "ゔぁゖ"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(context.Background(), tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
