package util

import (
	"testing"
	"unicode/utf8"
)

func TestSanitizeText(t *testing.T) {
	if got := SanitizeText("  hello\x00world\x07  ", 0); got != "helloworld" {
		t.Fatalf("got %q", got)
	}
	if got := SanitizeText("line1\nline2\tok", 0); got != "line1\nline2\tok" {
		t.Fatalf("newline/tab should survive, got %q", got)
	}
	if got := SanitizeText("abcdef", 3); got != "abc" {
		t.Fatalf("truncation: got %q", got)
	}
}

func TestSanitizeTextTruncatesOnRuneBoundary(t *testing.T) {
	if got := SanitizeText("héllo", 2); got != "hé" {
		t.Fatalf("got %q, want %q", got, "hé")
	}
	got := SanitizeText("日本語テキスト", 3)
	if got != "日本語" {
		t.Fatalf("got %q, want %q", got, "日本語")
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncated output is not valid UTF-8: %q", got)
	}
}
