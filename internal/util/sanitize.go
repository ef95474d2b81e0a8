package util

import "strings"

// SanitizeText strips control characters (except newline, carriage return,
// and tab) and truncates to maxLen runes, never splitting a multibyte
// character.
func SanitizeText(text string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r >= 32 || r == '\n' || r == '\r' || r == '\t' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if maxLen > 0 {
		if runes := []rune(out); len(runes) > maxLen {
			out = string(runes[:maxLen])
		}
	}
	return strings.TrimSpace(out)
}
