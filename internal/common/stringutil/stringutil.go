// Package stringutil has small string helpers shared across components.
package stringutil

// Truncate caps s at max runes. Short strings come back unchanged.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Ellipsis caps s at max runes, marking the cut with a single "…" so task
// titles and descriptions stay readable in resource listings and prompts.
func Ellipsis(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return Truncate(s, max)
	}
	return string(runes[:max-1]) + "…"
}
