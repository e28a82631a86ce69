// Package util provides common text helpers used across markersync.
package util

import (
	"strings"
	"unicode"
)

// NormalizeText collapses runs of whitespace into single spaces and trims the ends.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ContainsFold reports whether needle occurs in haystack, ignoring case and
// whitespace differences. An empty needle matches everything.
func ContainsFold(haystack, needle string) bool {
	needle = strings.ToLower(NormalizeText(needle))
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(NormalizeText(haystack)), needle)
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return strings.TrimRightFunc(string(r[:n-1]), unicode.IsSpace) + "…"
}
