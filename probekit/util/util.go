// Package util holds small helpers shared between the service and CLI layers.
package util

import "unicode/utf8"

// TruncateString truncates s to maxLen runes, appending "..." when truncated.
// Truncation happens at rune boundaries so multi-byte characters stay intact.
func TruncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}
