package cliutil

import "strings"

// SingleLine collapses newlines so a value renders on one table row or
// detail line. CR is dropped rather than replaced to keep CRLF input from
// doubling spaces.
func SingleLine(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
