package service

import (
	"bytes"
	"encoding/json"
	"strings"
)

// marshalRaw serializes to indented JSON without HTML-escaping <, >, and &.
// Standard json.Marshal escapes these for safe HTML embedding, but
// security payloads (e.g. XSS probes) must survive the round trip literally.
func marshalRaw(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encode appends a trailing newline; trim it
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	return b, nil
}

// parseStringList parses a JSON array or comma-separated list into a slice.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	trimmed := strings.TrimSpace(s)
	if len(trimmed) > 1 && trimmed[0] == '[' {
		var arr []string
		if json.Unmarshal([]byte(trimmed), &arr) == nil {
			return arr
		}
	}
	return parseCommaSeparated(s)
}
