package service

import (
	"bytes"
	"net/http"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-analyze/bulk"

	"github.com/go-appsec/probetools/probekit/protocol"
	"github.com/go-appsec/probetools/probekit/util"
)

const (
	// responsePreviewSize is the maximum bytes to show in response preview
	responsePreviewSize = 500
	// fullBodyMaxSize is the maximum bytes to return in full body responses
	fullBodyMaxSize = 20480
	// maxPathLength is the maximum path length for display
	maxPathLength = 80
)

var (
	numericSegmentRe = regexp.MustCompile(`^\d+$`)
	uuidSegmentRe    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hexIDSegmentRe   = regexp.MustCompile(`^[0-9a-fA-F]{24,}$`)
)

// normalizePath replaces dynamic path segments (numeric IDs, UUIDs, hex IDs 24+ chars)
// with * for grouping. Query strings are preserved.
func normalizePath(path string) string {
	if path == "" {
		return path
	}

	queryIdx := strings.Index(path, "?")
	var query string
	pathOnly := path
	if queryIdx != -1 {
		query = path[queryIdx:]
		pathOnly = path[:queryIdx]
	}

	segments := strings.Split(pathOnly, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if numericSegmentRe.MatchString(seg) || uuidSegmentRe.MatchString(seg) || hexIDSegmentRe.MatchString(seg) {
			segments[i] = "*"
		}
	}

	return strings.Join(segments, "/") + query
}

// aggregateByTuple groups entries by (host, path, method, status).
// The extract function maps each entry to its aggregate key components.
func aggregateByTuple[T any](entries []T, extract func(T) (host, path, method string, status int)) []protocol.SummaryEntry {
	type aggregateKey struct {
		Host   string
		Path   string
		Method string
		Status int
	}
	counts := make(map[aggregateKey]int)
	for _, e := range entries {
		host, path, method, status := extract(e)
		key := aggregateKey{
			Host:   host,
			Path:   normalizePath(path),
			Method: method,
			Status: status,
		}
		counts[key]++
	}

	result := make([]protocol.SummaryEntry, 0, len(counts))
	for key, count := range counts {
		result = append(result, protocol.SummaryEntry{
			Host:   key.Host,
			Path:   util.TruncateString(key.Path, maxPathLength),
			Method: key.Method,
			Status: key.Status,
			Count:  count,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Count > result[j].Count
	})

	return result
}

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

// flattenHeader renders an http.Header as sorted "Name: value" CRLF lines.
func flattenHeader(h http.Header) []byte {
	if len(h) == 0 {
		return nil
	}
	names := bulk.MapKeysSlice(h)
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		for _, value := range h[name] {
			buf.WriteString(name)
			buf.WriteString(": ")
			buf.WriteString(value)
			buf.WriteString("\r\n")
		}
	}
	return buf.Bytes()
}

// extractHeader extracts a header value from flattened headers (case-insensitive).
// Returns empty string if not found.
func extractHeader(headers string, name string) string {
	for _, line := range strings.Split(headers, "\r\n") {
		if idx := strings.Index(line, ":"); idx > 0 {
			if strings.EqualFold(strings.TrimSpace(line[:idx]), name) {
				return strings.TrimSpace(line[idx+1:])
			}
		}
	}
	return ""
}

// headersToMap parses flattened "Name: value" lines into a header map.
// Header names are normalized to canonical form (e.g., "content-type" -> "Content-Type").
func headersToMap(headers string) map[string][]string {
	if headers == "" {
		return nil
	}
	result := make(map[string][]string)
	for _, line := range strings.Split(headers, "\r\n") {
		if line == "" {
			continue
		}
		if idx := strings.Index(line, ":"); idx > 0 {
			name := http.CanonicalHeaderKey(strings.TrimSpace(line[:idx]))
			result[name] = append(result[name], strings.TrimSpace(line[idx+1:]))
		}
	}
	return result
}

// formatStatusLine reconstructs a display status line from the recorded
// response proto and status code, e.g. "HTTP/1.1 200 OK".
func formatStatusLine(proto string, status int) string {
	if status == 0 {
		return ""
	}
	if proto == "" {
		proto = "HTTP/1.1"
	}
	if text := http.StatusText(status); text != "" {
		return proto + " " + strconv.Itoa(status) + " " + text
	}
	return proto + " " + strconv.Itoa(status)
}

// previewBody returns a UTF-8 safe preview of the body.
// Returns "<BINARY:N Bytes>" for non-UTF-8 content, truncates at maxLen runes.
func previewBody(body []byte, maxLen int) string {
	if len(body) == 0 {
		return ""
	}
	if !utf8.Valid(body) {
		return "<BINARY:" + strconv.Itoa(len(body)) + " Bytes>"
	}
	s := string(body)
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	// Truncate at rune boundary
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}

// decompressForDisplay decompresses body based on the Content-Encoding header.
// Returns (decompressed body, wasDecompressed).
// If decompression fails or encoding unsupported, returns original body unchanged.
func decompressForDisplay(body []byte, headers string) ([]byte, bool) {
	encoding := extractHeader(headers, "Content-Encoding")
	if encoding == "" {
		return body, false
	}

	normalized, ok := NormalizeEncoding(encoding)
	if !ok {
		return body, false
	}

	decompressed, wasCompressed := Decompress(body, normalized)
	if decompressed == nil {
		// Decompression failed, return original
		return body, false
	}
	return decompressed, wasCompressed
}

// parseHeaderArg extracts headers from an MCP argument that may be either:
//   - an object {"Name": "Value"}
//   - an array ["Name: Value"]
//
// Returns headers as "Name: Value" strings regardless of input format.
func parseHeaderArg(raw interface{}) []string {
	switch v := raw.(type) {
	case map[string]interface{}:
		result := make([]string, 0, len(v))
		for k, val := range v {
			if vs, ok := val.(string); ok {
				result = append(result, k+": "+vs)
			}
		}
		return result
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}

// headerLinesToHTTP converts "Name: Value" strings into an http.Header.
// Lines without a colon are skipped.
func headerLinesToHTTP(lines []string) http.Header {
	h := make(http.Header)
	for _, line := range lines {
		if idx := strings.Index(line, ":"); idx > 0 {
			h.Add(strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]))
		}
	}
	return h
}

// parseCommaSeparated parses a comma-separated list into a slice.
func parseCommaSeparated(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// StatusCodeFilter matches status codes by exact value or range (e.g., 2XX).
type StatusCodeFilter struct {
	codes  []int // Exact codes
	ranges []int // Range prefixes (2 for 2xx, 4 for 4xx, etc.)
}

// Matches returns true if the code matches the filter.
func (f *StatusCodeFilter) Matches(code int) bool {
	if f == nil {
		return true
	}
	if slices.Contains(f.codes, code) {
		return true
	}
	for _, r := range f.ranges {
		if code >= r*100 && code < (r+1)*100 {
			return true
		}
	}
	return false
}

// Empty returns true if the filter has no conditions.
func (f *StatusCodeFilter) Empty() bool {
	return f == nil || (len(f.codes) == 0 && len(f.ranges) == 0)
}

// SingleRange returns inclusive bounds when the filter is exactly one range
// pattern with no exact codes, letting the store filter during iteration.
func (f *StatusCodeFilter) SingleRange() (minStatus, maxStatus int, ok bool) {
	if f == nil || len(f.codes) != 0 || len(f.ranges) != 1 {
		return 0, 0, false
	}
	r := f.ranges[0]
	return r * 100, r*100 + 99, true
}

// parseStatusFilter parses comma-separated status codes/ranges.
// Supports exact codes (200, 404) and ranges (2XX, 2xx, 4XX, 4xx).
func parseStatusFilter(s string) *StatusCodeFilter {
	parts := parseCommaSeparated(s)
	if parts == nil {
		return nil
	}
	filter := &StatusCodeFilter{}
	for _, p := range parts {
		upper := strings.ToUpper(p)
		// Check for range pattern like "2XX" or "4XX"
		if len(upper) == 3 && upper[1] == 'X' && upper[2] == 'X' {
			if digit, err := strconv.Atoi(string(upper[0])); err == nil && digit >= 1 && digit <= 5 {
				filter.ranges = append(filter.ranges, digit)
				continue
			}
		}
		// Try exact code
		if code, err := strconv.Atoi(p); err == nil {
			filter.codes = append(filter.codes, code)
		}
	}
	return filter
}

// globToRegex converts a simple glob pattern to regex.
// Supports: * (any chars), ? (single char)
func globToRegex(glob string) string {
	escaped := regexp.QuoteMeta(glob)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	escaped = strings.ReplaceAll(escaped, `\?`, ".")
	return escaped
}

// matchesGlob checks if s matches a simple glob pattern.
func matchesGlob(s, pattern string) bool {
	if pattern == "" {
		return true
	}
	re, err := regexp.Compile("^" + globToRegex(pattern) + "$")
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// hasGlobMeta reports whether the pattern contains glob metacharacters.
func hasGlobMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// matchesCookieDomain reports whether domain equals filter or is a subdomain of it.
func matchesCookieDomain(domain, filter string) bool {
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	filter = strings.ToLower(strings.TrimPrefix(filter, "."))
	return domain == filter || strings.HasSuffix(domain, "."+filter)
}
