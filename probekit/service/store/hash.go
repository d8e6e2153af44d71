package store

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
)

// ComputeRequestHash creates a stable identity hash for a probe request,
// used to flag repeat probes of the same request shape. Method and host are
// normalized; path is hashed as-is since path case can be significant.
func ComputeRequestHash(method, host, path string, headers http.Header, body []byte) string {
	lines := make([]string, 0, len(headers))
	for name, values := range headers {
		for _, value := range values {
			lines = append(lines, name+": "+value)
		}
	}
	sort.Strings(lines)

	h := sha256.New()
	sep := []byte{0}
	h.Write([]byte(strings.ToUpper(method)))
	h.Write(sep)
	h.Write([]byte(strings.ToLower(host)))
	h.Write(sep)
	h.Write([]byte(path))
	h.Write(sep)
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	h.Write(sep)
	if len(body) > 0 {
		bodySum := sha256.Sum256(body)
		h.Write(bodySum[:])
	}

	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
