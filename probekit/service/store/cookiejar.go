package store

import (
	"maps"
	"net/url"
	"strings"
	"sync"
)

// DefaultMaxDomains is the jar capacity used when none is configured.
const DefaultMaxDomains = 1000

// jarEntryOverhead approximates per-entry map bucket and string header cost.
const jarEntryOverhead = 64

// cookieAttributes are Set-Cookie attribute names (lower-cased) that must
// never be retained as cookies. Shape alone is not enough to reject them:
// Max-Age=300 parses like a real cookie and has to be filtered by name.
var cookieAttributes = map[string]struct{}{
	"path":        {},
	"domain":      {},
	"secure":      {},
	"httponly":    {},
	"expires":     {},
	"max-age":     {},
	"samesite":    {},
	"partitioned": {},
	"priority":    {},
}

// JarStats is a point-in-time snapshot of jar usage.
type JarStats struct {
	Domains           int
	MaxDomains        int
	RequestsProcessed uint64
	MemoryEstimateKB  float64
}

// cookiePair is a single accepted name=value cookie from raw header text.
type cookiePair struct {
	name  string
	value string
}

// CookieJar is a bounded per-origin cookie store shared by concurrent probe
// and scan workers. Thread-safe. Cookies are opaque name=value text keyed by
// lower-cased host; scheme, port, path, and all cookie attributes are
// ignored. Capacity is enforced at write time: once distinct origins exceed
// maxDomains the store shrinks to half capacity (oldest origins discarded),
// and if cardinality ever reaches 1.5x capacity the store is wiped entirely.
// Neither ingest nor lookup can fail; malformed input degrades to a no-op.
type CookieJar struct {
	mu         sync.Mutex
	maxDomains int
	cookies    map[string]string // origin key -> serialized cookie string
	order      []string          // origin keys, oldest insertion first
	requests   uint64            // lookup calls, counted hit or miss
}

// NewCookieJar creates an empty jar holding cookies for at most maxDomains
// distinct origins. If maxDomains is not positive, DefaultMaxDomains is used.
func NewCookieJar(maxDomains int) *CookieJar {
	if maxDomains <= 0 {
		maxDomains = DefaultMaxDomains
	}
	return &CookieJar{
		maxDomains: maxDomains,
		cookies:    make(map[string]string),
	}
}

// AddCookies merges cookies from raw Set-Cookie header text into the entry
// for rawURL's origin. Multiple header lines may be joined by newlines;
// multiple cookies per line by semicolons. Same-name cookies replace the
// stored value in place, new names append in parse order. Absent or
// unparsable input is a silent no-op; this method never fails.
func (j *CookieJar) AddCookies(rawHeader, rawURL string) {
	if rawHeader == "" {
		return
	}
	origin, ok := originKey(rawURL)
	if !ok {
		return
	}
	pairs := parseCookiePairs(rawHeader)
	if len(pairs) == 0 {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	existing, present := j.cookies[origin]
	j.cookies[origin] = mergeCookies(existing, pairs)
	if !present {
		j.order = append(j.order, origin)
	}
	j.evictLocked()
}

// CookiesForRequest returns the stored cookie string for rawURL's origin,
// ready for a Cookie request header. The second return is false when the
// origin is unknown or the URL unparsable. Every call counts toward
// RequestsProcessed, including misses.
func (j *CookieJar) CookiesForRequest(rawURL string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.requests++
	origin, ok := originKey(rawURL)
	if !ok {
		return "", false
	}
	value, found := j.cookies[origin]
	return value, found
}

// Stats returns current jar usage. The memory estimate covers key and value
// bytes plus fixed per-entry overhead.
func (j *CookieJar) Stats() JarStats {
	j.mu.Lock()
	defer j.mu.Unlock()

	var size int
	for origin, cookies := range j.cookies {
		size += len(origin) + len(cookies) + jarEntryOverhead
	}
	return JarStats{
		Domains:           len(j.cookies),
		MaxDomains:        j.maxDomains,
		RequestsProcessed: j.requests,
		MemoryEstimateKB:  float64(size) / 1024,
	}
}

// Snapshot returns a copy of the origin -> cookie string mapping. The live
// store is never exposed; mutating the returned map has no effect on the jar.
func (j *CookieJar) Snapshot() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return maps.Clone(j.cookies)
}

// Clear removes all stored cookies. Counters are unaffected.
func (j *CookieJar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.cookies = make(map[string]string)
	j.order = nil
}

// evictLocked enforces capacity after a write. Emergency wipe takes
// precedence: at or above 1.5x capacity the whole store goes, including the
// entry just written. Otherwise exceeding capacity shrinks the store to
// exactly maxDomains/2 entries, discarding oldest-inserted origins first.
// Callers must hold j.mu.
func (j *CookieJar) evictLocked() {
	n := len(j.cookies)
	if 2*n >= 3*j.maxDomains { // integer form of n >= maxDomains*1.5
		j.cookies = make(map[string]string)
		j.order = nil
		return
	}
	if n <= j.maxDomains {
		return
	}

	keep := j.maxDomains / 2
	drop := len(j.order) - keep
	for _, origin := range j.order[:drop] {
		delete(j.cookies, origin)
	}
	j.order = append(make([]string, 0, keep), j.order[drop:]...)
}

// originKey derives the jar key for a URL: host only, lower-cased, scheme
// and port discarded. Returns false when the URL has no usable host.
func originKey(rawURL string) (string, bool) {
	if rawURL == "" {
		return "", false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	host := u.Hostname()
	if host == "" {
		return "", false
	}
	return strings.ToLower(host), true
}

// parseCookiePairs extracts name=value cookies from raw Set-Cookie header
// text. Every semicolon-separated segment is considered independently: a
// segment qualifies only with an '=' present, a non-empty name, and a name
// outside the attribute denylist. Rejected segments are dropped silently;
// parsing never fails.
func parseCookiePairs(raw string) []cookiePair {
	var pairs []cookiePair
	for _, line := range strings.Split(raw, "\n") {
		for _, segment := range strings.Split(line, ";") {
			segment = strings.TrimSpace(segment)
			if segment == "" {
				continue
			}
			name, value, found := strings.Cut(segment, "=")
			if !found {
				continue // bare token, e.g. Secure or HttpOnly
			}
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, attr := cookieAttributes[strings.ToLower(name)]; attr {
				continue
			}
			pairs = append(pairs, cookiePair{name: name, value: strings.TrimSpace(value)})
		}
	}
	return pairs
}

// mergeCookies applies pairs onto an existing serialized cookie string.
// Names already stored keep their position and take the new value; new
// names append in order. The result round-trips through parseCookiePairs
// because names and values never contain ';' or leading/trailing space.
func mergeCookies(existing string, pairs []cookiePair) string {
	var names []string
	values := make(map[string]string, len(pairs))
	if existing != "" {
		for _, segment := range strings.Split(existing, "; ") {
			if name, value, found := strings.Cut(segment, "="); found {
				names = append(names, name)
				values[name] = value
			}
		}
	}
	for _, p := range pairs {
		if _, seen := values[p.name]; !seen {
			names = append(names, p.name)
		}
		values[p.name] = p.value
	}

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(values[name])
	}
	return sb.String()
}
