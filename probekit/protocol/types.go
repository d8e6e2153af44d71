package protocol

import (
	"github.com/go-appsec/probetools/probekit/jwt"
)

// =============================================================================
// Probe Types
// =============================================================================

// SummaryEntry represents grouped traffic by (host, path, method, status).
type SummaryEntry struct {
	Host   string `json:"host"`
	Path   string `json:"path"`
	Method string `json:"method"`
	Status int    `json:"status"`
	Count  int    `json:"count"`
}

// FlowEntry represents a single recorded flow in list view.
type FlowEntry struct {
	FlowID         string `json:"flow_id"`
	Method         string `json:"method"`
	Scheme         string `json:"scheme"`
	Host           string `json:"host"`
	Port           int    `json:"port,omitempty"`
	Path           string `json:"path"`
	Status         int    `json:"status"`
	ResponseLength int    `json:"response_length"`
	Source         string `json:"source,omitempty"`
	RepeatOf       string `json:"repeat_of,omitempty"`
}

// ResponseDetails contains HTTP response summary fields.
type ResponseDetails struct {
	Status      int    `json:"status"`
	StatusLine  string `json:"status_line"`
	RespHeaders string `json:"response_headers"`
	RespPreview string `json:"response_preview,omitempty"`
	RespSize    int    `json:"response_size"`
}

// ProbeSendResponse is the response for probe_send.
type ProbeSendResponse struct {
	FlowID           string `json:"flow_id"`
	Duration         string `json:"duration"`
	HTTPVersion      string `json:"http_version,omitempty"`
	RepeatOf         string `json:"repeat_of,omitempty"`
	CookiesApplied   bool   `json:"cookies_applied,omitempty"`
	SetCookiesStored int    `json:"set_cookies_stored,omitempty"`
	ResponseDetails
}

// ProbeGetResponse is the response for probe_get.
type ProbeGetResponse struct {
	FlowID            string              `json:"flow_id"`
	Method            string              `json:"method"`
	URL               string              `json:"url"`
	Source            string              `json:"source"`
	CreatedAt         string              `json:"created_at"`
	Duration          string              `json:"duration"`
	RepeatOf          string              `json:"repeat_of,omitempty"`
	ReqHeaders        string              `json:"request_headers"`
	ReqHeadersParsed  map[string][]string `json:"request_headers_parsed,omitempty"`
	ReqBody           string              `json:"request_body"`
	ReqSize           int                 `json:"request_size"`
	Status            int                 `json:"status"`
	StatusLine        string              `json:"status_line"`
	RespHeaders       string              `json:"response_headers"`
	RespHeadersParsed map[string][]string `json:"response_headers_parsed,omitempty"`
	RespBody          string              `json:"response_body"`
	RespSize          int                 `json:"response_size"`
	Truncated         bool                `json:"truncated,omitempty"`
	ContentType       string              `json:"content_type,omitempty"`
}

// ProbePollResponse is the response for probe_list.
// Exactly one of Aggregates (summary mode) or Flows (flows mode) is set.
type ProbePollResponse struct {
	Aggregates []SummaryEntry `json:"aggregates,omitempty"`
	Flows      []FlowEntry    `json:"flows,omitempty"`
	Note       string         `json:"note,omitempty"`
}

// =============================================================================
// Scan Types
// =============================================================================

// ScanCreateResponse is the response for scan_create.
type ScanCreateResponse struct {
	ScanID    string `json:"scan_id"`
	Label     string `json:"label,omitempty"`
	State     string `json:"state"`
	SeedCount int    `json:"seed_count,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ScanStatusResponse is the response for scan_status.
type ScanStatusResponse struct {
	ScanID          string `json:"scan_id"`
	State           string `json:"state"`
	PagesVisited    int    `json:"pages_visited"`
	PagesQueued     int    `json:"pages_queued"`
	PagesErrored    int    `json:"pages_errored"`
	LinksDiscovered int    `json:"links_discovered"`
	Duration        string `json:"duration"`
	LastActivity    string `json:"last_activity,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// ScanPollResponse is the response for scan_pages.
// Summary mode sets Aggregates; flows mode sets Flows; Errors lists fetch failures.
type ScanPollResponse struct {
	ScanID     string         `json:"scan_id"`
	State      string         `json:"state,omitempty"`
	Duration   string         `json:"duration,omitempty"`
	Aggregates []SummaryEntry `json:"aggregates,omitempty"`
	Flows      []FlowEntry    `json:"flows,omitempty"`
	Errors     []ScanError    `json:"errors,omitempty"`
}

// ScanError is a page fetch failure.
type ScanError struct {
	URL    string `json:"url"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error"`
}

// ScanStopResponse is the response for scan_stop.
type ScanStopResponse struct {
	ScanID string `json:"scan_id"`
	State  string `json:"state"`
}

// ScanSessionsResponse is the response for scan_list.
type ScanSessionsResponse struct {
	Sessions []ScanSession `json:"sessions"`
}

// ScanSession is a scan session entry.
type ScanSession struct {
	ScanID    string `json:"scan_id"`
	Label     string `json:"label,omitempty"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
}

// =============================================================================
// Cookie Types
// =============================================================================

// CookieEntry is one stored cookie in jar view.
// Value and Decoded are populated only in detail mode (name or domain filter).
type CookieEntry struct {
	Name    string      `json:"name"`
	Domain  string      `json:"domain"`
	Value   string      `json:"value,omitempty"`
	Decoded *jwt.Result `json:"decoded,omitempty"`
}

// CookieJarResponse is the response for cookie_jar.
type CookieJarResponse struct {
	Cookies []CookieEntry `json:"cookies"`
	Domains int           `json:"domains"`
}

// CookieStatsResponse is the response for cookie_stats.
// All fields serialize even when zero.
type CookieStatsResponse struct {
	Domains           int     `json:"domains"`
	MaxDomains        int     `json:"max_domains"`
	RequestsProcessed uint64  `json:"requests_processed"`
	MemoryEstimateKB  float64 `json:"memory_estimate_kb"`
}

// CookieClearResponse is the response for cookie_clear.
type CookieClearResponse struct {
	ClearedDomains int `json:"cleared_domains"`
}

// =============================================================================
// OAST Types
// =============================================================================

// OastCreateResponse is the response for oast_create.
type OastCreateResponse struct {
	OastID string `json:"oast_id"`
	Domain string `json:"domain"`
	Label  string `json:"label,omitempty"`
}

// OastPollResponse is the response for oast_poll.
// Exactly one of Aggregates (summary mode) or Events (events mode) is set.
type OastPollResponse struct {
	Events       []OastEvent        `json:"events,omitempty"`
	Aggregates   []OastSummaryEntry `json:"aggregates,omitempty"`
	DroppedCount int                `json:"dropped_count,omitempty"`
}

// OastEvent represents a single OAST interaction event.
type OastEvent struct {
	EventID   string                 `json:"event_id"`
	Time      string                 `json:"time"`
	Type      string                 `json:"type"`
	SourceIP  string                 `json:"source_ip"`
	Subdomain string                 `json:"subdomain,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// OastSummaryEntry represents events grouped by (type, subdomain).
type OastSummaryEntry struct {
	Type      string `json:"type"`
	Subdomain string `json:"subdomain,omitempty"`
	Count     int    `json:"count"`
}

// OastListResponse is the response for oast_list.
type OastListResponse struct {
	Sessions []OastSession `json:"sessions"`
}

// OastSession represents an active OAST session.
type OastSession struct {
	OastID    string `json:"oast_id"`
	Domain    string `json:"domain"`
	Label     string `json:"label,omitempty"`
	CreatedAt string `json:"created_at"`
}

// OastDeleteResponse is the response for oast_delete.
type OastDeleteResponse struct {
	OastID string `json:"oast_id"`
	Status string `json:"status"`
}
