package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-appsec/probetools/probekit/service/store"
)

// ErrLabelExists is returned when a label conflicts with an existing session.
var ErrLabelExists = errors.New("label already exists")

// ErrNotFound is returned when a requested resource (flow, session, etc.) doesn't exist.
var ErrNotFound = errors.New("not found")

// ProbeBackend sends single HTTP requests and records them as flows.
type ProbeBackend interface {
	// Send performs one request and returns the recorded flow.
	// Jar interaction is controlled per-request via ProbeRequest.
	Send(ctx context.Context, req ProbeRequest) (*store.ProbeFlow, error)

	// Close shuts down pooled transports.
	Close() error
}

// ProbeRequest contains all parameters for sending a probe.
type ProbeRequest struct {
	Method          string
	URL             string
	Headers         []string // "Name: Value" lines, may override defaults
	Body            []byte
	Timeout         time.Duration // 0 = backend default
	HTTP2           bool          // force the HTTP/2 transport
	UseCookies      bool          // attach stored cookies for the target origin
	StoreCookies    bool          // ingest response Set-Cookie headers
	FollowRedirects bool
	MaxBodyBytes    int64  // response capture cap, 0 = backend default
	Source          string // flow source tag, defaults to "probe"
}

// ScanBackend manages scan sessions. Page flows land in the shared flow
// store tagged "scan:<id>"; the backend itself tracks lifecycle and errors.
type ScanBackend interface {
	// CreateSession starts a new scan. Returns immediately; scanning is async.
	// If opts.Label is non-empty, it must be unique across sessions.
	CreateSession(ctx context.Context, opts ScanOptions) (*ScanSessionInfo, error)

	// GetStatus returns progress metrics for a session.
	// idOrLabel accepts the short ID or the label. Returns ErrNotFound if missing.
	GetStatus(ctx context.Context, idOrLabel string) (*ScanStatus, error)

	// ListErrors returns page fetch failures for a session, oldest first.
	// limit 0 means no limit.
	ListErrors(ctx context.Context, idOrLabel string, limit int) ([]ScanPageError, error)

	// StopSession stops a running scan and returns its final status.
	// In-flight requests are abandoned.
	StopSession(ctx context.Context, idOrLabel string) (*ScanStatus, error)

	// ListSessions returns all sessions, most recent first. limit 0 = no limit.
	ListSessions(ctx context.Context, limit int) ([]ScanSessionInfo, error)

	// Close stops all sessions (called on service shutdown).
	Close() error
}

// ScanOptions contains parameters for creating a scan session.
type ScanOptions struct {
	Label             string            // Optional unique label
	Seeds             []string          // Seed URLs; scanned domains derive from these
	Domains           []string          // Additional allowed domains
	IncludeSubdomains bool              // Default: true at the MCP layer
	DiscoverSeeds     bool              // Passive seed discovery per domain
	MaxDepth          int               // 0 = config default
	MaxPages          int               // 0 = config default
	Delay             time.Duration     // Per-host politeness delay
	Parallelism       int               // Concurrent fetches per host
	Headers           map[string]string // Extra request headers
	UseCookies        bool              // Attach stored cookies to page requests
	StoreCookies      bool              // Ingest page Set-Cookie headers
}

// Scan session states.
const (
	ScanStatePending   = "pending"
	ScanStateRunning   = "running"
	ScanStateCompleted = "completed"
	ScanStateStopped   = "stopped"
	ScanStateFailed    = "failed"
)

// ScanSessionInfo represents metadata about a scan session.
type ScanSessionInfo struct {
	ID        string
	Label     string
	State     string
	SeedCount int
	CreatedAt time.Time
}

// ScanStatus contains progress metrics for a scan session.
type ScanStatus struct {
	ID              string
	Label           string
	State           string
	PagesVisited    int
	PagesQueued     int
	PagesErrored    int
	LinksDiscovered int
	Duration        time.Duration
	LastActivity    time.Time
	ErrorMessage    string // set when State is "failed"
}

// ScanPageError records a failed page fetch.
type ScanPageError struct {
	URL    string
	Status int // HTTP status if a response was received
	Error  string
}

// MaxOastEventsPerSession is the maximum number of events stored per session.
// Oldest events are dropped when this limit is exceeded.
const MaxOastEventsPerSession = 2000

// OastBackend defines the interface for OAST (Out-of-band Application Security Testing).
type OastBackend interface {
	// CreateSession registers with the OAST provider and starts background polling.
	// Returns session with short ID and domain.
	// If label is non-empty, it must be unique across all sessions.
	CreateSession(ctx context.Context, label string) (*OastSessionInfo, error)

	// PollSession returns events for a session.
	// idOrDomain accepts the short ID, the full domain, or the label.
	// since filters events: empty returns all, "last" returns since last poll, or an event ID.
	// eventType filters by protocol ("dns", "http", "smtp"); empty matches all.
	// wait specifies how long to block waiting for events (0 = return immediately).
	// limit caps the number of events returned (0 = no limit).
	PollSession(ctx context.Context, idOrDomain string, since string, eventType string, wait time.Duration, limit int) (*OastPollResultInfo, error)

	// ListSessions returns all active sessions.
	ListSessions(ctx context.Context) ([]OastSessionInfo, error)

	// DeleteSession stops polling and deregisters from the OAST provider.
	// idOrDomain accepts either the short ID or the full domain.
	DeleteSession(ctx context.Context, idOrDomain string) error

	// Close cleans up all sessions (called on service shutdown).
	// Should attempt deregistration with a short timeout.
	Close() error
}

// OastSessionInfo represents an active OAST session (internal domain type).
type OastSessionInfo struct {
	ID        string    // Short probekit ID (e.g., "a1b2c3")
	Domain    string    // Full interact domain (e.g., "xyz123.oast.fun")
	Label     string    // Optional user-provided label for easier reference
	CreatedAt time.Time // When the session was created
}

// OastEventInfo represents a captured out-of-band interaction (internal domain type).
type OastEventInfo struct {
	ID        string                 // Short probekit ID
	Time      time.Time              // When the interaction occurred
	Type      string                 // "dns", "http", "smtp"
	SourceIP  string                 // Remote address of the interaction
	Subdomain string                 // Full subdomain that was accessed
	Details   map[string]interface{} // Protocol-specific details
}

// OastPollResultInfo contains the result of polling for events.
type OastPollResultInfo struct {
	Events       []OastEventInfo // Events matching the filter
	DroppedCount int             // Number of events dropped due to buffer limit
}
