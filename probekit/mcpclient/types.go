package mcpclient

// ProbeSendOpts are options for ProbeSend.
type ProbeSendOpts struct {
	Method          string
	Headers         []string // "Name: Value" entries
	Body            string
	Timeout         string // request timeout, e.g. "5s"; empty = server default
	HTTP2           bool
	NoCookies       bool  // skip the jar lookup for this request
	NoStore         bool  // do not store response Set-Cookie headers
	FollowRedirects *bool // nil = server default
	MaxBodyBytes    int64
}

// ProbeListOpts are options for ProbeList.
type ProbeListOpts struct {
	OutputMode string // "summary" (default) or "flows"
	Host       string
	Path       string
	Method     string
	Status     string
	Source     string
	Since      string
	Limit      int
	Offset     int
}

// ScanCreateOpts are options for ScanCreate.
type ScanCreateOpts struct {
	SeedURLs          []string
	Domains           []string
	Label             string
	IncludeSubdomains *bool // nil = server default (true)
	DiscoverSeeds     bool
	MaxDepth          int
	MaxPages          int
	Delay             string // per-host delay, e.g. "200ms"
	Parallelism       int
	Headers           []string // "Name: Value" entries
	NoCookies         bool
	NoStore           bool
}

// ScanPagesOpts are options for ScanPages.
type ScanPagesOpts struct {
	OutputMode string // "summary" (default), "flows" or "errors"
	Host       string
	Path       string
	Method     string
	Status     string
	Since      string
	Limit      int
	Offset     int
}

// OastPollOpts are options for OastPoll.
type OastPollOpts struct {
	OutputMode string // "summary" (default) or "events"
	Since      string
	Type       string
	Wait       string // long-poll duration, e.g. "30s"; empty = server default
	Limit      int
}
