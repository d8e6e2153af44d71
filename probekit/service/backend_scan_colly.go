package service

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/go-appsec/scout"
	colly "github.com/gocolly/colly/v2"
	"golang.org/x/sync/errgroup"

	"github.com/go-appsec/probetools/probekit/config"
	"github.com/go-appsec/probetools/probekit/service/ids"
	"github.com/go-appsec/probetools/probekit/service/store"
)

const (
	// captureIDHeader correlates a colly request with the wire-level capture
	// recorded by the transport. Stripped before the request is sent.
	captureIDHeader = "X-Probekit-Capture-ID"
	captureCtxKey   = "captureID"

	// scanBodyLimit caps how much of a page body is retained per flow.
	scanBodyLimit = 256 << 10

	// maxScanErrors bounds the per-session page error list.
	maxScanErrors = 200

	discoveryWorkers = 2
	discoveryTimeout = 20 * time.Second
)

// capturedExchange is the transport-level record for one page fetch.
type capturedExchange struct {
	reqHeaders []byte
	respProto  string
	body       []byte
	size       int
	truncated  bool
	duration   time.Duration
}

// captureTransport wraps the base transport to time each fetch, bound the
// body read, and stash the request headers as they went out on the wire.
// Captures are keyed by the correlation header and collected in OnResponse.
type captureTransport struct {
	base     http.RoundTripper
	captures *sync.Map
	maxBody  int64
}

func (t *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	captureID := req.Header.Get(captureIDHeader)
	req.Header.Del(captureIDHeader)

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	body, size, truncated := readBodyLimited(resp.Body, t.maxBody)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	if captureID != "" {
		t.captures.Store(captureID, &capturedExchange{
			reqHeaders: flattenHeader(req.Header),
			respProto:  resp.Proto,
			body:       body,
			size:       size,
			truncated:  truncated,
			duration:   time.Since(start),
		})
	}
	return resp, nil
}

// scanSession tracks one crawl: the collector, lifecycle state, and
// progress counters. Counters are guarded by mu since colly callbacks run
// concurrently under Async.
type scanSession struct {
	id        string
	label     string
	createdAt time.Time
	seedCount int
	cancel    context.CancelFunc
	collector *colly.Collector
	captures  sync.Map // capture ID -> *capturedExchange

	mu              sync.Mutex
	state           string
	endedAt         time.Time
	lastActivity    time.Time
	requestCount    int
	pagesVisited    int
	pagesQueued     int
	pagesErrored    int
	linksDiscovered int
	errorMessage    string
	errors          []ScanPageError
	urlsSeen        map[string]struct{}
}

// scanRuntime carries the per-session settings resolved from ScanOptions
// and config defaults, closed over by the collector callbacks.
type scanRuntime struct {
	maxPages          int
	headers           []string
	useCookies        bool
	storeCookies      bool
	domains           []string
	includeSubdomains bool
}

// CollyScanBackend crawls targets with colly and records page flows into
// the shared flow store tagged "scan:<id>". Cookie traffic goes through
// the shared jar; colly's own cookie storage is disabled so probe and scan
// observe one cookie state.
type CollyScanBackend struct {
	cfg   config.ScanConfig
	flows *store.FlowStore
	jar   *store.CookieJar
	base  *http.Transport

	mu       sync.RWMutex
	sessions map[string]*scanSession
}

func NewCollyScanBackend(cfg config.ScanConfig, flows *store.FlowStore, jar *store.CookieJar) *CollyScanBackend {
	return &CollyScanBackend{
		cfg:   cfg,
		flows: flows,
		jar:   jar,
		base: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // Required for security testing
			},
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		sessions: make(map[string]*scanSession),
	}
}

func (b *CollyScanBackend) CreateSession(ctx context.Context, opts ScanOptions) (*ScanSessionInfo, error) {
	seeds, err := normalizeSeeds(opts.Seeds)
	if err != nil {
		return nil, err
	}
	domains := collectScanDomains(seeds, opts.Domains)
	if len(domains) == 0 {
		return nil, fmt.Errorf("no target domains: provide seed URLs or domains")
	}
	if len(seeds) == 0 && !opts.DiscoverSeeds {
		return nil, fmt.Errorf("no seed URLs: provide seeds or enable discovery")
	}

	rt := scanRuntime{
		maxPages:          opts.MaxPages,
		headers:           opts.Headers,
		useCookies:        opts.UseCookies,
		storeCookies:      opts.StoreCookies,
		domains:           domains,
		includeSubdomains: opts.IncludeSubdomains,
	}
	if rt.maxPages <= 0 {
		rt.maxPages = b.cfg.MaxPages
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = b.cfg.MaxDepth
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = time.Duration(b.cfg.DelayMS) * time.Millisecond
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = b.cfg.Parallelism
	}

	b.mu.Lock()
	if opts.Label != "" {
		for _, existing := range b.sessions {
			if existing.label == opts.Label {
				b.mu.Unlock()
				return nil, fmt.Errorf("%w: %q", ErrLabelExists, opts.Label)
			}
		}
	}
	sessionID := ids.Generate(ids.DefaultLength)
	for _, taken := b.sessions[sessionID]; taken; _, taken = b.sessions[sessionID] {
		sessionID = ids.Generate(ids.DefaultLength)
	}

	// Sessions outlive the creating request, so the lifecycle context is
	// detached and only the stored cancel can end it.
	sessionCtx, cancel := context.WithCancel(context.Background())
	session := &scanSession{
		id:        sessionID,
		label:     opts.Label,
		createdAt: time.Now(),
		seedCount: len(seeds),
		cancel:    cancel,
		state:     ScanStatePending,
		urlsSeen:  make(map[string]struct{}),
	}

	c := colly.NewCollector(colly.Async(true), colly.StdlibContext(sessionCtx))
	c.MaxDepth = maxDepth
	c.IgnoreRobotsTxt = true
	c.UserAgent = config.UserAgent()
	c.DisableCookies() // the shared jar is the only cookie state
	if rt.includeSubdomains {
		c.URLFilters = buildDomainFilters(domains)
	} else {
		c.AllowedDomains = domains
	}
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Delay:       delay,
		RandomDelay: delay / 2,
		Parallelism: parallelism,
	}); err != nil {
		cancel()
		b.mu.Unlock()
		return nil, fmt.Errorf("failed to apply rate limit: %w", err)
	}
	c.WithTransport(&captureTransport{base: b.base, captures: &session.captures, maxBody: scanBodyLimit})
	session.collector = c
	b.registerCallbacks(session, c, rt)

	b.sessions[sessionID] = session
	b.mu.Unlock()

	go b.runSession(sessionCtx, session, seeds, rt, opts.DiscoverSeeds)

	log.Printf("scan: created session %s (seeds=%d domains=%v subdomains=%v discover=%v)",
		sessionID, len(seeds), domains, rt.includeSubdomains, opts.DiscoverSeeds)
	return &ScanSessionInfo{
		ID:        sessionID,
		Label:     session.label,
		State:     ScanStatePending,
		SeedCount: len(seeds),
		CreatedAt: session.createdAt,
	}, nil
}

func (b *CollyScanBackend) registerCallbacks(session *scanSession, c *colly.Collector, rt scanRuntime) {
	c.OnRequest(func(r *colly.Request) {
		session.mu.Lock()
		if session.state == ScanStateStopped || session.requestCount >= rt.maxPages {
			session.mu.Unlock()
			r.Abort()
			return
		}
		session.requestCount++
		session.pagesQueued++
		session.lastActivity = time.Now()
		session.mu.Unlock()

		captureID := ids.Generate(ids.DefaultLength)
		r.Ctx.Put(captureCtxKey, captureID)
		r.Headers.Set(captureIDHeader, captureID)
		for _, line := range rt.headers {
			if name, value, ok := strings.Cut(line, ":"); ok {
				name = strings.TrimSpace(name)
				if name != "" {
					r.Headers.Set(name, strings.TrimSpace(value))
				}
			}
		}
		if rt.useCookies && r.Headers.Get("Cookie") == "" {
			if cookieStr, ok := b.jar.CookiesForRequest(r.URL.String()); ok {
				r.Headers.Set("Cookie", cookieStr)
			}
		}
	})

	c.OnResponse(func(r *colly.Response) {
		capture := &capturedExchange{body: r.Body, size: len(r.Body)}
		if v, ok := session.captures.LoadAndDelete(r.Ctx.Get(captureCtxKey)); ok {
			capture = v.(*capturedExchange)
		}

		requestURL := r.Request.URL
		cookiesStored := 0
		if rt.storeCookies {
			if setCookies := r.Headers.Values("Set-Cookie"); len(setCookies) > 0 {
				b.jar.AddCookies(strings.Join(setCookies, "\n"), requestURL.String())
				cookiesStored = len(setCookies)
			}
		}

		session.mu.Lock()
		session.pagesVisited++
		session.pagesQueued--
		session.lastActivity = time.Now()
		session.mu.Unlock()

		contentType := r.Headers.Get("Content-Type")
		if !isTextContentType(contentType) {
			return // images and other binary assets are not worth a flow
		}

		reqPath := requestURL.Path
		if reqPath == "" {
			reqPath = "/"
		}
		if requestURL.RawQuery != "" {
			reqPath += "?" + requestURL.RawQuery
		}
		flow := &store.ProbeFlow{
			Source:        store.SourceScanPrefix + session.id,
			Method:        r.Request.Method,
			URL:           requestURL.String(),
			Host:          requestURL.Host,
			Path:          reqPath,
			Protocol:      capture.respProto,
			Status:        r.StatusCode,
			ReqHeaders:    capture.reqHeaders,
			RespHeaders:   flattenHeader(*r.Headers),
			RespBody:      capture.body,
			ContentLength: int64(capture.size),
			RespTruncated: capture.truncated,
			ContentType:   contentType,
			Duration:      capture.duration,
			RequestHash:   store.ComputeRequestHash(r.Request.Method, requestURL.Hostname(), reqPath, *r.Request.Headers, nil),
			CookiesSent:   r.Request.Headers.Get("Cookie") != "",
			CookiesStored: cookiesStored,
		}
		if _, err := b.flows.Add(flow); err != nil {
			log.Printf("scan %s: failed to record flow for %s: %v", session.id, requestURL, err)
		}
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		b.enqueueLink(session, rt, e, e.Attr("href"))
	})

	// GET forms are walked like links; anything mutating is left alone.
	c.OnHTML("form[action]", func(e *colly.HTMLElement) {
		method := strings.ToUpper(strings.TrimSpace(e.Attr("method")))
		if method != "" && method != http.MethodGet {
			return
		}
		b.enqueueLink(session, rt, e, e.Attr("action"))
	})

	c.OnError(func(r *colly.Response, visitErr error) {
		if captureID := r.Ctx.Get(captureCtxKey); captureID != "" {
			session.captures.LoadAndDelete(captureID)
		}

		session.mu.Lock()
		defer session.mu.Unlock()
		session.pagesQueued--
		session.pagesErrored++
		session.lastActivity = time.Now()
		if len(session.errors) < maxScanErrors {
			pageErr := ScanPageError{Status: r.StatusCode, Error: visitErr.Error()}
			if r.Request != nil && r.Request.URL != nil {
				pageErr.URL = r.Request.URL.String()
			}
			session.errors = append(session.errors, pageErr)
		}
	})
}

// enqueueLink resolves, dedupes, and queues a discovered link. The seen set
// and discovery counter are session-wide; scope is enforced before visiting.
func (b *CollyScanBackend) enqueueLink(session *scanSession, rt scanRuntime, e *colly.HTMLElement, href string) {
	link := e.Request.AbsoluteURL(href)
	if link == "" {
		return
	}
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != schemeHTTP && u.Scheme != schemeHTTPS) {
		return
	}
	u.Fragment = ""
	link = u.String()

	session.mu.Lock()
	if _, seen := session.urlsSeen[link]; seen {
		session.mu.Unlock()
		return
	}
	session.urlsSeen[link] = struct{}{}
	session.linksDiscovered++
	session.mu.Unlock()

	if !isDomainAllowed(u.Hostname(), rt.domains, rt.includeSubdomains) {
		return
	}
	_ = e.Request.Visit(link)
}

func (b *CollyScanBackend) runSession(ctx context.Context, session *scanSession, seeds []string, rt scanRuntime, discover bool) {
	session.mu.Lock()
	if session.state == ScanStateStopped {
		session.mu.Unlock()
		return
	}
	session.state = ScanStateRunning
	session.lastActivity = time.Now()
	session.mu.Unlock()

	if discover {
		b.discoverSeeds(ctx, session, rt)
	}
	for _, seed := range seeds {
		if ctx.Err() != nil {
			break
		}
		if err := session.collector.Visit(seed); err != nil {
			log.Printf("scan %s: seed %s: %v", session.id, seed, err)
		}
	}
	session.collector.Wait()

	session.mu.Lock()
	defer session.mu.Unlock()
	session.endedAt = time.Now()
	switch {
	case session.state == ScanStateStopped:
	case session.pagesVisited == 0 && session.pagesErrored > 0:
		session.state = ScanStateFailed
		session.errorMessage = "all page fetches failed"
	case session.requestCount == 0:
		session.state = ScanStateFailed
		session.errorMessage = "no pages could be queued"
	default:
		session.state = ScanStateCompleted
	}
	log.Printf("scan %s: finished state=%s visited=%d errored=%d links=%d",
		session.id, session.state, session.pagesVisited, session.pagesErrored, session.linksDiscovered)
}

// discoverSeeds queues passively discovered URLs for each target domain.
// Discovery stops per domain once maxPages worth of URLs is queued.
func (b *CollyScanBackend) discoverSeeds(ctx context.Context, session *scanSession, rt scanRuntime) {
	var eg errgroup.Group
	eg.SetLimit(discoveryWorkers)
	for _, domain := range rt.domains {
		eg.Go(func() error {
			queued := 0
			for discovered, err := range scout.URLs(ctx, domain, scout.WithTimeout(discoveryTimeout)) {
				if err != nil {
					log.Printf("scan %s: discovery for %s: %v", session.id, domain, err)
					continue
				}
				if queued >= rt.maxPages {
					break
				}
				u, perr := url.Parse(discovered)
				if perr != nil || !isDomainAllowed(u.Hostname(), rt.domains, rt.includeSubdomains) {
					continue
				}
				session.mu.Lock()
				_, seen := session.urlsSeen[discovered]
				if !seen {
					session.urlsSeen[discovered] = struct{}{}
				}
				session.mu.Unlock()
				if seen {
					continue
				}
				if err := session.collector.Visit(discovered); err == nil {
					queued++
				}
			}
			if queued > 0 {
				log.Printf("scan %s: discovery queued %d URLs for %s", session.id, queued, domain)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

func (b *CollyScanBackend) GetStatus(ctx context.Context, idOrLabel string) (*ScanStatus, error) {
	session, err := b.resolveSession(idOrLabel)
	if err != nil {
		return nil, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	return b.statusLocked(session), nil
}

// statusLocked snapshots session progress. Caller must hold session.mu.
func (b *CollyScanBackend) statusLocked(session *scanSession) *ScanStatus {
	duration := time.Since(session.createdAt)
	if !session.endedAt.IsZero() {
		duration = session.endedAt.Sub(session.createdAt)
	}
	return &ScanStatus{
		ID:              session.id,
		Label:           session.label,
		State:           session.state,
		PagesVisited:    session.pagesVisited,
		PagesQueued:     max(session.pagesQueued, 0),
		PagesErrored:    session.pagesErrored,
		LinksDiscovered: session.linksDiscovered,
		Duration:        duration,
		LastActivity:    session.lastActivity,
		ErrorMessage:    session.errorMessage,
	}
}

func (b *CollyScanBackend) ListErrors(ctx context.Context, idOrLabel string, limit int) ([]ScanPageError, error) {
	session, err := b.resolveSession(idOrLabel)
	if err != nil {
		return nil, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	pageErrors := slices.Clone(session.errors)
	if limit > 0 && len(pageErrors) > limit {
		pageErrors = pageErrors[:limit]
	}
	return pageErrors, nil
}

func (b *CollyScanBackend) StopSession(ctx context.Context, idOrLabel string) (*ScanStatus, error) {
	session, err := b.resolveSession(idOrLabel)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	if session.state == ScanStatePending || session.state == ScanStateRunning {
		session.state = ScanStateStopped
		session.endedAt = time.Now()
	}
	status := b.statusLocked(session)
	session.mu.Unlock()

	session.cancel()
	log.Printf("scan %s: stopped", session.id)
	return status, nil
}

func (b *CollyScanBackend) ListSessions(ctx context.Context, limit int) ([]ScanSessionInfo, error) {
	b.mu.RLock()
	sessions := bulk.MapValuesSlice(b.sessions)
	b.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *scanSession) int {
		return b.createdAt.Compare(a.createdAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}

	result := make([]ScanSessionInfo, 0, len(sessions))
	for _, session := range sessions {
		session.mu.Lock()
		result = append(result, ScanSessionInfo{
			ID:        session.id,
			Label:     session.label,
			State:     session.state,
			SeedCount: session.seedCount,
			CreatedAt: session.createdAt,
		})
		session.mu.Unlock()
	}
	return result, nil
}

func (b *CollyScanBackend) Close() error {
	b.mu.Lock()
	sessions := bulk.MapValuesSlice(b.sessions)
	b.mu.Unlock()

	for _, session := range sessions {
		session.mu.Lock()
		if session.state == ScanStatePending || session.state == ScanStateRunning {
			session.state = ScanStateStopped
			session.endedAt = time.Now()
		}
		session.mu.Unlock()
		session.cancel()
	}
	b.base.CloseIdleConnections()
	return nil
}

// resolveSession finds a session by short ID first, then by label.
func (b *CollyScanBackend) resolveSession(idOrLabel string) (*scanSession, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if session, ok := b.sessions[idOrLabel]; ok {
		return session, nil
	}
	if idOrLabel != "" {
		for _, session := range b.sessions {
			if session.label == idOrLabel {
				return session, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: scan session %q", ErrNotFound, idOrLabel)
}

// normalizeSeeds parses seed URLs, defaulting bare hosts to https.
func normalizeSeeds(seeds []string) ([]string, error) {
	var result []string
	seen := make(map[string]struct{}, len(seeds))
	for _, seed := range seeds {
		seed = strings.TrimSpace(seed)
		if seed == "" {
			continue
		}
		u, err := parseURLWithDefaultHTTPS(seed)
		if err != nil {
			return nil, fmt.Errorf("invalid seed URL %q: %w", seed, err)
		}
		normalized := u.String()
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result, nil
}

// parseURLWithDefaultHTTPS parses rawURL, assuming https when no scheme is
// given so bare hosts like "example.com" are accepted.
func parseURLWithDefaultHTTPS(rawURL string) (*url.URL, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != schemeHTTP && u.Scheme != schemeHTTPS {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing host")
	}
	return u, nil
}

// collectScanDomains merges explicit domains with seed hosts, lower-cased
// and deduplicated, preserving first-seen order.
func collectScanDomains(seeds, domains []string) []string {
	var result []string
	seen := make(map[string]struct{})
	add := func(domain string) {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			return
		}
		if _, dup := seen[domain]; dup {
			return
		}
		seen[domain] = struct{}{}
		result = append(result, domain)
	}
	for _, domain := range domains {
		add(domain)
	}
	for _, seed := range seeds {
		if u, err := url.Parse(seed); err == nil {
			add(u.Hostname())
		}
	}
	return result
}

// buildDomainFilters compiles URL filters matching each domain and any of
// its subdomains, with an optional port.
func buildDomainFilters(domains []string) []*regexp.Regexp {
	filters := make([]*regexp.Regexp, 0, len(domains))
	for _, domain := range domains {
		pattern := `^https?://([^/]+\.)*` + regexp.QuoteMeta(domain) + `(:[0-9]+)?(/|$)`
		if re, err := regexp.Compile(pattern); err == nil {
			filters = append(filters, re)
		}
	}
	return filters
}

// isDomainAllowed reports whether host falls inside the scan scope.
func isDomainAllowed(host string, domains []string, includeSubdomains bool) bool {
	host = strings.ToLower(host)
	if host == "" {
		return false
	}
	for _, domain := range domains {
		if host == domain {
			return true
		}
		if includeSubdomains && strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// isTextContentType reports whether a response body is worth recording.
// An absent content type is assumed textual.
func isTextContentType(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	ct = strings.TrimSpace(ct)
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	switch ct {
	case "application/json", "application/xml", "application/javascript",
		"application/x-javascript", "application/xhtml+xml",
		"application/x-www-form-urlencoded":
		return true
	}
	return strings.HasSuffix(ct, "+json") || strings.HasSuffix(ct, "+xml")
}
