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
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/go-appsec/probetools/probekit/config"
	"github.com/go-appsec/probetools/probekit/service/store"
)

const maxRedirects = 10

// NativeProbeBackend sends requests with net/http and records every
// exchange as a flow. Cookie handling goes through the shared jar
// rather than an http.CookieJar so probe, scan and the MCP tools all
// observe the same cookie state.
type NativeProbeBackend struct {
	cfg       config.ProbeConfig
	flows     *store.FlowStore
	jar       *store.CookieJar
	transport *http.Transport
	h2        *http2.Transport
}

func NewNativeProbeBackend(cfg config.ProbeConfig, flows *store.FlowStore, jar *store.CookieJar) *NativeProbeBackend {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // Required for security testing
		},
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	h2 := &http2.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // Required for security testing
		},
	}
	return &NativeProbeBackend{
		cfg:       cfg,
		flows:     flows,
		jar:       jar,
		transport: transport,
		h2:        h2,
	}
}

func (b *NativeProbeBackend) Send(ctx context.Context, req ProbeRequest) (*store.ProbeFlow, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", req.URL, err)
	}
	if target.Scheme != schemeHTTP && target.Scheme != schemeHTTPS {
		return nil, fmt.Errorf("unsupported URL scheme %q, expected http or https", target.Scheme)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("URL %q has no host", req.URL)
	}
	if req.HTTP2 && target.Scheme != schemeHTTPS {
		return nil, fmt.Errorf("http2 requires an https URL")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Duration(b.cfg.TimeoutSec) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, target.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", b.userAgent())
	applyHeaderLines(httpReq, req.Headers)

	// Explicit Cookie headers take precedence over the jar. The jar is
	// only consulted when it may contribute, so suppressed sends do not
	// count as jar lookups.
	cookiesApplied := false
	if req.UseCookies && b.jar != nil && httpReq.Header.Get("Cookie") == "" {
		if cookieStr, ok := b.jar.CookiesForRequest(target.String()); ok {
			httpReq.Header.Set("Cookie", cookieStr)
			cookiesApplied = true
		}
	}

	maxBody := req.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = b.cfg.MaxBodyBytes
	}

	client := &http.Client{Transport: b.transport}
	if req.HTTP2 {
		client.Transport = b.h2
	}
	setCookiesStored := 0
	if req.FollowRedirects {
		client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			// Intermediate responses never reach the caller, so hop
			// cookies have to be banked as the chain is walked.
			if req.StoreCookies && b.jar != nil && r.Response != nil {
				setCookiesStored += b.storeSetCookies(r.Response, via[len(via)-1].URL.String())
			}
			return nil
		}
	} else {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	log.Printf("probe: sending %s %s (http2=%v cookies=%v)", method, target.String(), req.HTTP2, req.UseCookies)
	start := time.Now()
	resp, err := client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, respSize, truncated := readBodyLimited(resp.Body, maxBody)

	if req.StoreCookies && b.jar != nil {
		setCookiesStored += b.storeSetCookies(resp, finalURL(resp, target).String())
	}

	reqPath := target.Path
	if reqPath == "" {
		reqPath = "/"
	}
	if target.RawQuery != "" {
		reqPath += "?" + target.RawQuery
	}

	flow := &store.ProbeFlow{
		Source:        req.Source,
		Method:        method,
		URL:           target.String(),
		Host:          target.Host,
		Path:          reqPath,
		Protocol:      resp.Proto,
		Status:        resp.StatusCode,
		ReqHeaders:    flattenHeader(httpReq.Header),
		ReqBody:       req.Body,
		RespHeaders:   flattenHeader(resp.Header),
		RespBody:      respBody,
		ContentLength: int64(respSize),
		RespTruncated: truncated,
		ContentType:   resp.Header.Get("Content-Type"),
		Duration:      duration,
		RequestHash:   store.ComputeRequestHash(method, target.Hostname(), reqPath, httpReq.Header, req.Body),
		CookiesSent:   cookiesApplied,
		CookiesStored: setCookiesStored,
	}
	if flow.Source == "" {
		flow.Source = store.SourceProbe
	}
	if _, err := b.flows.Add(flow); err != nil {
		return nil, fmt.Errorf("failed to record flow: %w", err)
	}
	return flow, nil
}

func (b *NativeProbeBackend) Close() error {
	b.transport.CloseIdleConnections()
	b.h2.CloseIdleConnections()
	return nil
}

func (b *NativeProbeBackend) userAgent() string {
	if b.cfg.UserAgent != "" {
		return b.cfg.UserAgent
	}
	return config.UserAgent()
}

// storeSetCookies hands a response's Set-Cookie headers to the jar as a
// single newline-joined block and reports how many headers were taken.
func (b *NativeProbeBackend) storeSetCookies(resp *http.Response, requestURL string) int {
	setCookies := resp.Header.Values("Set-Cookie")
	if len(setCookies) == 0 {
		return 0
	}
	b.jar.AddCookies(strings.Join(setCookies, "\n"), requestURL)
	return len(setCookies)
}

// applyHeaderLines merges "Name: value" lines into an outgoing request.
// A Host header overrides the URL host on the wire, matching curl -H.
func applyHeaderLines(req *http.Request, lines []string) {
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}
		if strings.EqualFold(name, "Host") {
			req.Host = value
			continue
		}
		req.Header.Set(name, value)
	}
}

// finalURL reports the URL that produced resp, accounting for redirects.
func finalURL(resp *http.Response, fallback *url.URL) *url.URL {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL
	}
	return fallback
}

// readBodyLimited reads at most limit bytes and reports the true size,
// draining the remainder so connections stay reusable.
func readBodyLimited(r io.Reader, limit int64) (body []byte, size int, truncated bool) {
	if limit <= 0 {
		limit = 1 << 20
	}
	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return data, len(data), false
	}
	size = len(data)
	if int64(len(data)) == limit {
		extra, _ := io.Copy(io.Discard, io.LimitReader(r, 1<<20))
		if extra > 0 {
			size += int(extra)
			truncated = true
		}
	}
	return data, size, truncated
}
