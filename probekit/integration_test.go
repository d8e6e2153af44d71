package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/probetools/probekit/mcpclient"
	"github.com/go-appsec/probetools/probekit/protocol"
	"github.com/go-appsec/probetools/probekit/service"
)

// Integration tests for probekit MCP client → MCP server → real backends.
//
// These tests validate end-to-end functionality through the full stack:
//   mcpclient.Client → streamable HTTP transport → probe/scan backends
//
// Targets are local httptest servers; OAST uses a stub backend so no test
// needs outbound network access. Skipped with -short.

// setupIntegrationEnv starts a full server on a random port with real probe
// and scan backends plus a stub OAST backend, and returns a connected client.
func setupIntegrationEnv(t *testing.T) (*mcpclient.Client, *stubOastBackend) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	stub := newStubOastBackend()

	srv, err := service.NewServer(service.ServeFlags{
		ConfigPath: filepath.Join(t.TempDir(), "config.json"),
		Listen:     "127.0.0.1:0",
	}, nil, nil, stub)
	require.NoError(t, err)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Run(t.Context()) }()
	srv.WaitTillStarted()
	require.NotEmpty(t, srv.Addr())

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	client, err := mcpclient.New(ctx, fmt.Sprintf("http://%s/mcp", srv.Addr()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		srv.RequestShutdown()
		<-serverErr
	})

	return client, stub
}

// newTargetSite serves a small linked site with a session cookie on the
// index page, used as the probe and scan target.
func newTargetSite(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "root-123"})
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, `<html><body><a href="/about">About</a></body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, `<html><body>About page</body></html>`)
	})
	mux.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "cookie=%q", r.Header.Get("Cookie"))
	})

	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)
	return site
}

// =============================================================================
// Probe Tests
// =============================================================================

func TestIntegration_ProbeRoundTrip(t *testing.T) {
	client, _ := setupIntegrationEnv(t)
	site := newTargetSite(t)

	var flowID string

	t.Run("send_stores_cookie", func(t *testing.T) {
		resp, err := client.ProbeSend(t.Context(), site.URL+"/", mcpclient.ProbeSendOpts{})
		require.NoError(t, err)

		assert.NotEmpty(t, resp.FlowID)
		assert.Equal(t, 200, resp.Status)
		assert.False(t, resp.CookiesApplied, "first request has nothing to apply")
		assert.Equal(t, 1, resp.SetCookiesStored)
		flowID = resp.FlowID
	})

	t.Run("send_applies_cookie", func(t *testing.T) {
		resp, err := client.ProbeSend(t.Context(), site.URL+"/whoami", mcpclient.ProbeSendOpts{})
		require.NoError(t, err)

		assert.True(t, resp.CookiesApplied)
		assert.Contains(t, resp.RespPreview, "sid=root-123")
	})

	t.Run("get_flow_details", func(t *testing.T) {
		require.NotEmpty(t, flowID)

		resp, err := client.ProbeGet(t.Context(), flowID)
		require.NoError(t, err)

		assert.Equal(t, flowID, resp.FlowID)
		assert.Equal(t, "GET", resp.Method)
		assert.Equal(t, "probe", resp.Source)
		assert.Equal(t, 200, resp.Status)
		assert.Contains(t, resp.ReqHeaders, "User-Agent:")
	})

	t.Run("get_invalid_flow", func(t *testing.T) {
		_, err := client.ProbeGet(t.Context(), "nonexistent")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("list_requires_filters", func(t *testing.T) {
		_, err := client.ProbeList(t.Context(), mcpclient.ProbeListOpts{OutputMode: "flows"})
		require.Error(t, err)
	})

	t.Run("list_with_method_filter", func(t *testing.T) {
		resp, err := client.ProbeList(t.Context(), mcpclient.ProbeListOpts{
			OutputMode: "flows",
			Method:     "GET",
			Limit:      10,
		})
		require.NoError(t, err)

		require.NotEmpty(t, resp.Flows)
		for _, flow := range resp.Flows {
			assert.Equal(t, "GET", flow.Method)
		}
	})

	t.Run("summary_aggregates", func(t *testing.T) {
		resp, err := client.ProbeList(t.Context(), mcpclient.ProbeListOpts{})
		require.NoError(t, err)

		require.NotEmpty(t, resp.Aggregates)
		var total int
		for _, agg := range resp.Aggregates {
			total += agg.Count
		}
		assert.GreaterOrEqual(t, total, 2)
	})
}

// =============================================================================
// Cookie Tests
// =============================================================================

func TestIntegration_CookieLifecycle(t *testing.T) {
	client, _ := setupIntegrationEnv(t)
	site := newTargetSite(t)

	_, err := client.ProbeSend(t.Context(), site.URL+"/", mcpclient.ProbeSendOpts{})
	require.NoError(t, err)

	t.Run("jar_overview_hides_values", func(t *testing.T) {
		resp, err := client.CookieJar(t.Context(), "", "")
		require.NoError(t, err)

		require.Len(t, resp.Cookies, 1)
		assert.Equal(t, "sid", resp.Cookies[0].Name)
		assert.Empty(t, resp.Cookies[0].Value)
		assert.Equal(t, 1, resp.Domains)
	})

	t.Run("jar_name_filter_shows_value", func(t *testing.T) {
		resp, err := client.CookieJar(t.Context(), "sid", "")
		require.NoError(t, err)

		require.Len(t, resp.Cookies, 1)
		assert.Equal(t, "root-123", resp.Cookies[0].Value)
	})

	t.Run("stats", func(t *testing.T) {
		resp, err := client.CookieStats(t.Context())
		require.NoError(t, err)

		assert.Equal(t, 1, resp.Domains)
		assert.GreaterOrEqual(t, resp.RequestsProcessed, uint64(1))
		assert.Greater(t, resp.MemoryEstimateKB, 0.0)
	})

	t.Run("clear", func(t *testing.T) {
		resp, err := client.CookieClear(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 1, resp.ClearedDomains)

		stats, err := client.CookieStats(t.Context())
		require.NoError(t, err)
		assert.Zero(t, stats.Domains)
	})
}

// =============================================================================
// Scan Tests
// =============================================================================

func TestIntegration_Scan(t *testing.T) {
	client, _ := setupIntegrationEnv(t)
	site := newTargetSite(t)

	var scanID string

	t.Run("create", func(t *testing.T) {
		resp, err := client.ScanCreate(t.Context(), mcpclient.ScanCreateOpts{
			SeedURLs:    []string{site.URL + "/"},
			Label:       "integ-scan",
			MaxDepth:    2,
			Delay:       "10ms",
			Parallelism: 2,
		})
		require.NoError(t, err)

		assert.NotEmpty(t, resp.ScanID)
		assert.Equal(t, "integ-scan", resp.Label)
		assert.Equal(t, 1, resp.SeedCount)
		scanID = resp.ScanID
	})

	t.Run("runs_to_completion", func(t *testing.T) {
		require.NotEmpty(t, scanID)

		status := waitForScanDone(t, client, scanID)
		assert.Equal(t, service.ScanStateCompleted, status.State)
		assert.GreaterOrEqual(t, status.PagesVisited, 2)
	})

	t.Run("pages_recorded", func(t *testing.T) {
		resp, err := client.ScanPages(t.Context(), scanID, mcpclient.ScanPagesOpts{OutputMode: "flows"})
		require.NoError(t, err)

		require.NotEmpty(t, resp.Flows)
		for _, flow := range resp.Flows {
			assert.Equal(t, "scan:"+scanID, flow.Source)
		}
	})

	t.Run("summary_aggregates", func(t *testing.T) {
		resp, err := client.ScanPages(t.Context(), scanID, mcpclient.ScanPagesOpts{})
		require.NoError(t, err)
		assert.NotEmpty(t, resp.Aggregates)
	})

	t.Run("listed_in_sessions", func(t *testing.T) {
		resp, err := client.ScanList(t.Context(), 0)
		require.NoError(t, err)

		var found bool
		for _, sess := range resp.Sessions {
			if sess.ScanID == scanID {
				found = true
				assert.Equal(t, "integ-scan", sess.Label)
			}
		}
		assert.True(t, found)
	})

	t.Run("status_by_label", func(t *testing.T) {
		resp, err := client.ScanStatus(t.Context(), "integ-scan")
		require.NoError(t, err)
		assert.Equal(t, scanID, resp.ScanID)
	})

	t.Run("status_invalid_id", func(t *testing.T) {
		_, err := client.ScanStatus(t.Context(), "nonexistent")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

// waitForScanDone polls scan status until the session reaches a terminal state.
func waitForScanDone(t *testing.T, client *mcpclient.Client, scanID string) *protocol.ScanStatusResponse {
	t.Helper()

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		status, err := client.ScanStatus(t.Context(), scanID)
		require.NoError(t, err)

		switch status.State {
		case service.ScanStateCompleted, service.ScanStateStopped, service.ScanStateFailed:
			return status
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("scan did not finish before deadline")
	return nil
}

// =============================================================================
// OAST Tests
// =============================================================================

func TestIntegration_OAST(t *testing.T) {
	client, stub := setupIntegrationEnv(t)

	var oastID, oastDomain string

	t.Run("create_session", func(t *testing.T) {
		resp, err := client.OastCreate(t.Context(), "integ-oast")
		require.NoError(t, err)

		assert.NotEmpty(t, resp.OastID)
		assert.NotEmpty(t, resp.Domain)
		assert.Equal(t, "integ-oast", resp.Label)
		oastID = resp.OastID
		oastDomain = resp.Domain
	})

	t.Run("duplicate_label_rejected", func(t *testing.T) {
		_, err := client.OastCreate(t.Context(), "integ-oast")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "label already exists")
	})

	t.Run("list_sessions", func(t *testing.T) {
		resp, err := client.OastList(t.Context(), 0)
		require.NoError(t, err)

		require.Len(t, resp.Sessions, 1)
		assert.Equal(t, oastID, resp.Sessions[0].OastID)
		assert.Equal(t, oastDomain, resp.Sessions[0].Domain)
	})

	t.Run("poll_no_events", func(t *testing.T) {
		resp, err := client.OastPoll(t.Context(), oastID, mcpclient.OastPollOpts{
			OutputMode: "events",
			Wait:       "0s",
		})
		require.NoError(t, err)
		assert.Empty(t, resp.Events)
	})

	t.Run("poll_returns_events", func(t *testing.T) {
		stub.addEvent(oastID, "dns", "probe1."+oastDomain)
		stub.addEvent(oastID, "http", "probe2."+oastDomain)

		resp, err := client.OastPoll(t.Context(), oastID, mcpclient.OastPollOpts{
			OutputMode: "events",
			Wait:       "0s",
		})
		require.NoError(t, err)
		require.Len(t, resp.Events, 2)
		assert.Equal(t, "dns", resp.Events[0].Type)
	})

	t.Run("poll_type_filter", func(t *testing.T) {
		resp, err := client.OastPoll(t.Context(), oastID, mcpclient.OastPollOpts{
			OutputMode: "events",
			Type:       "dns",
			Wait:       "0s",
		})
		require.NoError(t, err)
		require.Len(t, resp.Events, 1)
		assert.Equal(t, "dns", resp.Events[0].Type)
	})

	t.Run("summary_mode_aggregates", func(t *testing.T) {
		resp, err := client.OastPoll(t.Context(), oastID, mcpclient.OastPollOpts{Wait: "0s"})
		require.NoError(t, err)

		assert.Empty(t, resp.Events)
		assert.Len(t, resp.Aggregates, 2)
	})

	t.Run("delete_session", func(t *testing.T) {
		require.NoError(t, client.OastDelete(t.Context(), oastID))

		resp, err := client.OastList(t.Context(), 0)
		require.NoError(t, err)
		assert.Empty(t, resp.Sessions)
	})

	t.Run("delete_invalid_session", func(t *testing.T) {
		err := client.OastDelete(t.Context(), "nonexistent")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

// =============================================================================
// Concurrent Access Tests
// =============================================================================

func TestIntegration_ConcurrentProbes(t *testing.T) {
	client, _ := setupIntegrationEnv(t)
	site := newTargetSite(t)

	const numConcurrent = 5
	results := make(chan error, numConcurrent)

	for i := 0; i < numConcurrent; i++ {
		go func() {
			_, err := client.ProbeSend(t.Context(), site.URL+"/about", mcpclient.ProbeSendOpts{})
			results <- err
		}()
	}

	for i := 0; i < numConcurrent; i++ {
		assert.NoError(t, <-results)
	}

	resp, err := client.ProbeList(t.Context(), mcpclient.ProbeListOpts{
		OutputMode: "flows",
		Path:       "/about",
		Limit:      20,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Flows, numConcurrent)
}

// =============================================================================
// Stub OAST backend
// =============================================================================

// stubOastBackend is an in-memory OastBackend so integration tests never
// register with a real interactsh server.
type stubOastBackend struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string]*service.OastSessionInfo
	events   map[string][]service.OastEventInfo
}

func newStubOastBackend() *stubOastBackend {
	return &stubOastBackend{
		sessions: make(map[string]*service.OastSessionInfo),
		events:   make(map[string][]service.OastEventInfo),
	}
}

func (b *stubOastBackend) CreateSession(ctx context.Context, label string) (*service.OastSessionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if label != "" {
		for _, sess := range b.sessions {
			if sess.Label == label {
				return nil, service.ErrLabelExists
			}
		}
	}

	b.nextID++
	sess := &service.OastSessionInfo{
		ID:        fmt.Sprintf("stub%02d", b.nextID),
		Domain:    fmt.Sprintf("stub%02d.oast.test", b.nextID),
		Label:     label,
		CreatedAt: time.Now(),
	}
	b.sessions[sess.ID] = sess
	return sess, nil
}

func (b *stubOastBackend) PollSession(ctx context.Context, idOrDomain, since, eventType string, wait time.Duration, limit int) (*service.OastPollResultInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess := b.resolveLocked(idOrDomain)
	if sess == nil {
		return nil, service.ErrNotFound
	}

	var events []service.OastEventInfo
	for _, e := range b.events[sess.ID] {
		if eventType != "" && e.Type != eventType {
			continue
		}
		events = append(events, e)
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return &service.OastPollResultInfo{Events: events}, nil
}

func (b *stubOastBackend) ListSessions(ctx context.Context) ([]service.OastSessionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sessions := make([]service.OastSessionInfo, 0, len(b.sessions))
	for _, sess := range b.sessions {
		sessions = append(sessions, *sess)
	}
	return sessions, nil
}

func (b *stubOastBackend) DeleteSession(ctx context.Context, idOrDomain string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess := b.resolveLocked(idOrDomain)
	if sess == nil {
		return service.ErrNotFound
	}
	delete(b.sessions, sess.ID)
	delete(b.events, sess.ID)
	return nil
}

func (b *stubOastBackend) Close() error { return nil }

func (b *stubOastBackend) addEvent(sessionID, eventType, subdomain string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.events[sessionID]) + 1
	b.events[sessionID] = append(b.events[sessionID], service.OastEventInfo{
		ID:        fmt.Sprintf("evt%02d", n),
		Time:      time.Now(),
		Type:      eventType,
		SourceIP:  "127.0.0.1",
		Subdomain: subdomain,
		Details:   map[string]interface{}{"query": subdomain},
	})
}

func (b *stubOastBackend) resolveLocked(idOrDomain string) *service.OastSessionInfo {
	if sess, ok := b.sessions[idOrDomain]; ok {
		return sess
	}
	for _, sess := range b.sessions {
		if sess.Domain == idOrDomain || (sess.Label != "" && sess.Label == idOrDomain) {
			return sess
		}
	}
	return nil
}
