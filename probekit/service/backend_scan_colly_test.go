package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/probetools/probekit/config"
	"github.com/go-appsec/probetools/probekit/service/store"
)

func newScanTestBackend(t *testing.T) (*CollyScanBackend, *store.FlowStore, *store.CookieJar) {
	t.Helper()

	flows := store.NewFlowStore(store.NewMemStorage())
	t.Cleanup(func() { _ = flows.Close() })
	jar := store.NewCookieJar(100)
	backend := NewCollyScanBackend(config.ScanConfig{
		MaxDepth:    3,
		MaxPages:    50,
		DelayMS:     1,
		Parallelism: 2,
	}, flows, jar)
	t.Cleanup(func() { _ = backend.Close() })
	return backend, flows, jar
}

func waitForScanDone(t *testing.T, backend *CollyScanBackend, id string) *ScanStatus {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		status, err := backend.GetStatus(context.Background(), id)
		require.NoError(t, err)
		if status.State != ScanStatePending && status.State != ScanStateRunning {
			return status
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("scan %s did not finish in time", id)
	return nil
}

func htmlPage(links ...string) string {
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for _, link := range links {
		fmt.Fprintf(&sb, `<a href=%q>link</a>`, link)
	}
	sb.WriteString("</body></html>")
	return sb.String()
}

func serveHTML(w http.ResponseWriter, page string) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(page))
}

func TestCollyScanBackend(t *testing.T) {
	t.Parallel()

	t.Run("crawls_seeded_site", func(t *testing.T) {
		backend, flows, _ := newScanTestBackend(t)
		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			serveHTML(w, htmlPage("/a", "/b"))
		})
		mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
			serveHTML(w, htmlPage("/c"))
		})
		mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
			serveHTML(w, htmlPage())
		})
		mux.HandleFunc("/c", func(w http.ResponseWriter, r *http.Request) {
			serveHTML(w, htmlPage())
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		info, err := backend.CreateSession(context.Background(), ScanOptions{
			Seeds: []string{server.URL + "/"},
			Delay: time.Millisecond,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, info.ID)
		assert.Equal(t, 1, info.SeedCount)

		status := waitForScanDone(t, backend, info.ID)
		assert.Equal(t, ScanStateCompleted, status.State)
		assert.Equal(t, 4, status.PagesVisited)
		assert.Equal(t, 3, status.LinksDiscovered)
		assert.Zero(t, status.PagesQueued)
		assert.Zero(t, status.PagesErrored)
		assert.Positive(t, status.Duration)

		scanFlows := flows.List(store.FlowListOptions{Source: store.SourceScanPrefix + info.ID})
		require.Len(t, scanFlows, 4)
		for _, flow := range scanFlows {
			assert.Equal(t, store.SourceScanPrefix+info.ID, flow.Source)
			assert.Equal(t, http.MethodGet, flow.Method)
			assert.Equal(t, http.StatusOK, flow.Status)
			assert.Contains(t, string(flow.RespBody), "<html>")
			assert.Positive(t, flow.Duration)
		}
	})

	t.Run("cookie_round_trip", func(t *testing.T) {
		backend, _, jar := newScanTestBackend(t)
		var gotCookie string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotCookie = r.Header.Get("Cookie")
			w.Header().Add("Set-Cookie", "fresh=2; Path=/")
			serveHTML(w, htmlPage())
		}))
		defer server.Close()
		jar.AddCookies("seeded=1", server.URL)

		info, err := backend.CreateSession(context.Background(), ScanOptions{
			Seeds:        []string{server.URL + "/"},
			Delay:        time.Millisecond,
			UseCookies:   true,
			StoreCookies: true,
		})
		require.NoError(t, err)

		status := waitForScanDone(t, backend, info.ID)
		assert.Equal(t, ScanStateCompleted, status.State)
		assert.Equal(t, "seeded=1", gotCookie)

		cookies, found := jar.CookiesForRequest(server.URL)
		require.True(t, found)
		assert.Equal(t, "seeded=1; fresh=2", cookies)
	})

	t.Run("records_page_errors", func(t *testing.T) {
		backend, _, _ := newScanTestBackend(t)
		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			serveHTML(w, htmlPage("/missing"))
		})
		mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		info, err := backend.CreateSession(context.Background(), ScanOptions{
			Seeds: []string{server.URL + "/"},
			Delay: time.Millisecond,
		})
		require.NoError(t, err)

		status := waitForScanDone(t, backend, info.ID)
		assert.Equal(t, ScanStateCompleted, status.State)
		assert.Equal(t, 1, status.PagesVisited)
		assert.Equal(t, 1, status.PagesErrored)

		pageErrors, err := backend.ListErrors(context.Background(), info.ID, 0)
		require.NoError(t, err)
		require.Len(t, pageErrors, 1)
		assert.Equal(t, http.StatusNotFound, pageErrors[0].Status)
		assert.True(t, strings.HasSuffix(pageErrors[0].URL, "/missing"))
		assert.NotEmpty(t, pageErrors[0].Error)
	})

	t.Run("respects_max_pages", func(t *testing.T) {
		backend, flows, _ := newScanTestBackend(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Every page links to two fresh pages, so only MaxPages stops it.
			base := strings.TrimSuffix(r.URL.Path, "/")
			serveHTML(w, htmlPage(base+"/x", base+"/y"))
		}))
		defer server.Close()

		info, err := backend.CreateSession(context.Background(), ScanOptions{
			Seeds:    []string{server.URL + "/"},
			Delay:    time.Millisecond,
			MaxDepth: 10,
			MaxPages: 5,
		})
		require.NoError(t, err)

		status := waitForScanDone(t, backend, info.ID)
		assert.Equal(t, ScanStateCompleted, status.State)
		assert.LessOrEqual(t, status.PagesVisited, 5)
		assert.LessOrEqual(t, flows.Len(), 5)
	})

	t.Run("stop_session", func(t *testing.T) {
		backend, _, _ := newScanTestBackend(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
			serveHTML(w, htmlPage("/next"))
		}))
		defer server.Close()

		info, err := backend.CreateSession(context.Background(), ScanOptions{
			Seeds: []string{server.URL + "/"},
			Delay: time.Millisecond,
		})
		require.NoError(t, err)

		status, err := backend.StopSession(context.Background(), info.ID)
		require.NoError(t, err)
		assert.Equal(t, ScanStateStopped, status.State)

		final := waitForScanDone(t, backend, info.ID)
		assert.Equal(t, ScanStateStopped, final.State)
	})

	t.Run("rejects_duplicate_label", func(t *testing.T) {
		backend, _, _ := newScanTestBackend(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			serveHTML(w, htmlPage())
		}))
		defer server.Close()

		_, err := backend.CreateSession(context.Background(), ScanOptions{
			Label: "checkout",
			Seeds: []string{server.URL},
			Delay: time.Millisecond,
		})
		require.NoError(t, err)

		_, err = backend.CreateSession(context.Background(), ScanOptions{
			Label: "checkout",
			Seeds: []string{server.URL},
			Delay: time.Millisecond,
		})
		assert.ErrorIs(t, err, ErrLabelExists)
	})

	t.Run("resolves_by_label", func(t *testing.T) {
		backend, _, _ := newScanTestBackend(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			serveHTML(w, htmlPage())
		}))
		defer server.Close()

		info, err := backend.CreateSession(context.Background(), ScanOptions{
			Label: "login-flow",
			Seeds: []string{server.URL},
			Delay: time.Millisecond,
		})
		require.NoError(t, err)

		status, err := backend.GetStatus(context.Background(), "login-flow")
		require.NoError(t, err)
		assert.Equal(t, info.ID, status.ID)
		assert.Equal(t, "login-flow", status.Label)
	})

	t.Run("unknown_session", func(t *testing.T) {
		backend, _, _ := newScanTestBackend(t)

		_, err := backend.GetStatus(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = backend.StopSession(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = backend.ListErrors(context.Background(), "nope", 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("lists_sessions_newest_first", func(t *testing.T) {
		backend, _, _ := newScanTestBackend(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			serveHTML(w, htmlPage())
		}))
		defer server.Close()

		first, err := backend.CreateSession(context.Background(), ScanOptions{
			Seeds: []string{server.URL + "/first"},
			Delay: time.Millisecond,
		})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		second, err := backend.CreateSession(context.Background(), ScanOptions{
			Seeds: []string{server.URL + "/second"},
			Delay: time.Millisecond,
		})
		require.NoError(t, err)

		sessions, err := backend.ListSessions(context.Background(), 0)
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, second.ID, sessions[0].ID)
		assert.Equal(t, first.ID, sessions[1].ID)

		limited, err := backend.ListSessions(context.Background(), 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, second.ID, limited[0].ID)
	})

	t.Run("requires_targets", func(t *testing.T) {
		backend, _, _ := newScanTestBackend(t)

		_, err := backend.CreateSession(context.Background(), ScanOptions{})
		assert.ErrorContains(t, err, "no target domains")

		_, err = backend.CreateSession(context.Background(), ScanOptions{Domains: []string{"example.com"}})
		assert.ErrorContains(t, err, "no seed URLs")
	})
}

func TestIsTextContentType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		want        bool
	}{
		{"empty", "", true},
		{"text_html", "text/html", true},
		{"text_html_charset", "text/html; charset=utf-8", true},
		{"application_json", "application/json", true},
		{"application_xml", "application/xml", true},
		{"application_javascript", "application/javascript", true},
		{"hal_json_suffix", "application/hal+json", true},
		{"svg_xml_suffix", "image/svg+xml", true},
		{"image_png", "image/png", false},
		{"application_pdf", "application/pdf", false},
		{"application_octet_stream", "application/octet-stream", false},
		{"video_mp4", "video/mp4", false},
		{"mixed_case", "Application/JSON", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTextContentType(tt.contentType))
		})
	}
}

func TestBuildDomainFilters(t *testing.T) {
	t.Parallel()

	t.Run("matches_exact_domain", func(t *testing.T) {
		filters := buildDomainFilters([]string{"example.com"})
		require.Len(t, filters, 1)

		assert.True(t, filters[0].MatchString("https://example.com/"))
		assert.True(t, filters[0].MatchString("http://example.com/path"))
		assert.True(t, filters[0].MatchString("https://example.com:8080/"))
		assert.True(t, filters[0].MatchString("https://example.com"))
	})

	t.Run("matches_any_subdomain_depth", func(t *testing.T) {
		filters := buildDomainFilters([]string{"example.com"})

		assert.True(t, filters[0].MatchString("https://api.example.com/"))
		assert.True(t, filters[0].MatchString("https://a.b.c.example.com/path"))
	})

	t.Run("rejects_suffix_lookalikes", func(t *testing.T) {
		filters := buildDomainFilters([]string{"example.com"})

		assert.False(t, filters[0].MatchString("https://badexample.com/"))
		assert.False(t, filters[0].MatchString("https://example.com.evil.net/"))
		assert.False(t, filters[0].MatchString("https://example.org/"))
	})
}

func TestIsDomainAllowed(t *testing.T) {
	t.Parallel()

	domains := []string{"example.com", "test.org"}

	tests := []struct {
		name       string
		host       string
		subdomains bool
		want       bool
	}{
		{"exact_match", "example.com", false, true},
		{"second_domain", "test.org", false, true},
		{"case_insensitive", "EXAMPLE.com", false, true},
		{"subdomain_rejected_without_flag", "api.example.com", false, false},
		{"subdomain_allowed_with_flag", "api.example.com", true, true},
		{"deep_subdomain", "a.b.example.com", true, true},
		{"suffix_lookalike", "badexample.com", true, false},
		{"unrelated", "other.net", true, false},
		{"empty_host", "", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isDomainAllowed(tt.host, domains, tt.subdomains))
		})
	}
}

func TestNormalizeSeeds(t *testing.T) {
	t.Parallel()

	t.Run("defaults_to_https", func(t *testing.T) {
		seeds, err := normalizeSeeds([]string{"example.com/login"})
		require.NoError(t, err)
		assert.Equal(t, []string{"https://example.com/login"}, seeds)
	})

	t.Run("keeps_explicit_scheme", func(t *testing.T) {
		seeds, err := normalizeSeeds([]string{"http://example.com"})
		require.NoError(t, err)
		assert.Equal(t, []string{"http://example.com"}, seeds)
	})

	t.Run("dedupes_and_skips_blank", func(t *testing.T) {
		seeds, err := normalizeSeeds([]string{"https://a.com", "", "  ", "https://a.com", "https://b.com"})
		require.NoError(t, err)
		assert.Equal(t, []string{"https://a.com", "https://b.com"}, seeds)
	})

	t.Run("rejects_bad_scheme", func(t *testing.T) {
		_, err := normalizeSeeds([]string{"ftp://example.com"})
		assert.ErrorContains(t, err, "invalid seed URL")
	})

	t.Run("rejects_missing_host", func(t *testing.T) {
		_, err := normalizeSeeds([]string{"https:///path"})
		assert.ErrorContains(t, err, "invalid seed URL")
	})
}

func TestCollectScanDomains(t *testing.T) {
	t.Parallel()

	t.Run("merges_seeds_and_domains", func(t *testing.T) {
		domains := collectScanDomains(
			[]string{"https://app.example.com/", "https://example.com/x"},
			[]string{"Api.Example.com"},
		)
		assert.Equal(t, []string{"api.example.com", "app.example.com", "example.com"}, domains)
	})

	t.Run("dedupes", func(t *testing.T) {
		domains := collectScanDomains(
			[]string{"https://example.com/a", "https://example.com/b"},
			[]string{"example.com"},
		)
		assert.Equal(t, []string{"example.com"}, domains)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, collectScanDomains(nil, nil))
	})
}
