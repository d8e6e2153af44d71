package service

import (
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/probetools/probekit/protocol"
	"github.com/go-appsec/probetools/probekit/service/store"
	"github.com/go-appsec/probetools/probekit/service/testutil"
)

// newProbeTarget serves a small site exercising cookies, header echo,
// and compressed responses.
func newProbeTarget(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc123", Path: "/"})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "cookie=%q", r.Header.Get("Cookie"))
	})
	mux.HandleFunc("/echo-header", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "x-probe=%q", r.Header.Get("X-Probe"))
	})
	mux.HandleFunc("/gzip", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte("decompressed payload content"))
		_ = gz.Close()
	})
	mux.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("users"))
	})
	mux.HandleFunc("/api/orders", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("orders"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func probeSend(t *testing.T, mcpClient *client.Client, args map[string]interface{}) protocol.ProbeSendResponse {
	t.Helper()
	return testutil.CallMCPToolJSON[protocol.ProbeSendResponse](t, mcpClient, "probe_send", args)
}

func TestMCP_ProbeSendAndGet(t *testing.T) {
	t.Parallel()

	_, mcpClient, _ := setupMCPServer(t)
	ts := newProbeTarget(t)

	var loginFlowID string

	t.Run("send_records_flow", func(t *testing.T) {
		resp := probeSend(t, mcpClient, map[string]interface{}{
			"url": ts.URL + "/login",
		})

		require.NotEmpty(t, resp.FlowID)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Contains(t, resp.StatusLine, "200")
		assert.Contains(t, resp.RespPreview, `{"ok":true}`)
		assert.Contains(t, resp.RespHeaders, "Content-Type: application/json")
		assert.NotEmpty(t, resp.Duration)
		loginFlowID = resp.FlowID
	})

	t.Run("set_cookie_stored", func(t *testing.T) {
		resp := probeSend(t, mcpClient, map[string]interface{}{
			"url": ts.URL + "/login",
		})
		assert.Equal(t, 1, resp.SetCookiesStored)
	})

	t.Run("cookie_applied_on_next_request", func(t *testing.T) {
		resp := probeSend(t, mcpClient, map[string]interface{}{
			"url": ts.URL + "/whoami",
		})
		assert.True(t, resp.CookiesApplied)
		assert.Contains(t, resp.RespPreview, "sid=abc123")
	})

	t.Run("explicit_cookie_header_wins", func(t *testing.T) {
		resp := probeSend(t, mcpClient, map[string]interface{}{
			"url":     ts.URL + "/whoami",
			"headers": []interface{}{"Cookie: manual=1"},
		})
		assert.False(t, resp.CookiesApplied)
		assert.Contains(t, resp.RespPreview, "manual=1")
	})

	t.Run("use_cookies_false_skips_jar", func(t *testing.T) {
		resp := probeSend(t, mcpClient, map[string]interface{}{
			"url":         ts.URL + "/whoami",
			"use_cookies": false,
		})
		assert.False(t, resp.CookiesApplied)
		assert.Contains(t, resp.RespPreview, `cookie=""`)
	})

	t.Run("get_full_flow", func(t *testing.T) {
		resp := testutil.CallMCPToolJSON[protocol.ProbeGetResponse](t, mcpClient, "probe_get", map[string]interface{}{
			"flow_id": loginFlowID,
		})

		assert.Equal(t, loginFlowID, resp.FlowID)
		assert.Equal(t, "GET", resp.Method)
		assert.Equal(t, ts.URL+"/login", resp.URL)
		assert.Equal(t, store.SourceProbe, resp.Source)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Contains(t, resp.ReqHeaders, "User-Agent")
		assert.NotEmpty(t, resp.ReqHeadersParsed)
		assert.Contains(t, resp.RespBody, `{"ok":true}`)
		assert.Equal(t, "application/json", resp.ContentType)
		assert.False(t, resp.Truncated)
		assert.NotEmpty(t, resp.CreatedAt)
	})

	t.Run("get_full_body_base64", func(t *testing.T) {
		resp := testutil.CallMCPToolJSON[protocol.ProbeGetResponse](t, mcpClient, "probe_get", map[string]interface{}{
			"flow_id":   loginFlowID,
			"full_body": true,
		})

		decoded, err := base64.StdEncoding.DecodeString(resp.RespBody)
		require.NoError(t, err)
		assert.Equal(t, `{"ok":true}`, string(decoded))
	})

	t.Run("get_not_found", func(t *testing.T) {
		text := testutil.CallMCPToolError(t, mcpClient, "probe_get", map[string]interface{}{
			"flow_id": "nonexistent",
		})
		assert.Contains(t, text, "flow not found")
	})

	t.Run("get_missing_flow_id", func(t *testing.T) {
		text := testutil.CallMCPToolError(t, mcpClient, "probe_get", nil)
		assert.Contains(t, text, "flow_id is required")
	})
}

func TestMCP_ProbeSendValidation(t *testing.T) {
	t.Parallel()

	_, mcpClient, _ := setupMCPServer(t)

	cases := []struct {
		name    string
		args    map[string]interface{}
		wantErr string
	}{
		{
			name:    "missing_url",
			args:    nil,
			wantErr: "url is required",
		},
		{
			name:    "invalid_timeout",
			args:    map[string]interface{}{"url": "http://example.invalid/", "timeout": "banana"},
			wantErr: "invalid timeout",
		},
		{
			name:    "unsupported_scheme",
			args:    map[string]interface{}{"url": "ftp://example.invalid/file"},
			wantErr: "unsupported URL scheme",
		},
		{
			name:    "http2_requires_https",
			args:    map[string]interface{}{"url": "http://example.invalid/", "http2": true},
			wantErr: "http2 requires an https URL",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text := testutil.CallMCPToolError(t, mcpClient, "probe_send", tc.args)
			assert.Contains(t, text, tc.wantErr)
		})
	}
}

func TestMCP_ProbeSendHeaders(t *testing.T) {
	t.Parallel()

	_, mcpClient, _ := setupMCPServer(t)
	ts := newProbeTarget(t)

	t.Run("headers_as_object", func(t *testing.T) {
		resp := probeSend(t, mcpClient, map[string]interface{}{
			"url":     ts.URL + "/echo-header",
			"headers": map[string]interface{}{"X-Probe": "object-form"},
		})
		assert.Contains(t, resp.RespPreview, `x-probe="object-form"`)
	})

	t.Run("headers_as_array", func(t *testing.T) {
		resp := probeSend(t, mcpClient, map[string]interface{}{
			"url":     ts.URL + "/echo-header",
			"headers": []interface{}{"X-Probe: array-form"},
		})
		assert.Contains(t, resp.RespPreview, `x-probe="array-form"`)
	})

	t.Run("gzip_body_decompressed_for_display", func(t *testing.T) {
		// Explicit Accept-Encoding disables the transport's transparent
		// decompression, so the stored flow keeps the raw gzip bytes.
		resp := probeSend(t, mcpClient, map[string]interface{}{
			"url":     ts.URL + "/gzip",
			"headers": []interface{}{"Accept-Encoding: gzip"},
		})
		assert.Contains(t, resp.RespPreview, "decompressed payload content")

		got := testutil.CallMCPToolJSON[protocol.ProbeGetResponse](t, mcpClient, "probe_get", map[string]interface{}{
			"flow_id": resp.FlowID,
		})
		assert.Contains(t, got.RespBody, "decompressed payload content")
	})

	t.Run("post_with_body", func(t *testing.T) {
		resp := probeSend(t, mcpClient, map[string]interface{}{
			"url":    ts.URL + "/api/users",
			"method": "POST",
			"body":   `{"name":"ann"}`,
		})
		require.NotEmpty(t, resp.FlowID)

		got := testutil.CallMCPToolJSON[protocol.ProbeGetResponse](t, mcpClient, "probe_get", map[string]interface{}{
			"flow_id": resp.FlowID,
		})
		assert.Equal(t, "POST", got.Method)
		assert.Contains(t, got.ReqBody, `{"name":"ann"}`)
		assert.Equal(t, len(`{"name":"ann"}`), got.ReqSize)
	})
}

func TestMCP_ProbeList(t *testing.T) {
	t.Parallel()

	_, mcpClient, _ := setupMCPServer(t)
	ts := newProbeTarget(t)

	send := func(path, method string) protocol.ProbeSendResponse {
		return probeSend(t, mcpClient, map[string]interface{}{
			"url":    ts.URL + path,
			"method": method,
		})
	}

	send("/api/users", "GET")
	send("/api/orders", "GET")
	postResp := send("/api/users", "POST")
	send("/does-not-exist", "GET") // 404

	t.Run("summary_default", func(t *testing.T) {
		resp := testutil.CallMCPToolJSON[protocol.ProbePollResponse](t, mcpClient, "probe_list", nil)
		require.NotEmpty(t, resp.Aggregates)
		assert.Empty(t, resp.Flows)

		var total int
		for _, agg := range resp.Aggregates {
			total += agg.Count
			assert.NotEmpty(t, agg.Host)
			assert.NotEmpty(t, agg.Method)
		}
		assert.Equal(t, 4, total)
	})

	t.Run("flows_requires_filter", func(t *testing.T) {
		text := testutil.CallMCPToolError(t, mcpClient, "probe_list", map[string]interface{}{
			"output_mode": "flows",
		})
		assert.Contains(t, text, "requires at least one filter")
	})

	t.Run("flows_with_method_filter", func(t *testing.T) {
		resp := testutil.CallMCPToolJSON[protocol.ProbePollResponse](t, mcpClient, "probe_list", map[string]interface{}{
			"output_mode": "flows",
			"method":      "POST",
		})
		require.Len(t, resp.Flows, 1)
		entry := resp.Flows[0]
		assert.Equal(t, postResp.FlowID, entry.FlowID)
		assert.Equal(t, "POST", entry.Method)
		assert.Equal(t, "http", entry.Scheme)
		assert.Equal(t, "127.0.0.1", entry.Host)
		assert.Positive(t, entry.Port)
		assert.Equal(t, store.SourceProbe, entry.Source)
	})

	t.Run("flows_with_path_glob", func(t *testing.T) {
		resp := testutil.CallMCPToolJSON[protocol.ProbePollResponse](t, mcpClient, "probe_list", map[string]interface{}{
			"output_mode": "flows",
			"path":        "/api/*",
		})
		assert.Len(t, resp.Flows, 3)
	})

	t.Run("flows_with_status_range", func(t *testing.T) {
		resp := testutil.CallMCPToolJSON[protocol.ProbePollResponse](t, mcpClient, "probe_list", map[string]interface{}{
			"output_mode": "flows",
			"status":      "4XX",
		})
		require.Len(t, resp.Flows, 1)
		assert.Equal(t, http.StatusNotFound, resp.Flows[0].Status)
	})

	t.Run("flows_with_host_glob", func(t *testing.T) {
		resp := testutil.CallMCPToolJSON[protocol.ProbePollResponse](t, mcpClient, "probe_list", map[string]interface{}{
			"output_mode": "flows",
			"host":        "127.0.0.1*",
		})
		assert.Len(t, resp.Flows, 4)
	})

	t.Run("flows_limit_and_offset", func(t *testing.T) {
		limited := testutil.CallMCPToolJSON[protocol.ProbePollResponse](t, mcpClient, "probe_list", map[string]interface{}{
			"output_mode": "flows",
			"limit":       2,
		})
		assert.Len(t, limited.Flows, 2)

		offset := testutil.CallMCPToolJSON[protocol.ProbePollResponse](t, mcpClient, "probe_list", map[string]interface{}{
			"output_mode": "flows",
			"limit":       10,
			"offset":      3,
		})
		assert.Len(t, offset.Flows, 1)
	})

	t.Run("newest_first_order", func(t *testing.T) {
		resp := testutil.CallMCPToolJSON[protocol.ProbePollResponse](t, mcpClient, "probe_list", map[string]interface{}{
			"output_mode": "flows",
			"limit":       10,
		})
		require.Len(t, resp.Flows, 4)
		assert.Equal(t, "/does-not-exist", resp.Flows[0].Path)
	})

	t.Run("since_flow_id", func(t *testing.T) {
		resp := testutil.CallMCPToolJSON[protocol.ProbePollResponse](t, mcpClient, "probe_list", map[string]interface{}{
			"output_mode": "flows",
			"since":       postResp.FlowID,
		})
		// Only the 404 probe came after the POST
		require.Len(t, resp.Flows, 1)
		assert.Equal(t, "/does-not-exist", resp.Flows[0].Path)
	})

	t.Run("since_unknown_flow_id", func(t *testing.T) {
		text := testutil.CallMCPToolError(t, mcpClient, "probe_list", map[string]interface{}{
			"output_mode": "flows",
			"since":       "bogus",
		})
		assert.Contains(t, text, "since flow_id not found")
	})

	t.Run("since_last_cursor", func(t *testing.T) {
		// Prime the cursor with a full listing
		first := testutil.CallMCPToolJSON[protocol.ProbePollResponse](t, mcpClient, "probe_list", map[string]interface{}{
			"output_mode": "flows",
			"limit":       10,
		})
		require.NotEmpty(t, first.Flows)

		// Nothing new since the cursor
		empty := testutil.CallMCPToolJSON[protocol.ProbePollResponse](t, mcpClient, "probe_list", map[string]interface{}{
			"output_mode": "flows",
			"since":       "last",
			"limit":       10,
		})
		assert.Empty(t, empty.Flows)

		// New traffic lands after the cursor
		send("/api/users", "GET")
		next := testutil.CallMCPToolJSON[protocol.ProbePollResponse](t, mcpClient, "probe_list", map[string]interface{}{
			"output_mode": "flows",
			"since":       "last",
			"limit":       10,
		})
		require.Len(t, next.Flows, 1)
		assert.Equal(t, "/api/users", next.Flows[0].Path)
	})
}

func TestFlowEntryAddr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		url        string
		host       string
		wantScheme string
		wantHost   string
		wantPort   int
	}{
		{name: "http_default_port", url: "http://example.com:80/x", wantScheme: "http", wantHost: "example.com", wantPort: 0},
		{name: "https_default_port", url: "https://example.com:443/x", wantScheme: "https", wantHost: "example.com", wantPort: 0},
		{name: "no_port", url: "https://example.com/x", wantScheme: "https", wantHost: "example.com", wantPort: 0},
		{name: "custom_port", url: "http://example.com:8080/x", wantScheme: "http", wantHost: "example.com", wantPort: 8080},
		{name: "unparseable_falls_back", url: "http://bad url", host: "fallback.example", wantScheme: "http", wantHost: "fallback.example", wantPort: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scheme, host, port := flowEntryAddr(&store.ProbeFlow{URL: tc.url, Host: tc.host})
			assert.Equal(t, tc.wantScheme, scheme)
			assert.Equal(t, tc.wantHost, host)
			assert.Equal(t, tc.wantPort, port)
		})
	}
}

func TestHeaderLinesToMap(t *testing.T) {
	t.Parallel()

	t.Run("basic", func(t *testing.T) {
		m := headerLinesToMap([]string{"X-One: 1", "X-Two: 2"})
		assert.Equal(t, map[string]string{"X-One": "1", "X-Two": "2"}, m)
	})

	t.Run("empty_returns_nil", func(t *testing.T) {
		assert.Nil(t, headerLinesToMap(nil))
	})

	t.Run("malformed_line_skipped", func(t *testing.T) {
		m := headerLinesToMap([]string{"no-colon-here", "X-Ok: yes"})
		assert.Equal(t, map[string]string{"X-Ok": "yes"}, m)
	})

	t.Run("later_duplicate_wins", func(t *testing.T) {
		m := headerLinesToMap([]string{"X-Dup: first", "X-Dup: second"})
		assert.Equal(t, map[string]string{"X-Dup": "second"}, m)
	})
}

func TestMCP_ProbeSendTruncation(t *testing.T) {
	t.Parallel()

	_, mcpClient, _ := setupMCPServer(t)

	big := strings.Repeat("A", 4096)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(big))
	}))
	t.Cleanup(ts.Close)

	resp := probeSend(t, mcpClient, map[string]interface{}{
		"url":            ts.URL,
		"max_body_bytes": 1024,
	})
	require.NotEmpty(t, resp.FlowID)

	got := testutil.CallMCPToolJSON[protocol.ProbeGetResponse](t, mcpClient, "probe_get", map[string]interface{}{
		"flow_id": resp.FlowID,
	})
	assert.True(t, got.Truncated)
	assert.Equal(t, 4096, got.RespSize)
}
