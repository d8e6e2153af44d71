package service

import (
	"context"
	"encoding/base64"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/probetools/probekit/protocol"
	"github.com/go-appsec/probetools/probekit/service/store"
	"github.com/go-appsec/probetools/probekit/util"
)

// maxProbeTimeout caps per-request timeout overrides.
const maxProbeTimeout = 120 * time.Second

func (m *mcpServer) probeSendTool() mcp.Tool {
	return mcp.NewTool("probe_send",
		mcp.WithDescription(`Send an HTTP request and record it as a flow.

Returns: flow_id, status, headers, response_preview. Full body via probe_get.

Cookie handling:
- use_cookies (default true): attach stored cookies for the target origin
- store_cookies (default true): ingest response Set-Cookie headers into the jar
- An explicit Cookie header always wins over the jar.

Options:
- http2: force HTTP/2 (requires an https URL)
- follow_redirects: follow up to 10 redirects; Set-Cookie on intermediate hops is still ingested
- timeout: per-request override (e.g. '5s', max 120s)`),
		mcp.WithString("url", mcp.Required(), mcp.Description("Target URL (e.g., 'https://api.example.com/users'); scheme defaults to https")),
		mcp.WithString("method", mcp.Description("HTTP method (default: GET)")),
		mcp.WithObject("headers", mcp.Description("Headers as object {\"Name\": \"Value\"} or array [\"Name: Value\"]")),
		mcp.WithString("body", mcp.Description("Request body content")),
		mcp.WithString("timeout", mcp.Description("Request timeout (e.g. '5s', max 120s; default from config)")),
		mcp.WithBoolean("http2", mcp.Description("Force HTTP/2 transport (default: false)")),
		mcp.WithBoolean("use_cookies", mcp.Description("Attach stored cookies for the target origin (default: true)")),
		mcp.WithBoolean("store_cookies", mcp.Description("Store response Set-Cookie headers in the jar (default: true)")),
		mcp.WithBoolean("follow_redirects", mcp.Description("Follow HTTP redirects (default: from config)")),
		mcp.WithNumber("max_body_bytes", mcp.Description("Response capture limit in bytes (default: from config)")),
	)
}

func (m *mcpServer) probeGetTool() mcp.Tool {
	return mcp.NewTool("probe_get",
		mcp.WithDescription(`Get full request and response for a recorded flow.

Returns headers and body for both request and response. Compressed response
bodies are decompressed for display (gzip, deflate, br, zstd). Binary bodies
are returned as "<BINARY:N Bytes>" placeholder.
Works with flow_id from probe_send, probe_list, or scan_pages.`),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("Flow identifier")),
	)
}

func (m *mcpServer) probeListTool() mcp.Tool {
	return mcp.NewTool("probe_list",
		mcp.WithDescription(`Query recorded flows: summary (default) or flows mode.

Output modes:
- "summary" (default): Returns traffic grouped by (host, path, method, status). Path patterns replace numeric IDs and UUIDs with * for grouping. Use first to understand available traffic.
- "flows": Returns individual flows with flow_id for use with probe_get. Requires at least one filter or limit.

Sources: probe_send flows carry source=probe; scan page flows carry source=scan:<scan_id>.
Filters: host/path use glob (*, ?). method/status are comma-separated (status supports ranges like 2XX). source is a prefix match ('scan:' matches every scan).
Incremental: since accepts flow_id or "last" (cursor). Flows mode only: pagination with limit/offset.`),
		mcp.WithString("output_mode", mcp.Description("Output mode: 'summary' (default) or 'flows'")),
		mcp.WithString("host", mcp.Description("Filter by host glob. *.example.com = subdomains only; *example.com = domain + subdomains. Non-default ports appear as host:port")),
		mcp.WithString("path", mcp.Description("Filter by path+query (glob pattern, e.g., '/api/*')")),
		mcp.WithString("method", mcp.Description("Filter by HTTP method(s), comma-separated (e.g., 'GET,POST')")),
		mcp.WithString("status", mcp.Description("Filter by status code(s) or ranges (e.g., '200,302' or '2XX,4XX')")),
		mcp.WithString("source", mcp.Description("Filter by source prefix: 'probe', 'scan:', or 'scan:<scan_id>'")),
		mcp.WithString("since", mcp.Description("Flows after flow_id, or 'last' (cursor)")),
		mcp.WithNumber("limit", mcp.Description("Flows mode: max results to return")),
		mcp.WithNumber("offset", mcp.Description("Flows mode: skip first N results (applied after filtering)")),
	)
}

func (m *mcpServer) handleProbeSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	urlStr := req.GetString("url", "")
	if urlStr == "" {
		return errorResult("url is required"), nil
	}
	parsedURL, err := parseURLWithDefaultHTTPS(urlStr)
	if err != nil {
		return errorResult("invalid URL: " + err.Error()), nil
	}

	var timeout time.Duration
	if timeoutStr := req.GetString("timeout", ""); timeoutStr != "" {
		parsed, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return errorResult("invalid timeout: " + err.Error()), nil
		}
		timeout = parsed
	}
	if timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}

	var headers []string
	if args := req.GetArguments(); args != nil {
		headers = parseHeaderArg(args["headers"])
	}

	sendReq := ProbeRequest{
		Method:          req.GetString("method", ""),
		URL:             parsedURL.String(),
		Headers:         headers,
		Body:            []byte(req.GetString("body", "")),
		Timeout:         timeout,
		HTTP2:           req.GetBool("http2", false),
		UseCookies:      req.GetBool("use_cookies", true),
		StoreCookies:    req.GetBool("store_cookies", true),
		FollowRedirects: req.GetBool("follow_redirects", m.service.cfg.Probe.FollowRedirects),
		MaxBodyBytes:    int64(req.GetInt("max_body_bytes", 0)),
	}

	flow, err := m.service.probeBackend.Send(ctx, sendReq)
	if err != nil {
		return errorResultFromErr("request failed: ", err), nil
	}

	log.Printf("probe/send: %s completed in %v (status=%d, size=%d)", flow.FlowID, flow.Duration, flow.Status, flow.ContentLength)

	displayBody, _ := decompressForDisplay(flow.RespBody, string(flow.RespHeaders))
	return jsonResult(protocol.ProbeSendResponse{
		FlowID:           flow.FlowID,
		Duration:         flow.Duration.Round(time.Millisecond).String(),
		HTTPVersion:      flow.Protocol,
		RepeatOf:         flow.RepeatOf,
		CookiesApplied:   flow.CookiesSent,
		SetCookiesStored: flow.CookiesStored,
		ResponseDetails: protocol.ResponseDetails{
			Status:      flow.Status,
			StatusLine:  formatStatusLine(flow.Protocol, flow.Status),
			RespHeaders: string(flow.RespHeaders),
			RespSize:    int(flow.ContentLength),
			RespPreview: previewBody(displayBody, responsePreviewSize),
		},
	})
}

func (m *mcpServer) handleProbeGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID := req.GetString("flow_id", "")
	if flowID == "" {
		return errorResult("flow_id is required"), nil
	}

	// Hidden parameter for CLI: returns full base64-encoded bodies instead of previews
	fullBody := req.GetBool("full_body", false)

	flow, ok := m.service.flows.Get(flowID)
	if !ok {
		return errorResult("flow not found: run probe_list to see available flows"), nil
	}

	log.Printf("probe/get: flow=%s method=%s url=%s source=%s", flowID, flow.Method, flow.URL, flow.Source)

	displayReqBody, _ := decompressForDisplay(flow.ReqBody, string(flow.ReqHeaders))
	displayRespBody, _ := decompressForDisplay(flow.RespBody, string(flow.RespHeaders))

	var reqBodyStr, respBodyStr string
	if fullBody {
		reqBodyStr = base64.StdEncoding.EncodeToString(displayReqBody)
		respBodyStr = base64.StdEncoding.EncodeToString(displayRespBody)
	} else {
		reqBodyStr = previewBody(displayReqBody, fullBodyMaxSize)
		respBodyStr = previewBody(displayRespBody, fullBodyMaxSize)
	}

	return jsonResult(protocol.ProbeGetResponse{
		FlowID:            flow.FlowID,
		Method:            flow.Method,
		URL:               flow.URL,
		Source:            flow.Source,
		CreatedAt:         flow.CreatedAt.UTC().Format(time.RFC3339),
		Duration:          flow.Duration.Round(time.Millisecond).String(),
		RepeatOf:          flow.RepeatOf,
		ReqHeaders:        string(flow.ReqHeaders),
		ReqHeadersParsed:  headersToMap(string(flow.ReqHeaders)),
		ReqBody:           reqBodyStr,
		ReqSize:           len(flow.ReqBody),
		Status:            flow.Status,
		StatusLine:        formatStatusLine(flow.Protocol, flow.Status),
		RespHeaders:       string(flow.RespHeaders),
		RespHeadersParsed: headersToMap(string(flow.RespHeaders)),
		RespBody:          respBodyStr,
		RespSize:          int(flow.ContentLength),
		Truncated:         flow.RespTruncated,
		ContentType:       flow.ContentType,
	})
}

// flowListRequest holds parsed probe_list / scan_pages filters.
type flowListRequest struct {
	Host   string
	Path   string
	Method string
	Status string
	Source string
	Since  string
	Limit  int
	Offset int
}

// HasFilters reports whether any filter or limit is set.
func (r *flowListRequest) HasFilters() bool {
	return r.Host != "" || r.Path != "" || r.Method != "" || r.Status != "" ||
		r.Source != "" || r.Since != "" || r.Limit > 0
}

func (m *mcpServer) handleProbeList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	outputMode := req.GetString("output_mode", "summary")

	listReq := &flowListRequest{
		Host:   req.GetString("host", ""),
		Path:   req.GetString("path", ""),
		Method: req.GetString("method", ""),
		Status: req.GetString("status", ""),
		Source: req.GetString("source", ""),
		Since:  req.GetString("since", ""),
		Limit:  req.GetInt("limit", 0),
		Offset: req.GetInt("offset", 0),
	}

	// Flows mode requires at least one filter
	if outputMode == OutputModeFlows && !listReq.HasFilters() {
		return errorResult("flows mode requires at least one filter or limit; use output_mode=summary first to see available traffic"), nil
	}

	filtered, errResult := m.listFlows(listReq)
	if errResult != nil {
		return errResult, nil
	}

	switch outputMode {
	case OutputModeFlows:
		// Apply offset after filtering
		if listReq.Offset > 0 && listReq.Offset < len(filtered) {
			filtered = filtered[listReq.Offset:]
		} else if listReq.Offset >= len(filtered) {
			filtered = nil
		}
		if listReq.Limit > 0 && len(filtered) > listReq.Limit {
			filtered = filtered[:listReq.Limit]
		}

		flows := flowsToAPI(filtered)
		log.Printf("probe/list: %d flows (host=%q path=%q method=%q status=%q source=%q)", len(flows), listReq.Host, listReq.Path, listReq.Method, listReq.Status, listReq.Source)

		// Update tracking for "since=last" cursor. Lists are newest first.
		if len(flows) > 0 {
			m.service.lastFlowID.Store(flows[0].FlowID)
		}
		return jsonResult(&protocol.ProbePollResponse{Flows: flows})

	default: // summary
		agg := aggregateByTuple(filtered, func(f *store.ProbeFlow) (string, string, string, int) {
			return f.Host, f.Path, f.Method, f.Status
		})
		log.Printf("probe/list: %d aggregates from %d flows (host=%q path=%q method=%q status=%q source=%q)", len(agg), len(filtered), listReq.Host, listReq.Path, listReq.Method, listReq.Status, listReq.Source)
		return jsonResult(&protocol.ProbePollResponse{Aggregates: agg})
	}
}

// listFlows fetches and filters flows for probe_list and scan_pages.
// Exact filters push down to the store; glob, method, and since filters
// apply here. Results are newest first.
func (m *mcpServer) listFlows(req *flowListRequest) ([]*store.ProbeFlow, *mcp.CallToolResult) {
	statuses := parseStatusFilter(req.Status)

	opts := store.FlowListOptions{Source: req.Source}
	if req.Host != "" && !hasGlobMeta(req.Host) {
		opts.Host = req.Host
	}
	if minStatus, maxStatus, ok := statuses.SingleRange(); ok {
		opts.MinStatus = minStatus
		opts.MaxStatus = maxStatus
	}

	flows := m.service.flows.List(opts)

	var sinceCreated time.Time
	var hasSince bool
	if req.Since != "" {
		sinceID := req.Since
		if sinceID == "last" {
			if v := m.service.lastFlowID.Load(); v != nil {
				sinceID = v.(string)
			} else {
				sinceID = ""
			}
		}
		if sinceID != "" {
			sinceFlow, ok := m.service.flows.Get(sinceID)
			if !ok {
				return nil, errorResult("since flow_id not found: " + sinceID)
			}
			sinceCreated = sinceFlow.CreatedAt
			hasSince = true
		}
	}

	methods := parseCommaSeparated(strings.ToUpper(req.Method))

	result := flows[:0]
	for _, f := range flows {
		if hasSince && !f.CreatedAt.After(sinceCreated) {
			continue
		}
		if len(methods) > 0 && !containsString(methods, f.Method) {
			continue
		} else if !statuses.Empty() && !statuses.Matches(f.Status) {
			continue
		} else if req.Host != "" && hasGlobMeta(req.Host) && !matchesGlob(f.Host, req.Host) {
			continue
		} else if req.Path != "" && !matchesGlob(f.Path, req.Path) {
			continue
		}
		result = append(result, f)
	}
	return result, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// flowsToAPI converts stored flows to list entries, newest first.
func flowsToAPI(flows []*store.ProbeFlow) []protocol.FlowEntry {
	entries := make([]protocol.FlowEntry, 0, len(flows))
	for _, f := range flows {
		scheme, host, port := flowEntryAddr(f)
		entries = append(entries, protocol.FlowEntry{
			FlowID:         f.FlowID,
			Method:         f.Method,
			Scheme:         scheme,
			Host:           host,
			Port:           port,
			Path:           util.TruncateString(f.Path, maxPathLength),
			Status:         f.Status,
			ResponseLength: int(f.ContentLength),
			Source:         f.Source,
			RepeatOf:       f.RepeatOf,
		})
	}
	return entries
}

// flowEntryAddr splits a recorded flow URL into scheme, hostname, and port
// for display. Port is zero when it matches the scheme default.
func flowEntryAddr(f *store.ProbeFlow) (string, string, int) {
	u, err := url.Parse(f.URL)
	if err != nil {
		return schemeHTTP, f.Host, 0
	}
	scheme, host := u.Scheme, u.Hostname()
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			if !(scheme == schemeHTTP && n == 80) && !(scheme == schemeHTTPS && n == 443) {
				return scheme, host, n
			}
		}
	}
	return scheme, host, 0
}
