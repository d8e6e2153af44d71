package service

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/probetools/probekit/protocol"
	"github.com/go-appsec/probetools/probekit/service/store"
)

func (m *mcpServer) scanCreateTool() mcp.Tool {
	return mcp.NewTool("scan_create",
		mcp.WithDescription(`Start a new scan session.

Discovers pages and links by following same-site references from seed URLs.
Session runs asynchronously; use scan_status to monitor progress and
scan_pages to inspect captured page flows.

Scope: allowed domains derive from the seed URLs plus any explicit domains.
include_subdomains (default true) widens each domain to its subdomains.
discover_seeds additionally queries public sources for known URLs per domain.

Page requests share the cookie jar: use_cookies attaches stored cookies,
store_cookies ingests Set-Cookie responses (both default true).`),
		mcp.WithString("label", mcp.Description("Optional unique label for easy reference")),
		mcp.WithString("seed_urls", mcp.Description("Seed URLs, comma-separated or JSON array")),
		mcp.WithString("domains", mcp.Description("Additional allowed domains, comma-separated or JSON array")),
		mcp.WithBoolean("include_subdomains", mcp.Description("Allow subdomains of scoped domains (default: true)")),
		mcp.WithBoolean("discover_seeds", mcp.Description("Discover extra seeds from public URL sources (default: false)")),
		mcp.WithNumber("max_depth", mcp.Description("Maximum link depth from seeds (default: from config)")),
		mcp.WithNumber("max_pages", mcp.Description("Maximum pages to fetch (default: from config)")),
		mcp.WithString("delay", mcp.Description("Per-host delay between requests (e.g., '200ms', '1s')")),
		mcp.WithNumber("parallelism", mcp.Description("Concurrent fetches per host (default: from config)")),
		mcp.WithObject("headers", mcp.Description("Extra headers as object {\"Name\": \"Value\"} or array [\"Name: Value\"]")),
		mcp.WithBoolean("use_cookies", mcp.Description("Attach stored cookies to page requests (default: true)")),
		mcp.WithBoolean("store_cookies", mcp.Description("Store page Set-Cookie headers in the jar (default: true)")),
	)
}

func (m *mcpServer) handleScanCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seeds := parseStringList(req.GetString("seed_urls", ""))
	domains := parseStringList(req.GetString("domains", ""))

	discoverSeeds := req.GetBool("discover_seeds", false)
	if len(seeds) == 0 && !(discoverSeeds && len(domains) > 0) {
		return errorResult("at least one seed_url is required (or set discover_seeds with domains)"), nil
	}

	var delay time.Duration
	if delayStr := req.GetString("delay", ""); delayStr != "" {
		parsed, err := time.ParseDuration(delayStr)
		if err != nil {
			return errorResult("invalid delay: " + err.Error()), nil
		}
		delay = parsed
	}

	var headers map[string]string
	if args := req.GetArguments(); args != nil {
		headers = headerLinesToMap(parseHeaderArg(args["headers"]))
	}

	opts := ScanOptions{
		Label:             req.GetString("label", ""),
		Seeds:             seeds,
		Domains:           domains,
		IncludeSubdomains: req.GetBool("include_subdomains", true),
		DiscoverSeeds:     discoverSeeds,
		MaxDepth:          req.GetInt("max_depth", 0),
		MaxPages:          req.GetInt("max_pages", 0),
		Delay:             delay,
		Parallelism:       req.GetInt("parallelism", 0),
		Headers:           headers,
		UseCookies:        req.GetBool("use_cookies", true),
		StoreCookies:      req.GetBool("store_cookies", true),
	}

	sess, err := m.service.scanBackend.CreateSession(ctx, opts)
	if err != nil {
		if errors.Is(err, ErrLabelExists) {
			return errorResult(err.Error()), nil
		}
		return errorResultFromErr("failed to create scan session: ", err), nil
	}

	log.Printf("scan/create: session %s label=%q seeds=%d", sess.ID, sess.Label, sess.SeedCount)
	return jsonResult(protocol.ScanCreateResponse{
		ScanID:    sess.ID,
		Label:     sess.Label,
		State:     sess.State,
		SeedCount: sess.SeedCount,
		CreatedAt: sess.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (m *mcpServer) scanStatusTool() mcp.Tool {
	return mcp.NewTool("scan_status",
		mcp.WithDescription(`Get status of a scan session.

Returns progress metrics including pages visited, queued, errored, and
links discovered.`),
		mcp.WithString("scan_id", mcp.Required(), mcp.Description("Scan ID or label")),
	)
}

func (m *mcpServer) handleScanStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scanID := req.GetString("scan_id", "")
	if scanID == "" {
		return errorResult("scan_id is required"), nil
	}

	status, err := m.service.scanBackend.GetStatus(ctx, scanID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errorResult("scan session not found"), nil
		}
		return errorResultFromErr("failed to get status: ", err), nil
	}

	log.Printf("scan/status: session %s state=%s visited=%d queued=%d errors=%d", status.ID, status.State, status.PagesVisited, status.PagesQueued, status.PagesErrored)
	return jsonResult(scanStatusToAPI(status))
}

func scanStatusToAPI(status *ScanStatus) protocol.ScanStatusResponse {
	return protocol.ScanStatusResponse{
		ScanID:          status.ID,
		State:           status.State,
		PagesVisited:    status.PagesVisited,
		PagesQueued:     status.PagesQueued,
		PagesErrored:    status.PagesErrored,
		LinksDiscovered: status.LinksDiscovered,
		Duration:        status.Duration.Round(time.Millisecond).String(),
		LastActivity:    status.LastActivity.UTC().Format(time.RFC3339),
		ErrorMessage:    status.ErrorMessage,
	}
}

func (m *mcpServer) scanPagesTool() mcp.Tool {
	return mcp.NewTool("scan_pages",
		mcp.WithDescription(`Query pages captured by a scan session: summary (default), flows, or errors.

Output modes:
- "summary" (default): Returns pages grouped by (host, path, method, status). Path patterns replace numeric IDs and UUIDs with * for grouping.
- "flows": Returns individual page flows with flow_id for use with probe_get.
- "errors": Returns page fetch failures.

Filters apply to summary and flows modes: host/path use glob (*, ?). method/status are comma-separated (status supports ranges like 2XX).
Incremental: since accepts flow_id or "last" (cursor). Flows mode only: pagination with limit/offset.`),
		mcp.WithString("scan_id", mcp.Required(), mcp.Description("Scan ID or label")),
		mcp.WithString("output_mode", mcp.Description("Output mode: 'summary' (default), 'flows', or 'errors'")),
		mcp.WithString("host", mcp.Description("Filter by host glob. *.example.com = subdomains only; *example.com = domain + subdomains")),
		mcp.WithString("path", mcp.Description("Filter by path+query glob pattern (e.g., '/api/*')")),
		mcp.WithString("method", mcp.Description("Filter by HTTP method(s), comma-separated")),
		mcp.WithString("status", mcp.Description("Filter by status code(s) or ranges (e.g., '200,404' or '2XX,4XX')")),
		mcp.WithString("since", mcp.Description("Flows after flow_id, or 'last' (cursor)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default: 100 for flows/errors)")),
		mcp.WithNumber("offset", mcp.Description("Flows mode: skip first N results (applied after filtering)")),
	)
}

func (m *mcpServer) handleScanPages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scanID := req.GetString("scan_id", "")
	if scanID == "" {
		return errorResult("scan_id is required"), nil
	}

	outputMode := req.GetString("output_mode", "summary")
	limit := req.GetInt("limit", 100)

	// Resolve label references and confirm the session exists up front.
	status, err := m.service.scanBackend.GetStatus(ctx, scanID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errorResult("scan session not found"), nil
		}
		return errorResultFromErr("failed to get status: ", err), nil
	}

	if outputMode == OutputModeErrors {
		errs, err := m.service.scanBackend.ListErrors(ctx, status.ID, limit)
		if err != nil {
			return errorResultFromErr("failed to list errors: ", err), nil
		}

		apiErrors := make([]protocol.ScanError, 0, len(errs))
		for _, e := range errs {
			apiErrors = append(apiErrors, protocol.ScanError{
				URL:    e.URL,
				Status: e.Status,
				Error:  e.Error,
			})
		}
		log.Printf("scan/pages: session %s %d errors (limit=%d)", status.ID, len(errs), limit)
		return jsonResult(protocol.ScanPollResponse{ScanID: status.ID, State: status.State, Errors: apiErrors})
	}

	listReq := &flowListRequest{
		Host:   req.GetString("host", ""),
		Path:   req.GetString("path", ""),
		Method: req.GetString("method", ""),
		Status: req.GetString("status", ""),
		Source: store.SourceScanPrefix + status.ID,
		Since:  req.GetString("since", ""),
	}

	filtered, errResult := m.listFlows(listReq)
	if errResult != nil {
		return errResult, nil
	}

	switch outputMode {
	case OutputModeFlows:
		offset := req.GetInt("offset", 0)
		if offset > 0 && offset < len(filtered) {
			filtered = filtered[offset:]
		} else if offset >= len(filtered) {
			filtered = nil
		}
		if limit > 0 && len(filtered) > limit {
			filtered = filtered[:limit]
		}

		flows := flowsToAPI(filtered)
		log.Printf("scan/pages: session %s %d flows (limit=%d)", status.ID, len(flows), limit)

		if len(flows) > 0 {
			m.service.lastFlowID.Store(flows[0].FlowID)
		}
		return jsonResult(protocol.ScanPollResponse{
			ScanID:   status.ID,
			State:    status.State,
			Duration: status.Duration.Round(time.Millisecond).String(),
			Flows:    flows,
		})

	default: // summary
		agg := aggregateByTuple(filtered, func(f *store.ProbeFlow) (string, string, string, int) {
			return f.Host, f.Path, f.Method, f.Status
		})
		log.Printf("scan/pages: session %s %d aggregates from %d flows", status.ID, len(agg), len(filtered))
		return jsonResult(protocol.ScanPollResponse{
			ScanID:     status.ID,
			State:      status.State,
			Duration:   status.Duration.Round(time.Millisecond).String(),
			Aggregates: agg,
		})
	}
}

func (m *mcpServer) scanStopTool() mcp.Tool {
	return mcp.NewTool("scan_stop",
		mcp.WithDescription(`Stop a running scan session.

In-flight page requests are abandoned. Captured flows remain available
through scan_pages.`),
		mcp.WithString("scan_id", mcp.Required(), mcp.Description("Scan ID or label")),
	)
}

func (m *mcpServer) handleScanStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scanID := req.GetString("scan_id", "")
	if scanID == "" {
		return errorResult("scan_id is required"), nil
	}

	status, err := m.service.scanBackend.StopSession(ctx, scanID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errorResult("scan session not found"), nil
		}
		return errorResultFromErr("failed to stop session: ", err), nil
	}

	log.Printf("scan/stop: stopped session %s state=%s", status.ID, status.State)
	return jsonResult(protocol.ScanStopResponse{ScanID: status.ID, State: status.State})
}

func (m *mcpServer) scanListTool() mcp.Tool {
	return mcp.NewTool("scan_list",
		mcp.WithDescription(`List all scan sessions.

Returns sessions ordered by creation time (most recent first).`),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions to return (0 = all)")),
	)
}

func (m *mcpServer) handleScanList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 0)

	sessions, err := m.service.scanBackend.ListSessions(ctx, limit)
	if err != nil {
		return errorResultFromErr("failed to list sessions: ", err), nil
	}

	apiSessions := make([]protocol.ScanSession, 0, len(sessions))
	for _, sess := range sessions {
		apiSessions = append(apiSessions, protocol.ScanSession{
			ScanID:    sess.ID,
			Label:     sess.Label,
			State:     sess.State,
			CreatedAt: sess.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	log.Printf("scan/list: %d sessions (limit=%d)", len(apiSessions), limit)
	return jsonResult(protocol.ScanSessionsResponse{Sessions: apiSessions})
}

// headerLinesToMap converts "Name: Value" lines into a header map.
// Later duplicates of a name win.
func headerLinesToMap(lines []string) map[string]string {
	if len(lines) == 0 {
		return nil
	}
	headers := make(map[string]string, len(lines))
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers
}
