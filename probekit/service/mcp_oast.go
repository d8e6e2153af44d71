package service

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/probetools/probekit/protocol"
)

// Long-poll bounds for oast_poll.
const (
	defaultOastWait = 30 * time.Second
	maxOastWait     = 120 * time.Second
)

func (m *mcpServer) oastCreateTool() mcp.Tool {
	return mcp.NewTool("oast_create",
		mcp.WithDescription(`Create OAST (Out-of-Band Application Security Testing) session.

Returns {oast_id, domain} for blind out-of-band detection (DNS/HTTP/SMTP).
Workflow: create -> inject domain in payload -> trigger target -> oast_poll.
Use cases: blind SSRF, blind XXE, DNS exfiltration, email verification bypass.`),
		mcp.WithString("label", mcp.Description("Optional unique label for this session")),
	)
}

func (m *mcpServer) oastPollTool() mcp.Tool {
	return mcp.NewTool("oast_poll",
		mcp.WithDescription(`Poll for OAST interaction events: summary (default) or events mode.

Output modes:
- "summary" (default): Returns events aggregated by (type, subdomain), sorted by count descending.
- "events": Returns individual events with full protocol details (HTTP request/response, DNS query type, SMTP envelope).

Options:
- Default: long-poll for 30s
- Custom: set wait (e.g., '60s', max 120s)
- Immediate: set wait to '0s'
- Incremental: use since parameter, accepts event_id or "last"
- Filter by type: dns, http, smtp

Response includes events/aggregates and optional dropped_count when the
session buffer overflowed.`),
		mcp.WithString("oast_id", mcp.Required(), mcp.Description("OAST session ID, label, or domain")),
		mcp.WithString("output_mode", mcp.Description("Output mode: 'summary' (default) or 'events'")),
		mcp.WithString("since", mcp.Description("event_id or 'last' (per-session cursor)")),
		mcp.WithString("type", mcp.Description("Filter by event type: dns, http, smtp")),
		mcp.WithString("wait", mcp.Description("Long-poll duration (default '30s', max 120s, '0s' to disable)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of events to return")),
	)
}

func (m *mcpServer) oastListTool() mcp.Tool {
	return mcp.NewTool("oast_list",
		mcp.WithDescription("List active OAST sessions."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions to return")),
	)
}

func (m *mcpServer) oastDeleteTool() mcp.Tool {
	return mcp.NewTool("oast_delete",
		mcp.WithDescription("Delete an OAST session and stop monitoring its domain."),
		mcp.WithString("oast_id", mcp.Required(), mcp.Description("OAST session ID, label, or domain")),
	)
}

func (m *mcpServer) handleOastCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	label := req.GetString("label", "")

	sess, err := m.service.oastBackend.CreateSession(ctx, label)
	if err != nil {
		if errors.Is(err, ErrLabelExists) {
			return errorResult(err.Error()), nil
		}
		return errorResultFromErr("failed to create OAST session: ", err), nil
	}

	log.Printf("oast/create: created session %s with domain %s (label=%q)", sess.ID, sess.Domain, sess.Label)
	return jsonResult(protocol.OastCreateResponse{
		OastID: sess.ID,
		Domain: sess.Domain,
		Label:  sess.Label,
	})
}

func (m *mcpServer) handleOastPoll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	oastID := req.GetString("oast_id", "")
	if oastID == "" {
		return errorResult("oast_id is required"), nil
	}

	outputMode := req.GetString("output_mode", "summary")

	wait := defaultOastWait
	if waitStr := req.GetString("wait", ""); waitStr != "" {
		parsed, err := time.ParseDuration(waitStr)
		if err != nil {
			return errorResult("invalid wait duration: " + err.Error()), nil
		}
		wait = parsed
	}
	if wait > maxOastWait {
		wait = maxOastWait
	}

	since := req.GetString("since", "")
	eventType := strings.ToLower(req.GetString("type", ""))
	limit := req.GetInt("limit", 0)

	log.Printf("oast/poll: mode=%s session=%s (wait=%v since=%q type=%q limit=%d)", outputMode, oastID, wait, since, eventType, limit)

	result, err := m.service.oastBackend.PollSession(ctx, oastID, since, eventType, wait, limit)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errorResult("OAST session not found"), nil
		}
		return errorResultFromErr("failed to poll session: ", err), nil
	}

	switch outputMode {
	case OutputModeEvents:
		events := make([]protocol.OastEvent, len(result.Events))
		for i, e := range result.Events {
			events[i] = protocol.OastEvent{
				EventID:   e.ID,
				Time:      e.Time.UTC().Format(time.RFC3339),
				Type:      e.Type,
				SourceIP:  e.SourceIP,
				Subdomain: e.Subdomain,
				Details:   e.Details,
			}
		}

		log.Printf("oast/poll: session %s returned %d events", oastID, len(events))
		return jsonResult(protocol.OastPollResponse{
			Events:       events,
			DroppedCount: result.DroppedCount,
		})

	default: // summary
		agg := aggregateOastEvents(result.Events)
		log.Printf("oast/poll: session %s returned %d aggregates from %d events", oastID, len(agg), len(result.Events))
		return jsonResult(protocol.OastPollResponse{
			Aggregates:   agg,
			DroppedCount: result.DroppedCount,
		})
	}
}

// aggregateOastEvents aggregates OAST events by (type, subdomain).
func aggregateOastEvents(events []OastEventInfo) []protocol.OastSummaryEntry {
	type key struct {
		eventType string
		subdomain string
	}
	counts := make(map[key]int)

	for _, e := range events {
		counts[key{eventType: e.Type, subdomain: e.Subdomain}]++
	}

	result := make([]protocol.OastSummaryEntry, 0, len(counts))
	for k, count := range counts {
		result = append(result, protocol.OastSummaryEntry{
			Type:      k.eventType,
			Subdomain: k.subdomain,
			Count:     count,
		})
	}

	// Sort by count descending, then type and subdomain for stable output
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		if result[i].Type != result[j].Type {
			return result[i].Type < result[j].Type
		}
		return result[i].Subdomain < result[j].Subdomain
	})

	return result
}

func (m *mcpServer) handleOastList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 0)

	sessions, err := m.service.oastBackend.ListSessions(ctx)
	if err != nil {
		return errorResultFromErr("failed to list OAST sessions: ", err), nil
	}

	// Sort by creation time descending (most recent first)
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}

	apiSessions := make([]protocol.OastSession, len(sessions))
	for i, sess := range sessions {
		apiSessions[i] = protocol.OastSession{
			OastID:    sess.ID,
			Domain:    sess.Domain,
			Label:     sess.Label,
			CreatedAt: sess.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	log.Printf("oast/list: returning %d active sessions", len(apiSessions))
	return jsonResult(&protocol.OastListResponse{Sessions: apiSessions})
}

func (m *mcpServer) handleOastDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	oastID := req.GetString("oast_id", "")
	if oastID == "" {
		return errorResult("oast_id is required"), nil
	}

	if err := m.service.oastBackend.DeleteSession(ctx, oastID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return errorResult("OAST session not found"), nil
		}
		return errorResultFromErr("failed to delete session: ", err), nil
	}

	log.Printf("oast/delete: deleted session %s", oastID)
	return jsonResult(protocol.OastDeleteResponse{OastID: oastID, Status: "deleted"})
}
