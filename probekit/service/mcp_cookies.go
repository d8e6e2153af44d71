package service

import (
	"context"
	"log"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/probetools/probekit/jwt"
	"github.com/go-appsec/probetools/probekit/protocol"
)

func (m *mcpServer) cookieJarTool() mcp.Tool {
	return mcp.NewTool("cookie_jar",
		mcp.WithDescription(`Inspect cookies stored by probe and scan traffic.

Cookies are kept as opaque name=value pairs per origin host; attributes
(Secure, HttpOnly, Expires, ...) are not retained. The domains count always
reflects the whole jar, independent of filters.
Without filters: overview only (no values). With name or domain filter:
includes full values and auto-decoded JWT claims.`),
		mcp.WithString("name", mcp.Description("Filter by cookie name (exact match); enables value and JWT decode in response")),
		mcp.WithString("domain", mcp.Description("Filter by origin host (matches host and subdomains); enables value and JWT decode in response")),
	)
}

func (m *mcpServer) handleCookieJar(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nameFilter := req.GetString("name", "")
	domainFilter := req.GetString("domain", "")
	// Detail mode: include values and JWT decode when any filter is applied
	detailMode := nameFilter != "" || domainFilter != ""

	snapshot := m.service.jar.Snapshot()

	var cookies []protocol.CookieEntry
	for domain, serialized := range snapshot {
		if domainFilter != "" && !matchesCookieDomain(domain, domainFilter) {
			continue
		}
		for _, pair := range strings.Split(serialized, "; ") {
			name, value, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			if nameFilter != "" && name != nameFilter {
				continue
			}

			entry := protocol.CookieEntry{Name: name, Domain: domain}
			if detailMode {
				entry.Value = value
				if strings.HasPrefix(value, "eyJ") {
					entry.Decoded, _ = jwt.DecodeJWT(value)
				}
			}
			cookies = append(cookies, entry)
		}
	}

	// Snapshot iteration order is random; sort for stable output
	sort.Slice(cookies, func(i, j int) bool {
		if cookies[i].Domain != cookies[j].Domain {
			return cookies[i].Domain < cookies[j].Domain
		}
		return cookies[i].Name < cookies[j].Name
	})

	log.Printf("cookies/jar: %d cookies across %d domains (name=%q domain=%q)", len(cookies), len(snapshot), nameFilter, domainFilter)
	return jsonResult(&protocol.CookieJarResponse{Cookies: cookies, Domains: len(snapshot)})
}

func (m *mcpServer) cookieStatsTool() mcp.Tool {
	return mcp.NewTool("cookie_stats",
		mcp.WithDescription(`Get cookie jar statistics.

Returns the stored domain count, the capacity limit, the cumulative number
of lookups performed for outgoing requests (hits and misses), and a rough
memory estimate in KB.`),
	)
}

func (m *mcpServer) handleCookieStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := m.service.jar.Stats()

	log.Printf("cookies/stats: domains=%d/%d requests=%d mem=%.1fKB", stats.Domains, stats.MaxDomains, stats.RequestsProcessed, stats.MemoryEstimateKB)
	return jsonResult(protocol.CookieStatsResponse{
		Domains:           stats.Domains,
		MaxDomains:        stats.MaxDomains,
		RequestsProcessed: stats.RequestsProcessed,
		MemoryEstimateKB:  stats.MemoryEstimateKB,
	})
}

func (m *mcpServer) cookieClearTool() mcp.Tool {
	return mcp.NewTool("cookie_clear",
		mcp.WithDescription(`Clear all cookies from the jar.

Removes every stored domain. The requests_processed counter is unaffected;
use cookie_stats to confirm.`),
	)
}

func (m *mcpServer) handleCookieClear(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cleared := m.service.jar.Stats().Domains
	m.service.jar.Clear()

	log.Printf("cookies/clear: cleared %d domains", cleared)
	return jsonResult(protocol.CookieClearResponse{ClearedDomains: cleared})
}
