package mcpclient

import (
	"context"
	"strings"

	"github.com/go-appsec/probetools/probekit/protocol"
)

// ProbeSend calls probe_send and returns the recorded flow.
func (c *Client) ProbeSend(ctx context.Context, url string, opts ProbeSendOpts) (*protocol.ProbeSendResponse, error) {
	args := map[string]interface{}{
		"url": url,
	}
	if opts.Method != "" {
		args["method"] = opts.Method
	}
	if len(opts.Headers) > 0 {
		args["headers"] = opts.Headers
	}
	if opts.Body != "" {
		args["body"] = opts.Body
	}
	if opts.Timeout != "" {
		args["timeout"] = opts.Timeout
	}
	if opts.HTTP2 {
		args["http2"] = opts.HTTP2
	}
	if opts.NoCookies {
		args["use_cookies"] = false
	}
	if opts.NoStore {
		args["store_cookies"] = false
	}
	if opts.FollowRedirects != nil {
		args["follow_redirects"] = *opts.FollowRedirects
	}
	if opts.MaxBodyBytes > 0 {
		args["max_body_bytes"] = opts.MaxBodyBytes
	}

	var resp protocol.ProbeSendResponse
	if err := c.CallToolJSON(ctx, "probe_send", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProbeGet calls probe_get and returns full request/response data.
func (c *Client) ProbeGet(ctx context.Context, flowID string) (*protocol.ProbeGetResponse, error) {
	args := map[string]interface{}{"flow_id": flowID, "full_body": true}
	var resp protocol.ProbeGetResponse
	if err := c.CallToolJSON(ctx, "probe_get", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProbeList calls probe_list and returns summary aggregates or flows.
func (c *Client) ProbeList(ctx context.Context, opts ProbeListOpts) (*protocol.ProbePollResponse, error) {
	args := make(map[string]interface{})
	if opts.OutputMode != "" {
		args["output_mode"] = opts.OutputMode
	}
	if opts.Host != "" {
		args["host"] = opts.Host
	}
	if opts.Path != "" {
		args["path"] = opts.Path
	}
	if opts.Method != "" {
		args["method"] = opts.Method
	}
	if opts.Status != "" {
		args["status"] = opts.Status
	}
	if opts.Source != "" {
		args["source"] = opts.Source
	}
	if opts.Since != "" {
		args["since"] = opts.Since
	}
	if opts.Limit > 0 {
		args["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		args["offset"] = opts.Offset
	}

	var resp protocol.ProbePollResponse
	if err := c.CallToolJSON(ctx, "probe_list", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ScanCreate calls scan_create and returns the new session.
func (c *Client) ScanCreate(ctx context.Context, opts ScanCreateOpts) (*protocol.ScanCreateResponse, error) {
	args := make(map[string]interface{})
	if len(opts.SeedURLs) > 0 {
		args["seed_urls"] = strings.Join(opts.SeedURLs, ",")
	}
	if len(opts.Domains) > 0 {
		args["domains"] = strings.Join(opts.Domains, ",")
	}
	if opts.Label != "" {
		args["label"] = opts.Label
	}
	if opts.IncludeSubdomains != nil {
		args["include_subdomains"] = *opts.IncludeSubdomains
	}
	if opts.DiscoverSeeds {
		args["discover_seeds"] = opts.DiscoverSeeds
	}
	if opts.MaxDepth > 0 {
		args["max_depth"] = opts.MaxDepth
	}
	if opts.MaxPages > 0 {
		args["max_pages"] = opts.MaxPages
	}
	if opts.Delay != "" {
		args["delay"] = opts.Delay
	}
	if opts.Parallelism > 0 {
		args["parallelism"] = opts.Parallelism
	}
	if len(opts.Headers) > 0 {
		args["headers"] = opts.Headers
	}
	if opts.NoCookies {
		args["use_cookies"] = false
	}
	if opts.NoStore {
		args["store_cookies"] = false
	}

	var resp protocol.ScanCreateResponse
	if err := c.CallToolJSON(ctx, "scan_create", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ScanStatus calls scan_status and returns session progress.
func (c *Client) ScanStatus(ctx context.Context, scanID string) (*protocol.ScanStatusResponse, error) {
	var resp protocol.ScanStatusResponse
	if err := c.CallToolJSON(ctx, "scan_status", map[string]interface{}{"scan_id": scanID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ScanPages calls scan_pages and returns summary, flows, or errors.
func (c *Client) ScanPages(ctx context.Context, scanID string, opts ScanPagesOpts) (*protocol.ScanPollResponse, error) {
	args := map[string]interface{}{
		"scan_id": scanID,
	}
	if opts.OutputMode != "" {
		args["output_mode"] = opts.OutputMode
	}
	if opts.Host != "" {
		args["host"] = opts.Host
	}
	if opts.Path != "" {
		args["path"] = opts.Path
	}
	if opts.Method != "" {
		args["method"] = opts.Method
	}
	if opts.Status != "" {
		args["status"] = opts.Status
	}
	if opts.Since != "" {
		args["since"] = opts.Since
	}
	if opts.Limit > 0 {
		args["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		args["offset"] = opts.Offset
	}

	var resp protocol.ScanPollResponse
	if err := c.CallToolJSON(ctx, "scan_pages", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ScanStop calls scan_stop to stop a session.
func (c *Client) ScanStop(ctx context.Context, scanID string) error {
	_, err := c.CallTool(ctx, "scan_stop", map[string]interface{}{"scan_id": scanID})
	return err
}

// ScanList calls scan_list and returns all sessions.
func (c *Client) ScanList(ctx context.Context, limit int) (*protocol.ScanSessionsResponse, error) {
	args := make(map[string]interface{})
	if limit > 0 {
		args["limit"] = limit
	}

	var resp protocol.ScanSessionsResponse
	if err := c.CallToolJSON(ctx, "scan_list", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CookieJar calls cookie_jar and returns stored cookies. A name or domain
// filter switches the response to detail mode with values included.
func (c *Client) CookieJar(ctx context.Context, name, domain string) (*protocol.CookieJarResponse, error) {
	args := make(map[string]interface{})
	if name != "" {
		args["name"] = name
	}
	if domain != "" {
		args["domain"] = domain
	}

	var resp protocol.CookieJarResponse
	if err := c.CallToolJSON(ctx, "cookie_jar", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CookieStats calls cookie_stats and returns jar counters.
func (c *Client) CookieStats(ctx context.Context) (*protocol.CookieStatsResponse, error) {
	var resp protocol.CookieStatsResponse
	if err := c.CallToolJSON(ctx, "cookie_stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CookieClear calls cookie_clear and returns the cleared domain count.
func (c *Client) CookieClear(ctx context.Context) (*protocol.CookieClearResponse, error) {
	var resp protocol.CookieClearResponse
	if err := c.CallToolJSON(ctx, "cookie_clear", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OastCreate calls oast_create and returns the session.
func (c *Client) OastCreate(ctx context.Context, label string) (*protocol.OastCreateResponse, error) {
	args := make(map[string]interface{})
	if label != "" {
		args["label"] = label
	}

	var resp protocol.OastCreateResponse
	if err := c.CallToolJSON(ctx, "oast_create", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OastPoll calls oast_poll and returns summary or list of events.
func (c *Client) OastPoll(ctx context.Context, oastID string, opts OastPollOpts) (*protocol.OastPollResponse, error) {
	args := map[string]interface{}{
		"oast_id": oastID,
	}
	if opts.OutputMode != "" {
		args["output_mode"] = opts.OutputMode
	}
	if opts.Since != "" {
		args["since"] = opts.Since
	}
	if opts.Type != "" {
		args["type"] = opts.Type
	}
	if opts.Wait != "" {
		args["wait"] = opts.Wait
	}
	if opts.Limit > 0 {
		args["limit"] = opts.Limit
	}

	var resp protocol.OastPollResponse
	if err := c.CallToolJSON(ctx, "oast_poll", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OastList calls oast_list and returns sessions.
func (c *Client) OastList(ctx context.Context, limit int) (*protocol.OastListResponse, error) {
	args := make(map[string]interface{})
	if limit > 0 {
		args["limit"] = limit
	}

	var resp protocol.OastListResponse
	if err := c.CallToolJSON(ctx, "oast_list", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OastDelete calls oast_delete.
func (c *Client) OastDelete(ctx context.Context, oastID string) error {
	_, err := c.CallTool(ctx, "oast_delete", map[string]interface{}{"oast_id": oastID})
	return err
}
