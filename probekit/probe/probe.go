package probe

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/go-appsec/probetools/probekit/cliutil"
	"github.com/go-appsec/probetools/probekit/mcpclient"
	"github.com/go-appsec/probetools/probekit/protocol"
)

func send(mcpURL string, timeout time.Duration, urlArg, bodyPath string, opts mcpclient.ProbeSendOpts) error {
	if bodyPath != "" {
		body, err := readBodyFile(bodyPath)
		if err != nil {
			return err
		}
		opts.Body = string(body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.ProbeSend(ctx, urlArg, opts)
	if err != nil {
		return fmt.Errorf("probe send failed: %w", err)
	}

	fmt.Println(cliutil.Bold("Probe Result"))
	fmt.Println()
	fmt.Printf("Flow ID: %s\n", cliutil.ID(resp.FlowID))
	fmt.Printf("Status: %s\n", resp.StatusLine)
	fmt.Printf("Duration: %s\n", resp.Duration)
	fmt.Printf("Size: %d bytes\n", resp.RespSize)
	if resp.HTTPVersion != "" {
		fmt.Printf("HTTP Version: %s\n", resp.HTTPVersion)
	}
	if cookieNote := cookieSummary(resp.CookiesApplied, resp.SetCookiesStored); cookieNote != "" {
		fmt.Printf("Cookies: %s\n", cookieNote)
	}
	if resp.RepeatOf != "" {
		fmt.Printf("Repeat Of: %s\n", cliutil.ID(resp.RepeatOf))
	}
	fmt.Println()

	if resp.RespHeaders != "" {
		fmt.Printf("Headers:\n```\n%s```\n\n", resp.RespHeaders)
	}
	if resp.RespPreview != "" {
		fmt.Printf("Body Preview:\n```\n%s\n```\n", resp.RespPreview)
	}

	cliutil.HintCommand(os.Stdout, "To view the full response", "probekit probe get "+resp.FlowID)

	return nil
}

// readBodyFile reads a request body from a file, or stdin for "-".
func readBodyFile(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read body from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read body file: %w", err)
	}
	return data, nil
}

// cookieSummary describes jar activity for a probe result, or empty when none.
func cookieSummary(applied bool, stored int) string {
	var parts []string
	if applied {
		parts = append(parts, "jar attached")
	}
	if stored > 0 {
		parts = append(parts, fmt.Sprintf("%d set-cookie stored", stored))
	}
	return strings.Join(parts, ", ")
}

func get(mcpURL string, timeout time.Duration, flowID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.ProbeGet(ctx, flowID)
	if err != nil {
		return fmt.Errorf("probe get failed: %w", err)
	}

	fmt.Println(cliutil.Bold("Flow Details"))
	fmt.Println()
	fmt.Printf("Flow ID: %s\n", cliutil.ID(resp.FlowID))
	fmt.Printf("URL: %s %s\n", resp.Method, resp.URL)
	if resp.Source != "" {
		fmt.Printf("Source: %s\n", resp.Source)
	}
	fmt.Printf("Created: %s\n", resp.CreatedAt)
	fmt.Printf("Duration: %s\n", resp.Duration)
	if resp.RepeatOf != "" {
		fmt.Printf("Repeat Of: %s\n", cliutil.ID(resp.RepeatOf))
	}
	fmt.Println()

	if resp.ReqHeaders != "" {
		fmt.Printf("Request Headers:\n```\n%s```\n\n", resp.ReqHeaders)
	}
	if body := decodeBody(resp.ReqBody); body != "" {
		fmt.Printf("Request Body:\n```\n%s\n```\n\n", body)
	}

	fmt.Printf("Status: %s\n", resp.StatusLine)
	fmt.Printf("Size: %d bytes", resp.RespSize)
	if resp.Truncated {
		fmt.Print(" (truncated)")
	}
	fmt.Println()
	fmt.Println()
	if resp.RespHeaders != "" {
		fmt.Printf("Response Headers:\n```\n%s```\n\n", resp.RespHeaders)
	}
	if body := decodeBody(resp.RespBody); body != "" {
		fmt.Printf("Response Body:\n```\n%s\n```\n", body)
	}

	return nil
}

// decodeBody decodes a base64 body from probe_get full mode. Returns the raw
// string when it is not valid base64 so preview-mode output still renders.
func decodeBody(encoded string) string {
	if encoded == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return encoded
	}
	return string(decoded)
}

func summary(mcpURL string, timeout time.Duration, opts mcpclient.ProbeListOpts) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	opts.OutputMode = "summary"
	resp, err := client.ProbeList(ctx, opts)
	if err != nil {
		return fmt.Errorf("probe summary failed: %w", err)
	}

	if len(resp.Aggregates) == 0 {
		cliutil.NoResults(os.Stdout, "No recorded traffic.")
		cliutil.HintCommand(os.Stdout, "To send a request", "probekit probe send <url>")
		return nil
	}

	printAggregateTable(resp.Aggregates)

	return nil
}

func list(mcpURL string, timeout time.Duration, opts mcpclient.ProbeListOpts) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	opts.OutputMode = "flows"
	resp, err := client.ProbeList(ctx, opts)
	if err != nil {
		return fmt.Errorf("probe list failed: %w", err)
	}

	if len(resp.Flows) == 0 {
		cliutil.NoResults(os.Stdout, "No flows found.")
		return nil
	}

	printFlowTable(resp.Flows)

	if opts.Limit > 0 && len(resp.Flows) == opts.Limit {
		cliutil.Hint(os.Stdout, fmt.Sprintf("More results may be available. Use --offset %d to paginate.", opts.Offset+opts.Limit))
	}
	// Flows are newest first; the first row is the cursor for new traffic.
	cliutil.HintCommand(os.Stdout, "To list newer flows", "probekit probe list --since "+resp.Flows[0].FlowID)
	cliutil.HintCommand(os.Stdout, "To view a full flow", "probekit probe get <flow_id>")

	return nil
}

func printAggregateTable(agg []protocol.SummaryEntry) {
	t := cliutil.NewTable(os.Stdout)
	t.AppendHeader(table.Row{"Host", "Path", "Method", "Status", "Count"})
	t.SetRowPainter(cliutil.StatusRowPainter(3)) // status is column index 3

	for _, e := range agg {
		t.AppendRow(table.Row{e.Host, e.Path, e.Method, e.Status, e.Count})
	}
	t.Render()
	cliutil.Summary(os.Stdout, len(agg), "unique request pattern", "unique request patterns")
}

func printFlowTable(flows []protocol.FlowEntry) {
	t := cliutil.NewTable(os.Stdout)
	t.AppendHeader(table.Row{"Flow ID", "Method", "Host", "Path", "Status", "Size", "Source"})
	t.SetRowPainter(cliutil.StatusRowPainter(4)) // status is column index 4

	for _, f := range flows {
		t.AppendRow(table.Row{f.FlowID, f.Method, flowHost(f), f.Path, f.Status, f.ResponseLength, f.Source})
	}
	t.Render()
	cliutil.Summary(os.Stdout, len(flows), "flow", "flows")
}

// flowHost renders host with the port when it is not the scheme default.
func flowHost(f protocol.FlowEntry) string {
	if f.Port > 0 {
		return f.Host + ":" + strconv.Itoa(f.Port)
	}
	return f.Host
}
