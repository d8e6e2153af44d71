package scan

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/go-appsec/probetools/probekit/cliutil"
	"github.com/go-appsec/probetools/probekit/mcpclient"
	"github.com/go-appsec/probetools/probekit/protocol"
)

func create(mcpURL string, timeout time.Duration, opts mcpclient.ScanCreateOpts) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.ScanCreate(ctx, opts)
	if err != nil {
		return fmt.Errorf("scan create failed: %w", err)
	}

	fmt.Println(cliutil.Bold("Scan Session Created"))
	fmt.Println()
	fmt.Printf("Scan ID: %s\n", cliutil.ID(resp.ScanID))
	if resp.Label != "" {
		fmt.Printf("Label: %s\n", cliutil.ID(resp.Label))
	}
	fmt.Printf("State: %s\n", resp.State)
	if resp.SeedCount > 0 {
		fmt.Printf("Seeds: %d\n", resp.SeedCount)
	}
	fmt.Printf("Created: %s\n", resp.CreatedAt)
	fmt.Println()

	// Prefer label for follow-up command hints if available
	statusRef := resp.ScanID
	if resp.Label != "" {
		statusRef = resp.Label
	}
	cliutil.HintCommand(os.Stdout, "To check progress", "probekit scan status "+statusRef)
	cliutil.HintCommand(os.Stdout, "To view fetched pages", "probekit scan pages "+statusRef)
	cliutil.HintCommand(os.Stdout, "To stop", "probekit scan stop "+statusRef)

	return nil
}

func status(mcpURL string, timeout time.Duration, scanID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.ScanStatus(ctx, scanID)
	if err != nil {
		return fmt.Errorf("scan status failed: %w", err)
	}

	fmt.Println(cliutil.Bold("Scan Status"))
	fmt.Println()
	fmt.Printf("Scan ID: %s\n", cliutil.ID(resp.ScanID))
	fmt.Printf("State: %s\n", cliutil.Bold(resp.State))
	fmt.Printf("Pages Visited: %d\n", resp.PagesVisited)
	fmt.Printf("Pages Queued: %d\n", resp.PagesQueued)
	fmt.Printf("Pages Errored: %d\n", resp.PagesErrored)
	fmt.Printf("Links Discovered: %d\n", resp.LinksDiscovered)
	fmt.Printf("Duration: %s\n", resp.Duration)
	if resp.LastActivity != "" {
		fmt.Printf("Last Activity: %s\n", resp.LastActivity)
	}
	if resp.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", cliutil.Error(resp.ErrorMessage))
	}

	return nil
}

func summary(mcpURL string, timeout time.Duration, scanID string, opts mcpclient.ScanPagesOpts) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	opts.OutputMode = "summary"
	resp, err := client.ScanPages(ctx, scanID, opts)
	if err != nil {
		return fmt.Errorf("scan summary failed: %w", err)
	}

	fmt.Println(cliutil.Bold("Scan Summary"))
	fmt.Println()
	fmt.Printf("Session: %s | State: %s | Duration: %s\n", cliutil.ID(resp.ScanID), cliutil.Bold(resp.State), resp.Duration)
	fmt.Println()

	if len(resp.Aggregates) == 0 {
		cliutil.NoResults(os.Stdout, "No pages fetched.")
		return nil
	}

	t := cliutil.NewTable(os.Stdout)
	t.AppendHeader(table.Row{"Host", "Path", "Method", "Status", "Count"})
	t.SetRowPainter(cliutil.StatusRowPainter(3))

	for _, agg := range resp.Aggregates {
		t.AppendRow(table.Row{agg.Host, agg.Path, agg.Method, agg.Status, agg.Count})
	}
	t.Render()
	cliutil.Summary(os.Stdout, len(resp.Aggregates), "unique request pattern", "unique request patterns")

	return nil
}

func pages(mcpURL string, timeout time.Duration, scanID string, opts mcpclient.ScanPagesOpts) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	opts.OutputMode = "flows"
	resp, err := client.ScanPages(ctx, scanID, opts)
	if err != nil {
		return fmt.Errorf("scan pages failed: %w", err)
	}

	if len(resp.Flows) == 0 {
		cliutil.NoResults(os.Stdout, "No pages fetched.")
		return nil
	}

	t := cliutil.NewTable(os.Stdout)
	t.AppendHeader(table.Row{"Flow ID", "Method", "Host", "Path", "Status", "Size"})
	t.SetRowPainter(cliutil.StatusRowPainter(4))
	for _, flow := range resp.Flows {
		t.AppendRow(table.Row{flow.FlowID, flow.Method, flowHost(flow), flow.Path, flow.Status, flow.ResponseLength})
	}
	t.Render()
	cliutil.Summary(os.Stdout, len(resp.Flows), "page", "pages")

	if opts.Limit > 0 && len(resp.Flows) == opts.Limit {
		cliutil.Hint(os.Stdout, fmt.Sprintf("More results may be available. Use --offset %d to paginate.", opts.Offset+opts.Limit))
	}
	cliutil.HintCommand(os.Stdout, "To view a full page fetch", "probekit probe get <flow_id>")

	return nil
}

func pageErrors(mcpURL string, timeout time.Duration, scanID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.ScanPages(ctx, scanID, mcpclient.ScanPagesOpts{OutputMode: "errors"})
	if err != nil {
		return fmt.Errorf("scan errors failed: %w", err)
	}

	if len(resp.Errors) == 0 {
		cliutil.NoResults(os.Stdout, "No errors encountered.")
		return nil
	}

	t := cliutil.NewTable(os.Stdout)
	t.AppendHeader(table.Row{"URL", "Status", "Error"})
	for _, e := range resp.Errors {
		statusStr := ""
		if e.Status > 0 {
			statusStr = strconv.Itoa(e.Status)
		}
		t.AppendRow(table.Row{e.URL, statusStr, cliutil.SingleLine(e.Error)})
	}
	t.Render()
	cliutil.Summary(os.Stdout, len(resp.Errors), "error", "errors")

	return nil
}

func sessions(mcpURL string, timeout time.Duration, limit int) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.ScanList(ctx, limit)
	if err != nil {
		return fmt.Errorf("scan sessions failed: %w", err)
	}

	if len(resp.Sessions) == 0 {
		cliutil.NoResults(os.Stdout, "No scan sessions.")
		cliutil.HintCommand(os.Stdout, "To create one", "probekit scan create --url <url>")
		return nil
	}

	// Check if any session has a label
	hasLabels := slices.ContainsFunc(resp.Sessions, func(s protocol.ScanSession) bool {
		return s.Label != ""
	})

	t := cliutil.NewTable(os.Stdout)
	if hasLabels {
		t.AppendHeader(table.Row{"Scan ID", "Label", "State", "Created At"})
		for _, sess := range resp.Sessions {
			t.AppendRow(table.Row{sess.ScanID, sess.Label, sess.State, sess.CreatedAt})
		}
	} else {
		t.AppendHeader(table.Row{"Scan ID", "State", "Created At"})
		for _, sess := range resp.Sessions {
			t.AppendRow(table.Row{sess.ScanID, sess.State, sess.CreatedAt})
		}
	}
	t.Render()
	cliutil.Summary(os.Stdout, len(resp.Sessions), "session", "sessions")

	return nil
}

func stop(mcpURL string, timeout time.Duration, scanID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.ScanStop(ctx, scanID); err != nil {
		return fmt.Errorf("scan stop failed: %w", err)
	}

	fmt.Printf("Scan session `%s` stopped.\n", scanID)

	return nil
}

// flowHost renders host with the port when it is not the scheme default.
func flowHost(f protocol.FlowEntry) string {
	if f.Port > 0 {
		return f.Host + ":" + strconv.Itoa(f.Port)
	}
	return f.Host
}
