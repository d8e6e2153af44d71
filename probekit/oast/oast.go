package oast

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/go-appsec/probetools/probekit/cliutil"
	"github.com/go-appsec/probetools/probekit/mcpclient"
	"github.com/go-appsec/probetools/probekit/protocol"
)

// Detail values longer than this are elided in event output.
const maxDetailBytes = 200

func create(mcpURL string, timeout time.Duration, label string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.OastCreate(ctx, label)
	if err != nil {
		return fmt.Errorf("oast create failed: %w", err)
	}

	fmt.Println(cliutil.Bold("OAST Session Created"))
	fmt.Println()
	fmt.Printf("OAST ID: %s\n", cliutil.ID(resp.OastID))
	fmt.Printf("Domain: %s\n", cliutil.ID(resp.Domain))
	if resp.Label != "" {
		fmt.Printf("Label: %s\n", cliutil.ID(resp.Label))
	}
	fmt.Println()
	fmt.Println("Any subdomain of the domain reaches the listener. Use the subdomain")
	fmt.Printf("as a payload tag, e.g. ssrf-check.%s\n", resp.Domain)
	fmt.Println()

	// Prefer label for follow-up command hints if available
	ref := resp.OastID
	if resp.Label != "" {
		ref = resp.Label
	}
	cliutil.HintCommand(os.Stdout, "To watch for interactions", "probekit oast poll "+ref)
	cliutil.HintCommand(os.Stdout, "To see a per-subdomain rollup", "probekit oast summary "+ref)

	return nil
}

func summary(mcpURL string, timeout time.Duration, oastID string, wait time.Duration, eventType string) error {
	// Client timeout must cover the server-side long poll
	ctx, cancel := context.WithTimeout(context.Background(), timeout+wait)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.OastPoll(ctx, oastID, mcpclient.OastPollOpts{
		OutputMode: "summary",
		Type:       eventType,
		Wait:       wait.String(),
	})
	if err != nil {
		return fmt.Errorf("oast summary failed: %w", err)
	}

	if len(resp.Aggregates) == 0 {
		cliutil.NoResults(os.Stdout, "No interactions received.")
		printDroppedNote(resp.DroppedCount)
		return nil
	}

	printAggregateTable(resp.Aggregates)
	printDroppedNote(resp.DroppedCount)
	cliutil.HintCommand(os.Stdout, "To see full event details", "probekit oast poll "+oastID)

	return nil
}

func poll(mcpURL string, timeout time.Duration, oastID string, wait time.Duration, opts mcpclient.OastPollOpts) error {
	// Client timeout must cover the server-side long poll
	ctx, cancel := context.WithTimeout(context.Background(), timeout+wait)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	opts.OutputMode = "events"
	opts.Wait = wait.String()
	resp, err := client.OastPoll(ctx, oastID, opts)
	if err != nil {
		return fmt.Errorf("oast poll failed: %w", err)
	}

	if len(resp.Events) == 0 {
		cliutil.NoResults(os.Stdout, "No events received.")
		printDroppedNote(resp.DroppedCount)
		return nil
	}

	fmt.Println(cliutil.Bold(fmt.Sprintf("OAST Events (%d)", len(resp.Events))))
	fmt.Println()

	for _, event := range resp.Events {
		fmt.Printf("%s  %s  [%s]\n", cliutil.ID(event.EventID), event.Time, strings.ToUpper(event.Type))
		fmt.Printf("  Source IP: %s\n", event.SourceIP)
		fmt.Printf("  Subdomain: %s\n", event.Subdomain)
		if len(event.Details) > 0 {
			fmt.Println("  Details:")
			for _, k := range sortedKeys(event.Details) {
				fmt.Printf("    %s: %s\n", k, detailValue(event.Details[k]))
			}
		}
		fmt.Println()
	}

	printDroppedNote(resp.DroppedCount)

	lastEvent := resp.Events[len(resp.Events)-1]
	cliutil.HintCommand(os.Stdout, "To poll for new events", "probekit oast poll "+oastID+" --since last")
	cliutil.HintCommand(os.Stdout, "Or after a specific event", "probekit oast poll "+oastID+" --since "+lastEvent.EventID)

	return nil
}

func list(mcpURL string, timeout time.Duration, limit int) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.OastList(ctx, limit)
	if err != nil {
		return fmt.Errorf("oast list failed: %w", err)
	}

	if len(resp.Sessions) == 0 {
		cliutil.NoResults(os.Stdout, "No active OAST sessions.")
		cliutil.HintCommand(os.Stdout, "To create one", "probekit oast create")
		return nil
	}

	printSessionTable(resp.Sessions)

	return nil
}

func del(mcpURL string, timeout time.Duration, oastID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.OastDelete(ctx, oastID); err != nil {
		return fmt.Errorf("oast delete failed: %w", err)
	}

	fmt.Printf("OAST session `%s` deleted.\n", oastID)

	return nil
}

func printAggregateTable(agg []protocol.OastSummaryEntry) {
	t := cliutil.NewTable(os.Stdout)
	t.AppendHeader(table.Row{"Type", "Subdomain", "Count"})

	for _, e := range agg {
		t.AppendRow(table.Row{e.Type, e.Subdomain, e.Count})
	}
	t.Render()
	cliutil.Summary(os.Stdout, len(agg), "interaction pattern", "interaction patterns")
}

func printSessionTable(sessions []protocol.OastSession) {
	// Check if any session has a label
	hasLabels := slices.ContainsFunc(sessions, func(s protocol.OastSession) bool {
		return s.Label != ""
	})

	t := cliutil.NewTable(os.Stdout)
	if hasLabels {
		t.AppendHeader(table.Row{"OAST ID", "Label", "Domain", "Created At"})
	} else {
		t.AppendHeader(table.Row{"OAST ID", "Domain", "Created At"})
	}

	for _, sess := range sessions {
		if hasLabels {
			t.AppendRow(table.Row{sess.OastID, sess.Label, sess.Domain, sess.CreatedAt})
		} else {
			t.AppendRow(table.Row{sess.OastID, sess.Domain, sess.CreatedAt})
		}
	}
	t.Render()
	cliutil.Summary(os.Stdout, len(sessions), "active session", "active sessions")
}

func printDroppedNote(dropped int) {
	if dropped > 0 {
		fmt.Printf("\nNote: %d events were dropped due to buffer limit\n", dropped)
	}
}

// detailValue renders one event detail on a single line. Long strings are
// elided, the raw protocol payload stays available over MCP.
func detailValue(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	if len(s) > maxDetailBytes {
		return fmt.Sprintf("(truncated, %d bytes)", len(s))
	}
	return cliutil.SingleLine(s)
}

// sortedKeys returns map keys in sorted order for stable output.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
