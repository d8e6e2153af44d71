package cookies

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/go-appsec/probetools/probekit/cliutil"
	"github.com/go-appsec/probetools/probekit/mcpclient"
	"github.com/go-appsec/probetools/probekit/protocol"
)

func list(mcpURL string, timeout time.Duration, name, domain string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.CookieJar(ctx, name, domain)
	if err != nil {
		return fmt.Errorf("cookies list failed: %w", err)
	}

	if len(resp.Cookies) == 0 {
		cliutil.NoResults(os.Stdout, "No cookies stored.")
		cliutil.Hint(os.Stdout, "Cookies are captured automatically from probe and scan responses.")
		return nil
	}

	// Values are only present when the server was queried with a filter
	detailMode := name != "" || domain != ""
	if detailMode {
		printCookieDetailTable(resp.Cookies)
	} else {
		printCookieTable(resp.Cookies)
	}
	fmt.Fprintf(os.Stdout, "Jar holds %d domain(s) total.\n", resp.Domains)

	if !detailMode {
		cliutil.HintCommand(os.Stdout, "To see values and decoded JWTs", "probekit cookies list --domain <domain>")
	}

	return nil
}

func stats(mcpURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.CookieStats(ctx)
	if err != nil {
		return fmt.Errorf("cookies stats failed: %w", err)
	}

	fmt.Println(cliutil.Bold("Cookie Jar Stats"))
	fmt.Println()
	fmt.Printf("Domains: %d / %d\n", resp.Domains, resp.MaxDomains)
	fmt.Printf("Requests Processed: %d\n", resp.RequestsProcessed)
	fmt.Printf("Memory Estimate: %.1f KB\n", resp.MemoryEstimateKB)

	return nil
}

func clear(mcpURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mcpclient.Connect(ctx, mcpURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.CookieClear(ctx)
	if err != nil {
		return fmt.Errorf("cookies clear failed: %w", err)
	}

	fmt.Printf("Cleared %s from the cookie jar.\n", domainCount(resp.ClearedDomains))

	return nil
}

func printCookieTable(cookies []protocol.CookieEntry) {
	t := cliutil.NewTable(os.Stdout)
	t.AppendHeader(table.Row{"Name", "Domain"})

	for _, c := range cookies {
		t.AppendRow(table.Row{c.Name, c.Domain})
	}
	t.Render()
	cliutil.Summary(os.Stdout, len(cookies), "cookie", "cookies")
}

func printCookieDetailTable(cookies []protocol.CookieEntry) {
	t := cliutil.NewTable(os.Stdout)
	t.AppendHeader(table.Row{"Name", "Domain", "Value"})

	for _, c := range cookies {
		t.AppendRow(table.Row{c.Name, c.Domain, c.Value})
	}
	t.Render()
	cliutil.Summary(os.Stdout, len(cookies), "cookie", "cookies")

	for _, c := range cookies {
		if c.Decoded == nil {
			continue
		}
		fmt.Printf("\nDecoded JWT for %s@%s:\n", c.Name, c.Domain)
		fmt.Printf("  Header: %s\n", compactJSON(c.Decoded.Header))
		fmt.Printf("  Claims: %s\n", compactJSON(c.Decoded.Claims))
		fmt.Printf("  Signature: %s\n", signatureNote(c.Decoded.SignaturePresent))
	}
}

func compactJSON(m map[string]interface{}) string {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(b)
}

func signatureNote(present bool) string {
	if present {
		return "present (not verified)"
	}
	return "absent"
}

func domainCount(n int) string {
	if n == 1 {
		return "1 domain"
	}
	return fmt.Sprintf("%d domains", n)
}
