package scan

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/go-appsec/probetools/probekit/cli"
	"github.com/go-appsec/probetools/probekit/mcpclient"
)

var scanSubcommands = []string{"create", "status", "summary", "pages", "errors", "sessions", "stop", "help"}

func Parse(args []string, mcpURL string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "create":
		return parseCreate(args[1:], mcpURL)
	case "status":
		return parseStatus(args[1:], mcpURL)
	case "summary":
		return parseSummary(args[1:], mcpURL)
	case "pages":
		return parsePages(args[1:], mcpURL)
	case "errors":
		return parseErrors(args[1:], mcpURL)
	case "sessions":
		return parseSessions(args[1:], mcpURL)
	case "stop":
		return parseStop(args[1:], mcpURL)
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownSubcommandError("scan", args[0], scanSubcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: probekit scan <command> [options]

Crawl sites by following links and record every page fetch as a flow.
Scans share the cookie jar with probe requests.

---

scan create [options]

  Start a new scan session. Scanning runs asynchronously in the background.

  Options:
    --url <url>            seed URL (can specify multiple times)
    --domain <d>           additional allowed domain (can specify multiple times)
    --label <str>          optional unique label for easier reference
    --discover-seeds       discover extra seeds from public URL sources
    --max-depth <n>        maximum link depth from seeds (default: from config)
    --max-pages <n>        maximum pages to fetch (default: from config)
    --delay <dur>          per-host delay between requests (e.g. 200ms)
    --parallelism <n>      concurrent fetches per host (default: from config)
    --header "Name: Value" extra request header (repeatable)
    --no-subdomains        don't include subdomains of scoped domains
    --no-cookies           do not attach stored cookies to page requests
    --no-store             do not store page Set-Cookie headers

  Examples:
    probekit scan create --url https://app.example.com --label main-site
    probekit scan create --url https://app.example.com --max-depth 3 --delay 200ms
    probekit scan create --domain example.com --discover-seeds

  Output: scan_id, state, and follow-up commands

---

scan status <scan_id|label>

  Show progress counters for a scan session.

  Output: state, pages visited/queued/errored, links discovered, duration

---

scan summary <scan_id|label> [options]

  Aggregate fetched pages by (host, path, method, status).

  Options:
    --host <glob>      filter by host (*.example.com = subdomains only)
    --path <glob>      filter by path+query (e.g. '/api/*')
    --method <m>       filter by method(s), comma-separated
    --status <s>       filter by status code(s) or ranges (e.g. '2XX,404')

  Output: table with host, path, method, status, count

---

scan pages <scan_id|label> [options]

  List individual page fetches for a scan (newest first).

  Options:
    --host <glob>      filter by host (*.example.com = subdomains only)
    --path <glob>      filter by path+query (e.g. '/api/*')
    --method <m>       filter by method(s), comma-separated
    --status <s>       filter by status code(s) or ranges (e.g. '2XX,404')
    --since <id>       flows after flow_id, or 'last' (cursor)
    --limit <n>        maximum number of pages to return (default: 100)
    --offset <n>       skip first N pages (applied after filtering)

  Output: table with flow_id, method, host, path, status, size

---

scan errors <scan_id|label>

  List page fetches that failed during a scan.

  Output: table with url, status, error

---

scan sessions [options]

  List all scan sessions (most recent first).

  Options:
    --limit <n>        maximum number of sessions to return

  Output: table with scan_id, label, state, created_at

---

scan stop <scan_id|label>

  Stop a running scan session. Recorded pages stay queryable.

  Output: confirmation message
`)
}

func parseCreate(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("scan create", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout, delay time.Duration
	var urls, domains, headers []string
	var label string
	var maxDepth, maxPages, parallelism int
	var noSubdomains, discoverSeeds, noCookies, noStore bool

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")
	fs.StringArrayVar(&urls, "url", nil, "seed URL (can specify multiple times)")
	fs.StringArrayVar(&domains, "domain", nil, "additional allowed domain (can specify multiple times)")
	fs.StringVar(&label, "label", "", "optional unique label for easier reference")
	fs.BoolVar(&discoverSeeds, "discover-seeds", false, "discover extra seeds from public URL sources")
	fs.IntVar(&maxDepth, "max-depth", 0, "maximum link depth from seeds (0 = config default)")
	fs.IntVar(&maxPages, "max-pages", 0, "maximum pages to fetch (0 = config default)")
	fs.DurationVar(&delay, "delay", 0, "per-host delay between requests")
	fs.IntVar(&parallelism, "parallelism", 0, "concurrent fetches per host (0 = config default)")
	fs.StringArrayVar(&headers, "header", nil, "extra header in 'Name: Value' format (repeatable)")
	fs.BoolVar(&noSubdomains, "no-subdomains", false, "don't include subdomains")
	fs.BoolVar(&noCookies, "no-cookies", false, "do not attach stored cookies")
	fs.BoolVar(&noStore, "no-store", false, "do not store page Set-Cookie headers")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit scan create [options]

Start a new scan session.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(urls) == 0 && !discoverSeeds {
		fs.Usage()
		return errors.New("at least one --url is required (or --discover-seeds with --domain)")
	}

	opts := mcpclient.ScanCreateOpts{
		SeedURLs:      urls,
		Domains:       domains,
		Label:         label,
		DiscoverSeeds: discoverSeeds,
		MaxDepth:      maxDepth,
		MaxPages:      maxPages,
		Parallelism:   parallelism,
		Headers:       headers,
		NoCookies:     noCookies,
		NoStore:       noStore,
	}
	if delay > 0 {
		opts.Delay = delay.String()
	}
	if noSubdomains {
		include := false
		opts.IncludeSubdomains = &include
	}

	return create(mcpURL, timeout, opts)
}

func parseStatus(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("scan status", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit scan status <scan_id|label> [options]

Show progress counters for a scan session.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("scan_id required (get from 'probekit scan sessions')")
	}

	return status(mcpURL, timeout, fs.Args()[0])
}

func parseSummary(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("scan summary", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration
	var opts mcpclient.ScanPagesOpts

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")
	addPageFilterFlags(fs, &opts)

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit scan summary <scan_id|label> [options]

Aggregate fetched pages by (host, path, method, status).

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("scan_id required (get from 'probekit scan sessions')")
	}

	return summary(mcpURL, timeout, fs.Args()[0], opts)
}

func parsePages(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("scan pages", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration
	var opts mcpclient.ScanPagesOpts

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")
	addPageFilterFlags(fs, &opts)
	fs.StringVar(&opts.Since, "since", "", "flows after flow_id, or 'last' (cursor)")
	fs.IntVar(&opts.Limit, "limit", 100, "maximum number of pages to return")
	fs.IntVar(&opts.Offset, "offset", 0, "skip first N pages (applied after filtering)")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit scan pages <scan_id|label> [options]

List individual page fetches for a scan (newest first).

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("scan_id required (get from 'probekit scan sessions')")
	}

	return pages(mcpURL, timeout, fs.Args()[0], opts)
}

func parseErrors(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("scan errors", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit scan errors <scan_id|label> [options]

List page fetches that failed during a scan.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("scan_id required (get from 'probekit scan sessions')")
	}

	return pageErrors(mcpURL, timeout, fs.Args()[0])
}

func parseSessions(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("scan sessions", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration
	var limit int

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")
	fs.IntVar(&limit, "limit", 0, "maximum number of sessions to return (most recent first)")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit scan sessions [options]

List all scan sessions (most recent first).

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	return sessions(mcpURL, timeout, limit)
}

func parseStop(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("scan stop", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit scan stop <scan_id|label> [options]

Stop a running scan session.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("scan_id required (get from 'probekit scan sessions')")
	}

	return stop(mcpURL, timeout, fs.Args()[0])
}

// addPageFilterFlags registers the filter flags shared by summary and pages.
func addPageFilterFlags(fs *pflag.FlagSet, opts *mcpclient.ScanPagesOpts) {
	fs.StringVar(&opts.Host, "host", "", "filter by host glob (*.example.com = subdomains only)")
	fs.StringVar(&opts.Path, "path", "", "filter by path+query glob (e.g. '/api/*')")
	fs.StringVar(&opts.Method, "method", "", "filter by HTTP method(s), comma-separated")
	fs.StringVar(&opts.Status, "status", "", "filter by status code(s) or ranges (e.g. '2XX,404')")
}
