package oast

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/go-appsec/probetools/probekit/cli"
	"github.com/go-appsec/probetools/probekit/mcpclient"
)

var oastSubcommands = []string{"create", "summary", "poll", "list", "delete", "help"}

func Parse(args []string, mcpURL string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "create":
		return parseCreate(args[1:], mcpURL)
	case "summary":
		return parseSummary(args[1:], mcpURL)
	case "poll":
		return parsePoll(args[1:], mcpURL)
	case "list":
		return parseList(args[1:], mcpURL)
	case "delete":
		return parseDelete(args[1:], mcpURL)
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownSubcommandError("oast", args[0], oastSubcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: probekit oast <command> [options]

Out-of-band Application Security Testing (OAST) for detecting blind
vulnerabilities (SSRF, XXE, blind SQLi, command injection, etc).

Workflow: create a session, inject its domain into a payload, trigger the
target, then poll for DNS/HTTP/SMTP interactions.

---

oast create [options]

  Create a new OAST session with a unique callback domain.

  Options:
    --label <str>      optional unique label for easier reference

  Output: oast_id and domain (e.g., xyz123.oast.example)

---

oast summary <oast_id|label|domain> [options]

  Aggregate received interactions by (type, subdomain).

  Options:
    --type <type>      filter by type (dns, http, smtp)
    --wait <dur>       long-poll duration (default: 30s, max: 2m, 0s to disable)

  Output: table with type, subdomain, count

---

oast poll <oast_id|label|domain> [options]

  Poll for individual out-of-band interaction events.

  Options:
    --since <id>       events after event_id, or 'last' (cursor)
    --type <type>      filter by type (dns, http, smtp)
    --wait <dur>       long-poll duration (default: 30s, max: 2m, 0s to disable)
    --limit <n>        maximum number of events to return

  Examples:
    probekit oast poll abc123 --since last    # only events since last poll
    probekit oast poll abc123 --type dns      # only DNS lookups
    probekit oast poll abc123 --wait 0s       # return immediately

  Output: event blocks with event_id, time, type, source_ip, subdomain, details

---

oast list [options]

  List all active OAST sessions (most recent first).

  Options:
    --limit <n>        maximum number of sessions to return

  Output: table with oast_id, domain, created_at

---

oast delete <oast_id|label|domain>

  Delete an OAST session and stop monitoring its domain.

  Output: confirmation message
`)
}

func parseCreate(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("oast create", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration
	var label, name string

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")
	fs.StringVar(&label, "label", "", "optional label for easier reference")
	fs.StringVar(&name, "name", "", "alias for --label")
	_ = fs.MarkHidden("name")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit oast create [options]

Create a new OAST session.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if label == "" {
		label = name
	}

	return create(mcpURL, timeout, label)
}

func parseSummary(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("oast summary", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout, wait time.Duration
	var eventType string

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")
	fs.StringVar(&eventType, "type", "", "filter by event type (dns, http, smtp)")
	fs.DurationVar(&wait, "wait", 30*time.Second, "long-poll duration (max 2m, 0s to disable)")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit oast summary <oast_id> [options]

Aggregate received interactions by (type, subdomain).
Use 'probekit oast poll' to see individual events.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("oast_id required (get from 'probekit oast create' or 'probekit oast list')")
	}

	return summary(mcpURL, timeout, fs.Args()[0], wait, eventType)
}

func parsePoll(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("oast poll", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout, wait time.Duration
	var opts mcpclient.OastPollOpts

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")
	fs.StringVar(&opts.Since, "since", "", "events after event_id, or 'last' (cursor)")
	fs.StringVar(&opts.Type, "type", "", "filter by event type (dns, http, smtp)")
	fs.DurationVar(&wait, "wait", 30*time.Second, "long-poll duration (max 2m, 0s to disable)")
	fs.IntVar(&opts.Limit, "limit", 0, "maximum number of events to return")
	fs.IntVar(&opts.Limit, "count", 0, "alias for --limit")
	_ = fs.MarkHidden("count")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit oast poll <oast_id> [options]

Poll for individual OAST interaction events.
Use 'probekit oast summary' for a per-subdomain rollup.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("oast_id required (get from 'probekit oast create' or 'probekit oast list')")
	}

	return poll(mcpURL, timeout, fs.Args()[0], wait, opts)
}

func parseList(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("oast list", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration
	var limit int

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")
	fs.IntVar(&limit, "limit", 0, "maximum number of sessions to return (most recent first)")
	fs.IntVar(&limit, "count", 0, "alias for --limit")
	_ = fs.MarkHidden("count")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit oast list [options]

List active OAST sessions (most recent first).

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	return list(mcpURL, timeout, limit)
}

func parseDelete(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("oast delete", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit oast delete <oast_id> [options]

Delete an OAST session.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("oast_id required (get from 'probekit oast list')")
	}

	return del(mcpURL, timeout, fs.Args()[0])
}
