package cookies

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/go-appsec/probetools/probekit/cli"
)

var cookiesSubcommands = []string{"list", "stats", "clear", "help"}

func Parse(args []string, mcpURL string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "list":
		return parseList(args[1:], mcpURL)
	case "stats":
		return parseStats(args[1:], mcpURL)
	case "clear":
		return parseClear(args[1:], mcpURL)
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownSubcommandError("cookies", args[0], cookiesSubcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: probekit cookies <command> [options]

Inspect the shared cookie jar. Cookies are captured from probe and scan
responses and attached to later requests to the same origin host.

---

cookies list [options]

  List stored cookies. Without filters only names and domains are shown.
  With --name or --domain the values are included and JWT-shaped values
  are decoded (signature never verified).

  Options:
    --name <str>       filter by cookie name (exact match)
    --domain <str>     filter by origin host (matches host and subdomains)

  Examples:
    probekit cookies list
    probekit cookies list --domain app.example.com
    probekit cookies list --name session

  Output: table with name, domain (plus value and JWT decode when filtered)

---

cookies stats

  Show jar statistics: domain count against the capacity limit, how many
  outgoing requests consulted the jar, and a rough memory estimate.

---

cookies clear

  Remove every cookie from the jar. The requests-processed counter keeps
  counting across clears.
`)
}

func parseList(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("cookies list", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration
	var name, domain string

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")
	fs.StringVar(&name, "name", "", "filter by cookie name (exact match)")
	fs.StringVar(&domain, "domain", "", "filter by origin host (matches host and subdomains)")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit cookies list [options]

List stored cookies.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	return list(mcpURL, timeout, name, domain)
}

func parseStats(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("cookies stats", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit cookies stats [options]

Show cookie jar statistics.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	return stats(mcpURL, timeout)
}

func parseClear(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("cookies clear", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit cookies clear [options]

Remove every cookie from the jar.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	return clear(mcpURL, timeout)
}
