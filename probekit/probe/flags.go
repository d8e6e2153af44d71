package probe

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/go-appsec/probetools/probekit/cli"
	"github.com/go-appsec/probetools/probekit/mcpclient"
)

var probeSubcommands = []string{"send", "get", "summary", "list", "help"}

func Parse(args []string, mcpURL string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "send":
		return parseSend(args[1:], mcpURL)
	case "get":
		return parseGet(args[1:], mcpURL)
	case "summary":
		return parseSummary(args[1:], mcpURL)
	case "list":
		return parseList(args[1:], mcpURL)
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownSubcommandError("probe", args[0], probeSubcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: probekit probe <command> [options]

Send HTTP requests and query the recorded flow history.

---

probe send <url> [options]

  Send a request and record it as a flow. Stored cookies for the target
  origin are attached automatically; response Set-Cookie headers are
  stored in the jar.

  Options:
    --method <m>           HTTP method (default: GET)
    --header "Name: Value" add a request header (repeatable)
    --data <str>           inline request body
    --body <path>          body file (- for stdin)
    --request-timeout <d>  server-side request timeout (e.g. 5s)
    --http2                force HTTP/2 transport
    --no-cookies           do not attach stored cookies
    --no-store             do not store response Set-Cookie headers
    --follow-redirects     follow 3xx redirects
    --max-body-bytes <n>   response capture limit in bytes

  Examples:
    probekit probe send https://api.example.com/users
    probekit probe send example.com/login --method POST --data 'user=admin'
    probekit probe send https://api.example.com --header "Authorization: Bearer tok"

  Output: flow_id, status, response headers and body preview

---

probe get <flow_id>

  Get the full request and response for a recorded flow.

  Example:
    probekit probe list                 # find flow_id
    probekit probe get f7k2x1           # full request/response

  Output: request and response headers with complete bodies

---

probe summary [options]

  Aggregate recorded flows by (host, path, method, status). Paths with
  numeric or UUID segments are collapsed into patterns like /users/*.

  Options:
    --host <glob>      filter by host (*.example.com = subdomains only)
    --path <glob>      filter by path+query (e.g. '/api/*')
    --method <m>       filter by method(s), comma-separated
    --status <s>       filter by status code(s) or ranges (e.g. '2XX,404')
    --source <src>     filter by source: 'probe', 'scan:', or 'scan:<scan_id>'

  Output: table with host, path, method, status, count

---

probe list [options]

  List individual recorded flows (newest first).

  Options:
    --host <glob>      filter by host (*.example.com = subdomains only)
    --path <glob>      filter by path+query (e.g. '/api/*')
    --method <m>       filter by method(s), comma-separated
    --status <s>       filter by status code(s) or ranges (e.g. '2XX,404')
    --source <src>     filter by source: 'probe', 'scan:', or 'scan:<scan_id>'
    --since <id>       flows after flow_id, or 'last' (cursor)
    --limit <n>        maximum number of flows to return (default: 100)
    --offset <n>       skip first N flows (applied after filtering)

  Output: table with flow_id, method, host, path, status, size, source
`)
}

func parseSend(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("probe send", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout, requestTimeout time.Duration
	var method, data, bodyPath string
	var headers []string
	var http2, noCookies, noStore, followRedirects bool
	var maxBodyBytes int64

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")
	fs.StringVar(&method, "method", "", "HTTP method (default: GET)")
	fs.StringArrayVar(&headers, "header", nil, "header in 'Name: Value' format (repeatable)")
	fs.StringVar(&data, "data", "", "inline request body")
	fs.StringVar(&bodyPath, "body", "", "path to body file (- for stdin)")
	fs.DurationVar(&requestTimeout, "request-timeout", 0, "server-side request timeout (e.g. 5s)")
	fs.BoolVar(&http2, "http2", false, "force HTTP/2 transport")
	fs.BoolVar(&noCookies, "no-cookies", false, "do not attach stored cookies")
	fs.BoolVar(&noStore, "no-store", false, "do not store response Set-Cookie headers")
	fs.BoolVar(&followRedirects, "follow-redirects", false, "follow 3xx redirects")
	fs.Int64Var(&maxBodyBytes, "max-body-bytes", 0, "response capture limit in bytes")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit probe send <url> [options]

Send a request and record it as a flow. The URL scheme defaults to https.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("url argument is required")
	}
	if data != "" && bodyPath != "" {
		return errors.New("only one of --data or --body can be specified")
	}

	opts := mcpclient.ProbeSendOpts{
		Method:       method,
		Headers:      headers,
		Body:         data,
		HTTP2:        http2,
		NoCookies:    noCookies,
		NoStore:      noStore,
		MaxBodyBytes: maxBodyBytes,
	}
	if requestTimeout > 0 {
		opts.Timeout = requestTimeout.String()
	}
	if fs.Changed("follow-redirects") {
		opts.FollowRedirects = &followRedirects
	}

	return send(mcpURL, timeout, fs.Args()[0], bodyPath, opts)
}

func parseGet(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("probe get", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit probe get <flow_id> [options]

Get the full request and response for a recorded flow.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("flow_id required (get from 'probekit probe list')")
	}

	return get(mcpURL, timeout, fs.Args()[0])
}

func parseSummary(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("probe summary", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration
	var opts mcpclient.ProbeListOpts

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")
	addListFilterFlags(fs, &opts)

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit probe summary [options]

Aggregate recorded flows by (host, path, method, status).

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	return summary(mcpURL, timeout, opts)
}

func parseList(args []string, mcpURL string) error {
	fs := pflag.NewFlagSet("probe list", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var timeout time.Duration
	var opts mcpclient.ProbeListOpts

	fs.DurationVar(&timeout, "timeout", 30*time.Second, "client-side timeout")
	addListFilterFlags(fs, &opts)
	fs.StringVar(&opts.Since, "since", "", "flows after flow_id, or 'last' (cursor)")
	fs.IntVar(&opts.Limit, "limit", 100, "maximum number of flows to return")
	fs.IntVar(&opts.Offset, "offset", 0, "skip first N flows (applied after filtering)")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit probe list [options]

List individual recorded flows (newest first).

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	return list(mcpURL, timeout, opts)
}

// addListFilterFlags registers the filter flags shared by summary and list.
func addListFilterFlags(fs *pflag.FlagSet, opts *mcpclient.ProbeListOpts) {
	fs.StringVar(&opts.Host, "host", "", "filter by host glob (*.example.com = subdomains only)")
	fs.StringVar(&opts.Path, "path", "", "filter by path+query glob (e.g. '/api/*')")
	fs.StringVar(&opts.Method, "method", "", "filter by HTTP method(s), comma-separated")
	fs.StringVar(&opts.Status, "status", "", "filter by status code(s) or ranges (e.g. '2XX,404')")
	fs.StringVar(&opts.Source, "source", "", "filter by source: 'probe', 'scan:', or 'scan:<scan_id>'")
}
