package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/go-appsec/probetools/probekit/cli"
	"github.com/go-appsec/probetools/probekit/config"
	"github.com/go-appsec/probetools/probekit/cookies"
	"github.com/go-appsec/probetools/probekit/initialize"
	"github.com/go-appsec/probetools/probekit/oast"
	"github.com/go-appsec/probetools/probekit/probe"
	"github.com/go-appsec/probetools/probekit/scan"
	"github.com/go-appsec/probetools/probekit/service"
)

var rootCommands = []string{"mcp", "probe", "scan", "cookies", "oast", "init", "version", "help"}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printRootUsage()
		return 1
	}

	mcpURL, args := extractMCPURL(args)

	var err error
	switch args[0] {
	case "mcp":
		err = runServe(args[1:])
	case "probe":
		err = probe.Parse(args[1:], mcpURL)
	case "scan":
		err = scan.Parse(args[1:], mcpURL)
	case "cookies":
		err = cookies.Parse(args[1:], mcpURL)
	case "oast":
		err = oast.Parse(args[1:], mcpURL)
	case "init":
		err = initialize.Parse(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("probekit version %s\n", config.Version)
		return 0
	case "help", "--help", "-h":
		printRootUsage()
		return 0
	default:
		err = cli.UnknownCommandError(args[0], rootCommands)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runServe(args []string) error {
	flags, err := service.ParseServeFlags(args)
	if err != nil {
		return err
	}

	srv, err := service.NewServer(flags, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Run(context.Background())
}

// extractMCPURL pulls the global --mcp-url flag out of args so subcommand
// flag sets never see it. Falls back to $PROBEKIT_MCP_URL, then the default.
func extractMCPURL(args []string) (string, []string) {
	mcpURL := config.DefaultMCPURL
	if env := os.Getenv("PROBEKIT_MCP_URL"); env != "" {
		mcpURL = env
	}

	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "--mcp-url" && i+1 < len(args):
			mcpURL = args[i+1]
			i++
		case strings.HasPrefix(arg, "--mcp-url="):
			mcpURL = strings.TrimPrefix(arg, "--mcp-url=")
		default:
			rest = append(rest, arg)
		}
	}
	return mcpURL, rest
}

func printRootUsage() {
	fmt.Fprint(os.Stderr, `Usage: probekit <command> [options]

Commands:
  mcp        Run the MCP server (probe, scan, cookie and OAST tools)
  probe      Send single HTTP requests and inspect recorded flows
  scan       Crawl sites in the background and query fetched pages
  cookies    Inspect the shared cookie jar
  oast       Manage OAST sessions for out-of-band testing
  init       Create the default config in ~/.probekit

Global Options:
  --mcp-url <url>    MCP server address (default: http://127.0.0.1:9867/mcp,
                     or $PROBEKIT_MCP_URL)
  --timeout <dur>    Client-side timeout, accepted by every subcommand
                     (default: 30s)

Use "probekit <command> --help" for specific command usage.

Start the server first: probekit mcp
`)
}
