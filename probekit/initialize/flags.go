package initialize

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

func Parse(args []string) error {
	fs := pflag.NewFlagSet("init", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var reset bool

	fs.BoolVar(&reset, "reset", false, "clear all stored state and reinitialize")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: probekit init [options]

Create the probekit config directory (~/.probekit) with default settings.
Running init is optional, the MCP server creates a missing config on start.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if len(fs.Args()) > 0 {
		fs.Usage()
		return fmt.Errorf("unexpected argument: %s", fs.Args()[0])
	}

	return run(reset)
}
