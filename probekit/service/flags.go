package service

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Flow storage modes.
const (
	StorageModeMemory = "memory"
	StorageModeBolt   = "bolt"
)

// ServeFlags holds flags for MCP server mode.
type ServeFlags struct {
	ConfigPath    string
	Listen        string // "" = use config
	MaxJarDomains int    // 0 = use config
	StorageMode   string // "", "memory", "bolt"
	StoragePath   string
	LogFile       string
	OastServer    string
}

// ParseServeFlags parses flags for MCP server mode (probekit mcp).
func ParseServeFlags(args []string) (ServeFlags, error) {
	fs := pflag.NewFlagSet("mcp", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var flags ServeFlags

	fs.StringVar(&flags.ConfigPath, "config", "", "config file path (default: ~/.probekit/config.json)")
	fs.StringVar(&flags.Listen, "listen", "", "listen address (default: from config or 127.0.0.1:9867)")
	fs.IntVar(&flags.MaxJarDomains, "max-jar-domains", 0, "cookie jar domain capacity (default: from config or 1000)")
	fs.StringVar(&flags.StorageMode, "storage", "", "flow storage mode: memory or bolt (default: from config)")
	fs.StringVar(&flags.StoragePath, "storage-path", "", "flow database path for bolt mode (default: flows.db next to config)")
	fs.StringVar(&flags.LogFile, "log-file", "", "log file path with rotation (default: from config, stderr if unset)")
	fs.StringVar(&flags.OastServer, "oast-server", "", "interactsh server URL (default: public server pool)")

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	// Validate storage mode value
	switch flags.StorageMode {
	case "", StorageModeMemory, StorageModeBolt:
		// Valid
	default:
		return flags, fmt.Errorf("invalid --storage value %q: must be memory or bolt", flags.StorageMode)
	}

	return flags, nil
}
