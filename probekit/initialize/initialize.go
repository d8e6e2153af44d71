package initialize

import (
	"fmt"
	"os"

	"github.com/go-appsec/probetools/probekit/cliutil"
	"github.com/go-appsec/probetools/probekit/config"
)

func run(reset bool) error {
	dir, err := config.Dir()
	if err != nil {
		return fmt.Errorf("failed to locate config directory: %w", err)
	}

	if reset {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to clear state: %w", err)
		}
		fmt.Println("Cleared previous state.")
		fmt.Println()
	}

	path, err := config.DefaultPath()
	if err != nil {
		return fmt.Errorf("failed to locate config path: %w", err)
	}

	_, statErr := os.Stat(path)
	existed := statErr == nil

	cfg, err := config.LoadOrCreate(path)
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Println(cliutil.Bold("probekit initialized"))
	fmt.Println()
	if existed {
		fmt.Printf("Config: %s (existing, left unchanged)\n", path)
	} else {
		fmt.Printf("Config: %s (created)\n", path)
	}
	fmt.Printf("Listen: %s\n", cfg.Listen)
	fmt.Printf("Storage: %s\n", storageDesc(cfg))
	fmt.Println()
	cliutil.HintCommand(os.Stdout, "To start the MCP server", "probekit mcp")
	cliutil.HintCommand(os.Stdout, "To wire into Claude Code", "claude mcp add --transport http probekit http://"+cfg.Listen+"/mcp")

	return nil
}

func storageDesc(cfg *config.Config) string {
	if cfg.Storage.Mode == "bolt" {
		if cfg.Storage.Path != "" {
			return "bolt (" + cfg.Storage.Path + ")"
		}
		return "bolt"
	}
	return "memory"
}
