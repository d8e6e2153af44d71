package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-appsec/probetools/probekit/config"
	"github.com/go-appsec/probetools/probekit/service/store"
)

const (
	shutdownTimeout = 10 * time.Second
	flowsDBFile     = "flows.db" // bolt database filename next to the config file
)

// Server is the probekit MCP server.
type Server struct {
	cfg        *config.Config
	configPath string // resolved config file path (respects --config flag)

	// CLI overrides, zero values mean use config
	flagListen        string
	flagConfigPath    string
	flagMaxJarDomains int
	flagStorageMode   string
	flagStoragePath   string
	flagLogFile       string
	flagOastServer    string

	listen string // resolved listen address

	// Runtime state
	mcpServer  *mcpServer
	started    chan struct{}
	startedAt  time.Time
	logCleanup func() error

	// Backend implementations
	probeBackend ProbeBackend
	scanBackend  ScanBackend
	oastBackend  OastBackend

	// Shared state: flow history and the cookie jar
	flows *store.FlowStore
	jar   *store.CookieJar

	// lastFlowID tracks the last flow_id returned from a flows-mode listing.
	// Used for "since=last" cursors in probe_list and scan_pages.
	lastFlowID atomic.Value // stores string

	// Shutdown coordination
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewServer creates a new MCP server instance with optional backends.
// If a backend is nil, Run initializes the default implementation.
func NewServer(flags ServeFlags, pb ProbeBackend, sb ScanBackend, ob OastBackend) (*Server, error) {
	return &Server{
		flagListen:        flags.Listen,
		flagConfigPath:    flags.ConfigPath,
		flagMaxJarDomains: flags.MaxJarDomains,
		flagStorageMode:   flags.StorageMode,
		flagStoragePath:   flags.StoragePath,
		flagLogFile:       flags.LogFile,
		flagOastServer:    flags.OastServer,
		started:           make(chan struct{}),
		shutdownCh:        make(chan struct{}),
		probeBackend:      pb,
		scanBackend:       sb,
		oastBackend:       ob,
	}, nil
}

// WaitTillStarted blocks until the server has started.
func (s *Server) WaitTillStarted() {
	<-s.started
}

// Addr returns the bound listen address, valid once the server has started.
// Useful when listening on port 0.
func (s *Server) Addr() string {
	if s.mcpServer == nil {
		return ""
	}
	return s.mcpServer.Addr()
}

// Run starts the MCP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	markStarted := sync.OnceFunc(func() {
		s.startedAt = time.Now()
		close(s.started)
	})
	defer markStarted()

	// Load or create config from ~/.probekit/config.json
	if err := s.loadOrCreateConfig(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanup, err := setupLogging(s.cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	s.logCleanup = cleanup

	log.Printf("probekit MCP server starting (version=%s)", config.Version)

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := s.setupStores(); err != nil {
		return fmt.Errorf("failed to set up flow storage: %w", err)
	}
	s.setupBackends()

	// Start MCP server
	s.mcpServer = newMCPServer(s)
	if err := s.mcpServer.Start(s.listen); err != nil {
		return fmt.Errorf("failed to start MCP server: %w", err)
	}

	markStarted()
	log.Printf("MCP server listening on http://%s/mcp", s.mcpServer.Addr())
	s.printMCPConfig()

	select {
	case <-ctx.Done():
		log.Printf("context cancelled, initiating shutdown")
	case sig := <-sigCh:
		log.Printf("received signal %v, initiating shutdown", sig)
	case <-s.shutdownCh:
		log.Printf("shutdown requested")
	}

	signal.Stop(sigCh)

	return s.shutdown()
}

// shutdown performs graceful shutdown.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Close MCP server
	if s.mcpServer != nil {
		if err := s.mcpServer.Close(ctx); err != nil {
			log.Printf("MCP server shutdown error: %v", err)
		}
	}

	// Wait for any ongoing operations
	s.wg.Wait()

	// Close backends
	if s.probeBackend != nil {
		if err := s.probeBackend.Close(); err != nil {
			log.Printf("warning: failed to close ProbeBackend: %v", err)
		}
	}
	if s.scanBackend != nil {
		if err := s.scanBackend.Close(); err != nil {
			log.Printf("warning: failed to close ScanBackend: %v", err)
		}
	}
	if s.oastBackend != nil {
		if err := s.oastBackend.Close(); err != nil {
			log.Printf("warning: failed to close OastBackend: %v", err)
		}
	}

	// Flow storage last so late flow writes from backends still land
	if s.flows != nil {
		if err := s.flows.Close(); err != nil {
			log.Printf("warning: failed to close flow storage: %v", err)
		}
	}

	log.Printf("probekit MCP server stopped")
	if s.logCleanup != nil {
		_ = s.logCleanup()
	}
	return nil
}

// RequestShutdown initiates server shutdown.
func (s *Server) RequestShutdown() {
	select {
	case <-s.shutdownCh:
		// Already shutting down
	default:
		close(s.shutdownCh)
	}
}

// loadOrCreateConfig loads config and applies CLI flag overrides.
// Precedence: CLI flags > config file > defaults
func (s *Server) loadOrCreateConfig() error {
	// Determine config path (respects --config flag)
	s.configPath = s.flagConfigPath
	if s.configPath == "" {
		path, err := config.DefaultPath()
		if err != nil {
			return err
		}
		s.configPath = path
	}

	cfg, err := config.LoadOrCreate(s.configPath)
	if err != nil {
		return err
	}

	// Apply CLI flag overrides (non-zero values override config)
	if s.flagListen != "" {
		cfg.Listen = s.flagListen
	}
	if s.flagMaxJarDomains > 0 {
		cfg.MaxJarDomains = s.flagMaxJarDomains
	}
	if s.flagStorageMode != "" {
		cfg.Storage.Mode = s.flagStorageMode
	}
	if s.flagStoragePath != "" {
		cfg.Storage.Path = s.flagStoragePath
	}
	if s.flagLogFile != "" {
		cfg.LogFile = s.flagLogFile
	}
	if s.flagOastServer != "" {
		cfg.Oast.ServerURL = s.flagOastServer
	}

	s.listen = cfg.Listen
	s.cfg = cfg
	return nil
}

// setupStores initializes flow storage and the cookie jar.
func (s *Server) setupStores() error {
	var storage store.Storage
	switch s.cfg.Storage.Mode {
	case StorageModeBolt:
		path := s.cfg.Storage.Path
		if path == "" {
			path = filepath.Join(filepath.Dir(s.configPath), flowsDBFile)
		}
		bolt, err := store.NewBoltStorage(path)
		if err != nil {
			return fmt.Errorf("open bolt storage at %s: %w", path, err)
		}
		log.Printf("flow storage: bolt at %s", path)
		storage = bolt
	default:
		storage = store.NewMemStorage()
	}

	s.flows = store.NewFlowStore(storage)
	s.jar = store.NewCookieJar(s.cfg.MaxJarDomains)
	return nil
}

// setupBackends fills in default implementations for any nil backend.
func (s *Server) setupBackends() {
	if s.probeBackend == nil {
		s.probeBackend = NewNativeProbeBackend(s.cfg.Probe, s.flows, s.jar)
	}
	if s.scanBackend == nil {
		s.scanBackend = NewCollyScanBackend(s.cfg.Scan, s.flows, s.jar)
	}
	if s.oastBackend == nil {
		s.oastBackend = NewInteractshBackend(s.cfg.Oast.ServerURL)
	}
}

// printMCPConfig outputs MCP configuration instructions to stderr.
func (s *Server) printMCPConfig() {
	addr := s.mcpServer.Addr()
	mcpURL := fmt.Sprintf("http://%s/mcp", addr)
	sseURL := fmt.Sprintf("http://%s/sse", addr)

	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintln(os.Stderr, "================================================================================")
	_, _ = fmt.Fprintf(os.Stderr, "MCP Endpoint: %s\n", mcpURL)
	_, _ = fmt.Fprintf(os.Stderr, "SSE Endpoint: %s (legacy)\n", sseURL)
	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintln(os.Stderr, "Claude Code:")
	_, _ = fmt.Fprintf(os.Stderr, "  claude mcp add --transport http probekit %s\n", mcpURL)
	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintln(os.Stderr, "Codex (~/.codex/config.toml):")
	_, _ = fmt.Fprintln(os.Stderr, "  [mcp_servers.probekit]")
	_, _ = fmt.Fprintf(os.Stderr, "  url = \"%s\"\n", mcpURL)
	_, _ = fmt.Fprintln(os.Stderr, "================================================================================")
	_, _ = fmt.Fprintln(os.Stderr, "")
}
