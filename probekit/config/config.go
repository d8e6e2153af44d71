package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

const (
	Version = "0.1.0"

	// DefaultListen is the address the MCP service binds by default.
	DefaultListen = "127.0.0.1:9867"
	// DefaultMCPURL is where CLI clients reach the service.
	DefaultMCPURL = "http://127.0.0.1:9867/mcp"

	DefaultMaxJarDomains = 1000

	configDirName  = ".probekit"
	configFileName = "config.json"
	flowsFileName  = "flows.db"
)

// Config holds the probekit configuration stored in ~/.probekit/config.json
type Config struct {
	Version       string    `json:"version"`
	InitializedAt time.Time `json:"initialized_at"`
	Listen        string    `json:"listen"`
	MaxJarDomains int       `json:"max_jar_domains"`
	LogFile       string    `json:"log_file,omitempty"`

	Probe   ProbeConfig   `json:"probe"`
	Scan    ScanConfig    `json:"scan"`
	Oast    OastConfig    `json:"oast"`
	Storage StorageConfig `json:"storage"`
}

// ProbeConfig tunes the request prober.
type ProbeConfig struct {
	TimeoutSec      int    `json:"timeout_sec"`
	MaxBodyBytes    int64  `json:"max_body_bytes"`
	UserAgent       string `json:"user_agent,omitempty"`
	FollowRedirects bool   `json:"follow_redirects"`
}

// ScanConfig tunes scan sessions.
type ScanConfig struct {
	MaxDepth    int `json:"max_depth"`
	MaxPages    int `json:"max_pages"`
	DelayMS     int `json:"delay_ms"`
	Parallelism int `json:"parallelism"`
}

// OastConfig tunes out-of-band interaction sessions. An empty ServerURL
// selects the public interactsh server pool.
type OastConfig struct {
	ServerURL string `json:"server_url,omitempty"`
}

// StorageConfig selects the flow history backend.
// Mode is "memory" or "bolt"; Path applies to bolt only.
type StorageConfig struct {
	Mode string `json:"mode"`
	Path string `json:"path,omitempty"`
}

// DefaultConfig returns a new Config with default values
func DefaultConfig(version string) *Config {
	cfg := &Config{
		Version:       version,
		InitializedAt: time.Now().UTC(),
	}
	cfg.applyDefaults()
	return cfg
}

// UserAgent returns the User-Agent value probe requests send by default.
func UserAgent() string {
	return "probekit/" + Version
}

// Dir returns the probekit configuration directory (~/.probekit).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configDirName), nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// DefaultFlowsPath returns the default bolt storage location.
func DefaultFlowsPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, flowsFileName), nil
}

// Load reads and parses config from the given path.
// If the file doesn't exist, returns os.ErrNotExist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// LoadOrCreate loads the config at path, writing a default config first when
// none exists. The parent directory is created as needed.
func LoadOrCreate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	cfg = DefaultConfig(Version)
	if err := cfg.Save(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the given path atomically.
func (c *Config) Save(path string) error {
	if c == nil {
		return errors.New("config is nil")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// Write atomically by writing to temp file then renaming
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// applyDefaults fills in zero values with defaults
func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.MaxJarDomains <= 0 {
		c.MaxJarDomains = DefaultMaxJarDomains
	}
	if c.Probe.TimeoutSec <= 0 {
		c.Probe.TimeoutSec = 30
	}
	if c.Probe.MaxBodyBytes <= 0 {
		c.Probe.MaxBodyBytes = 1 << 20
	}
	if c.Scan.MaxDepth <= 0 {
		c.Scan.MaxDepth = 2
	}
	if c.Scan.MaxPages <= 0 {
		c.Scan.MaxPages = 50
	}
	if c.Scan.DelayMS < 0 {
		c.Scan.DelayMS = 0
	} else if c.Scan.DelayMS == 0 {
		c.Scan.DelayMS = 200
	}
	if c.Scan.Parallelism <= 0 {
		c.Scan.Parallelism = 4
	}
	if c.Storage.Mode == "" {
		c.Storage.Mode = "memory"
	}
}
