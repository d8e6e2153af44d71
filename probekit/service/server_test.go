package service

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/probetools/probekit/config"
)

func TestParseServeFlags(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		flags, err := ParseServeFlags(nil)
		require.NoError(t, err)
		assert.Empty(t, flags.ConfigPath)
		assert.Empty(t, flags.Listen)
		assert.Zero(t, flags.MaxJarDomains)
		assert.Empty(t, flags.StorageMode)
	})

	t.Run("all_flags", func(t *testing.T) {
		flags, err := ParseServeFlags([]string{
			"--config", "/tmp/alt.json",
			"--listen", "127.0.0.1:7777",
			"--max-jar-domains", "25",
			"--storage", "bolt",
			"--storage-path", "/tmp/flows.db",
			"--log-file", "/tmp/probekit.log",
			"--oast-server", "https://oast.internal",
		})
		require.NoError(t, err)
		assert.Equal(t, "/tmp/alt.json", flags.ConfigPath)
		assert.Equal(t, "127.0.0.1:7777", flags.Listen)
		assert.Equal(t, 25, flags.MaxJarDomains)
		assert.Equal(t, StorageModeBolt, flags.StorageMode)
		assert.Equal(t, "/tmp/flows.db", flags.StoragePath)
		assert.Equal(t, "/tmp/probekit.log", flags.LogFile)
		assert.Equal(t, "https://oast.internal", flags.OastServer)
	})

	t.Run("invalid_storage_mode", func(t *testing.T) {
		_, err := ParseServeFlags([]string{"--storage", "postgres"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be memory or bolt")
	})

	t.Run("unknown_flag", func(t *testing.T) {
		_, err := ParseServeFlags([]string{"--no-such-flag"})
		assert.Error(t, err)
	})
}

func TestLoadOrCreateConfig(t *testing.T) {
	t.Parallel()

	t.Run("creates_missing_config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")

		srv, err := NewServer(ServeFlags{ConfigPath: path}, nil, nil, nil)
		require.NoError(t, err)
		require.NoError(t, srv.loadOrCreateConfig())

		assert.FileExists(t, path)
		assert.Equal(t, config.DefaultListen, srv.listen)
		assert.Equal(t, config.DefaultMaxJarDomains, srv.cfg.MaxJarDomains)
	})

	t.Run("reads_existing_config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		cfg := config.DefaultConfig(config.Version)
		cfg.Listen = "127.0.0.1:7001"
		cfg.MaxJarDomains = 42
		require.NoError(t, cfg.Save(path))

		srv, err := NewServer(ServeFlags{ConfigPath: path}, nil, nil, nil)
		require.NoError(t, err)
		require.NoError(t, srv.loadOrCreateConfig())

		assert.Equal(t, "127.0.0.1:7001", srv.listen)
		assert.Equal(t, 42, srv.cfg.MaxJarDomains)
	})

	t.Run("flags_override_config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.json")
		cfg := config.DefaultConfig(config.Version)
		cfg.Listen = "127.0.0.1:7001"
		cfg.MaxJarDomains = 42
		cfg.Storage.Mode = StorageModeMemory
		require.NoError(t, cfg.Save(path))

		srv, err := NewServer(ServeFlags{
			ConfigPath:    path,
			Listen:        "127.0.0.1:7002",
			MaxJarDomains: 7,
			StorageMode:   StorageModeBolt,
			StoragePath:   filepath.Join(dir, "custom-flows.db"),
			OastServer:    "https://oast.internal",
		}, nil, nil, nil)
		require.NoError(t, err)
		require.NoError(t, srv.loadOrCreateConfig())

		assert.Equal(t, "127.0.0.1:7002", srv.listen)
		assert.Equal(t, 7, srv.cfg.MaxJarDomains)
		assert.Equal(t, StorageModeBolt, srv.cfg.Storage.Mode)
		assert.Equal(t, filepath.Join(dir, "custom-flows.db"), srv.cfg.Storage.Path)
		assert.Equal(t, "https://oast.internal", srv.cfg.Oast.ServerURL)
	})
}

func TestSetupStores(t *testing.T) {
	t.Parallel()

	t.Run("memory_mode", func(t *testing.T) {
		srv, err := NewServer(ServeFlags{
			ConfigPath: filepath.Join(t.TempDir(), "config.json"),
		}, nil, nil, nil)
		require.NoError(t, err)
		require.NoError(t, srv.loadOrCreateConfig())
		require.NoError(t, srv.setupStores())
		t.Cleanup(func() { _ = srv.flows.Close() })

		require.NotNil(t, srv.flows)
		require.NotNil(t, srv.jar)
	})

	t.Run("bolt_mode_creates_db_next_to_config", func(t *testing.T) {
		dir := t.TempDir()
		srv, err := NewServer(ServeFlags{
			ConfigPath:  filepath.Join(dir, "config.json"),
			StorageMode: StorageModeBolt,
		}, nil, nil, nil)
		require.NoError(t, err)
		require.NoError(t, srv.loadOrCreateConfig())
		require.NoError(t, srv.setupStores())
		t.Cleanup(func() { _ = srv.flows.Close() })

		assert.FileExists(t, filepath.Join(dir, "flows.db"))
	})

	t.Run("bolt_mode_explicit_path", func(t *testing.T) {
		dir := t.TempDir()
		dbPath := filepath.Join(dir, "custom.db")
		srv, err := NewServer(ServeFlags{
			ConfigPath:  filepath.Join(dir, "config.json"),
			StorageMode: StorageModeBolt,
			StoragePath: dbPath,
		}, nil, nil, nil)
		require.NoError(t, err)
		require.NoError(t, srv.loadOrCreateConfig())
		require.NoError(t, srv.setupStores())
		t.Cleanup(func() { _ = srv.flows.Close() })

		assert.FileExists(t, dbPath)
	})
}

func TestServerAddrBeforeStart(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(ServeFlags{}, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, srv.Addr())
}
