package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(strings.NewReader("  \n"), FormatTOML)
	require.NoError(t, err)
	assert.Equal(t, "memory://", cfg.Remote.DSN)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(`
image:
  path: /saves/castlevania.mpk
remote:
  dsn: http://couch:5984/saves
sync:
  policy: progress
logging:
  level: debug
`), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "/saves/castlevania.mpk", cfg.Image.Path)
	assert.Equal(t, "http://couch:5984/saves", cfg.Remote.DSN)
	assert.Equal(t, "progress", cfg.Sync.Policy)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Sync.Concurrency)
	assert.Equal(t, 3, cfg.Remote.MaxRetries)
}

func TestLoadTOML(t *testing.T) {
	cfg, err := Load(strings.NewReader(`
[remote]
dsn = "postgres://u:p@db/paksync"
max_retries = 5

[sync]
ledger_dsn = "bolt:///var/lib/paksync/ledger.db"
concurrency = 2
`), FormatTOML)
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db/paksync", cfg.Remote.DSN)
	assert.Equal(t, 5, cfg.Remote.MaxRetries)
	assert.Equal(t, "bolt:///var/lib/paksync/ledger.db", cfg.Sync.LedgerDSN)
	assert.Equal(t, 2, cfg.Sync.Concurrency)
}

func TestLoadRejectsMalformedInput(t *testing.T) {
	_, err := Load(strings.NewReader("remote: [unterminated"), FormatYAML)
	assert.Error(t, err)
	_, err = Load(strings.NewReader("[remote"), FormatTOML)
	assert.Error(t, err)
	_, err = Load(strings.NewReader("a: b"), Format("ini"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(dir, "paksync.toml")
	require.NoError(t, os.WriteFile(path, []byte("[image]\npath = \"a.n64\"\n"), 0o644))
	cfg, err = LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a.n64", cfg.Image.Path)

	path = filepath.Join(dir, "paksync.yml")
	require.NoError(t, os.WriteFile(path, []byte("image:\n  path: b.eep\n"), 0o644))
	cfg, err = LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "b.eep", cfg.Image.Path)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PAKSYNC_REMOTE_DSN", "memory://")
	t.Setenv("PAKSYNC_CONCURRENCY", "8")
	t.Setenv("PAKSYNC_INTERVAL", "5s")
	t.Setenv("PAKSYNC_REMOTE_TIMEOUT", "soon")
	t.Setenv("PAKSYNC_REMOTE_MAX_RETRIES", "many")
	t.Setenv("PAKSYNC_TRACING", "true")

	cfg := Default()
	cfg.Remote.DSN = "http://elsewhere"
	cfg.ApplyEnv()
	assert.Equal(t, "memory://", cfg.Remote.DSN)
	assert.Equal(t, 8, cfg.Sync.Concurrency)
	assert.Equal(t, "5s", cfg.Sync.Interval)
	assert.Equal(t, "15s", cfg.Remote.Timeout)
	assert.Equal(t, 3, cfg.Remote.MaxRetries)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 2*time.Second, ParseDuration("", 2*time.Second, nil))
	assert.Equal(t, 2*time.Second, ParseDuration("0", 2*time.Second, nil))
	assert.Equal(t, 2*time.Second, ParseDuration("-1s", 2*time.Second, slog.Default()))
	assert.Equal(t, 2*time.Second, ParseDuration("eventually", 2*time.Second, slog.Default()))
	assert.Equal(t, 90*time.Second, ParseDuration("1m30s", 2*time.Second, nil))
}

func TestCreateLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paksync.log")
	logger, closer, err := CreateLogger(LoggingConfig{Level: "debug", Output: "file", Format: "json", File: path})
	require.NoError(t, err)
	require.NotNil(t, closer)
	logger.Debug("slot imported", "key", "ND3EA4-CASTLEVANIA")
	require.NoError(t, closer.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"key":"ND3EA4-CASTLEVANIA"`)

	logger, closer, err = CreateLogger(LoggingConfig{Output: "none"})
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.NotNil(t, logger)

	for _, bad := range []LoggingConfig{
		{Level: "loud"},
		{Output: "printer"},
		{Output: "file"},
		{Output: "none", Format: "xml"},
	} {
		_, _, err := CreateLogger(bad)
		assert.Error(t, err, "%+v", bad)
	}
}

func TestInitTracerProvider(t *testing.T) {
	ctx := context.Background()
	tp, cleanup, err := InitTracerProvider(ctx, TracingConfig{}, nil)
	require.NoError(t, err)
	require.NotNil(t, tp)
	cleanup()

	tp, cleanup, err = InitTracerProvider(ctx, TracingConfig{Enabled: true, Protocol: "http", Endpoint: "127.0.0.1:4318"}, slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, tp.Tracer("test"))
	cleanup()

	_, _, err = InitTracerProvider(ctx, TracingConfig{Enabled: true, Protocol: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}
