package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokenmeter/tokenmeter/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7777", cfg.Server.Listen)
	assert.Equal(t, 5.0, cfg.Server.RateLimit)
	assert.Equal(t, 10, cfg.Server.RateBurst)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, strings.HasSuffix(cfg.Storage.Path, filepath.Join("tokenmeter", "tokenmeter.db")))

	assert.Equal(t, 30*time.Second, cfg.Exec.Timeout)
	assert.Equal(t, int64(2<<20), cfg.Exec.MaxOutputBytes)
	assert.Equal(t, 4096, cfg.Exec.MaxStderrBytes)
	assert.Equal(t, []string{"curl", "wget", "http", "httpie"}, cfg.Exec.AllowedPrograms)

	assert.Equal(t, 5*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, uint64(64<<20), cfg.Sandbox.MaxMemoryBytes)
	assert.Equal(t, 10000, cfg.Sandbox.MaxScriptLength)
	assert.Equal(t, 1024, cfg.Sandbox.MaxCallStack)

	assert.Equal(t, "ccusage", cfg.CCUsage.Binary)
	assert.Equal(t, 30, cfg.CCUsage.Days)
	assert.Equal(t, 60*time.Second, cfg.CCUsage.Timeout)

	assert.Equal(t, "https://models.dev/api.json", cfg.Pricing.URL)
	assert.Equal(t, 10*time.Second, cfg.Pricing.Timeout)
	assert.Equal(t, "@daily", cfg.Pricing.RefreshSchedule)
	assert.Equal(t, 4, cfg.Refresh.Concurrency)

	assert.False(t, cfg.Alerts.Desktop.Enabled)
	assert.Equal(t, "#llm-costs", cfg.Alerts.Slack.Channel)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	data := []byte(`
storage:
  path: /tmp/test.db
server:
  listen: "127.0.0.1:9090"
logging:
  level: debug
exec:
  timeout: 10s
  allowed_programs: [curl]
ccusage:
  search_paths: [/opt/node/bin]
alerts:
  webhook:
    enabled: true
    url: https://hooks.example.com/x
`)
	err := os.WriteFile(cfgPath, data, 0o644)
	require.NoError(t, err)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test.db", cfg.Storage.Path)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 10*time.Second, cfg.Exec.Timeout)
	assert.Equal(t, []string{"curl"}, cfg.Exec.AllowedPrograms)
	assert.Equal(t, []string{"/opt/node/bin"}, cfg.CCUsage.SearchPaths)
	assert.True(t, cfg.Alerts.Webhook.Enabled)
	assert.Equal(t, "https://hooks.example.com/x", cfg.Alerts.Webhook.URL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TOKENMETER_LOGGING_LEVEL", "error")
	t.Setenv("TOKENMETER_SERVER_LISTEN", "127.0.0.1:7070")
	t.Setenv("TOKENMETER_SANDBOX_TIMEOUT", "2s")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:7070", cfg.Server.Listen)
	assert.Equal(t, 2*time.Second, cfg.Sandbox.Timeout)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	err := os.WriteFile(cfgPath, []byte("invalid: [yaml"), 0o644)
	require.NoError(t, err)

	_, err = config.Load(cfgPath)
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("refresh:\n  concurrency: 0\n"), 0o644))

	_, err := config.Load(cfgPath)
	assert.ErrorContains(t, err, "refresh.concurrency")
}
