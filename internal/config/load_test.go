package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldi/tasktrack/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tasktrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "TaskManagerServerV3", cfg.Server.Name)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, config.TransportJSONL, cfg.Server.Transport)
	assert.Equal(t, 8, cfg.Server.Workers)
	assert.Zero(t, cfg.Server.RateLimit.RequestsPerSecond)
	assert.Equal(t, ".tasktrack/tasktrack.db", cfg.Storage.Path)
	assert.Equal(t, 30*time.Second, cfg.Storage.Breaker.Timeout)
	assert.False(t, cfg.Status.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  name: Tracker
  port: 9000
  transport: mcp-http
  rate_limit:
    requests_per_second: 50
    burst: 10
storage:
  path: /tmp/tasks.db
  auto_snapshot: true
  breaker:
    timeout: 5s
status:
  enabled: true
  port: 9001
log:
  format: json
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Tracker", cfg.Server.Name)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, config.TransportMCPHTTP, cfg.Server.Transport)
	assert.InDelta(t, 50.0, cfg.Server.RateLimit.RequestsPerSecond, 0.001)
	assert.Equal(t, 10, cfg.Server.RateLimit.Burst)
	assert.Equal(t, "/tmp/tasks.db", cfg.Storage.Path)
	assert.True(t, cfg.Storage.AutoSnapshot)
	assert.Equal(t, 5*time.Second, cfg.Storage.Breaker.Timeout)
	assert.Equal(t, 5, cfg.Storage.Breaker.MaxFailures, "unset keys keep their defaults")
	assert.True(t, cfg.Status.Enabled)
	assert.Equal(t, 9001, cfg.Status.Port)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("TASKTRACK_SERVER_PORT", "9100")
	t.Setenv("TASKTRACK_STORAGE_SNAPSHOT_PATH", "/tmp/snap.jsonl")
	t.Setenv("TASKTRACK_SERVER_RATE_LIMIT_BURST", "4")
	t.Setenv("TASKTRACK_SERVER_DEBUG", "true")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "/tmp/snap.jsonl", cfg.Storage.SnapshotPath)
	assert.Equal(t, 4, cfg.Server.RateLimit.Burst)
	assert.True(t, cfg.Server.Debug)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "loading config")
}

func TestLoad_InvalidValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 0
  transport: carrier-pigeon
  workers: 0
log:
  level: loud
`)

	_, err := config.Load(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "server.port")
	assert.ErrorContains(t, err, "server.transport")
	assert.ErrorContains(t, err, "server.workers")
	assert.ErrorContains(t, err, "log.level")
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		cfg, err := config.Load("")
		require.NoError(t, err)
		return *cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"defaults", func(*config.Config) {}, ""},
		{"blank name", func(c *config.Config) { c.Server.Name = " " }, "server.name"},
		{"negative rate", func(c *config.Config) { c.Server.RateLimit.RequestsPerSecond = -1 }, "requests_per_second"},
		{"rate without burst", func(c *config.Config) { c.Server.RateLimit.RequestsPerSecond = 5 }, "server.rate_limit.burst"},
		{"empty db path", func(c *config.Config) { c.Storage.Path = "" }, "storage.path"},
		{"auto snapshot without path", func(c *config.Config) {
			c.Storage.AutoSnapshot = true
			c.Storage.SnapshotPath = ""
		}, "storage.snapshot_path"},
		{"breaker failures", func(c *config.Config) { c.Storage.Breaker.MaxFailures = 0 }, "max_failures"},
		{"status port clash", func(c *config.Config) {
			c.Status.Enabled = true
			c.Status.Port = c.Server.Port
		}, "status.port"},
		{"status port clash is fine over stdio", func(c *config.Config) {
			c.Status.Enabled = true
			c.Status.Port = c.Server.Port
			c.Server.Transport = config.TransportMCPStdio
		}, ""},
		{"otlp without endpoint", func(c *config.Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Exporter = "otlp"
		}, "telemetry.endpoint"},
		{"unknown exporter", func(c *config.Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Exporter = "zipkin"
		}, "telemetry.exporter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
