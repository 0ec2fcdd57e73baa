// Package config loads tasktrack settings from defaults, an optional YAML file
// and TASKTRACK_ environment variables, in that order of precedence.
package config

import "time"

// Config holds all configuration for tasktrack.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Status    StatusConfig    `koanf:"status"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds request server settings.
type ServerConfig struct {
	Name      string          `koanf:"name"`
	Host      string          `koanf:"host"`
	Port      int             `koanf:"port"`
	Transport string          `koanf:"transport"`
	Workers   int             `koanf:"workers"`
	Debug     bool            `koanf:"debug"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig caps per-connection request rates on the jsonl transport.
// Zero requests_per_second disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

type StorageConfig struct {
	Path         string        `koanf:"path"`
	SnapshotPath string        `koanf:"snapshot_path"`
	AutoSnapshot bool          `koanf:"auto_snapshot"`
	Breaker      BreakerConfig `koanf:"breaker"`
}

// BreakerConfig holds storage circuit breaker settings.
type BreakerConfig struct {
	MaxFailures int           `koanf:"max_failures"`
	Timeout     time.Duration `koanf:"timeout"`
}

// StatusConfig holds the read-only HTTP status API settings.
type StatusConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Exporter    string `koanf:"exporter"`
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`
}
