package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks all configuration values and returns aggregated errors.
func (c *Config) Validate() error {
	return errors.Join(
		c.Server.validate(),
		c.Storage.validate(),
		c.Status.validate(c.Server),
		c.Log.validate(),
		c.Telemetry.validate(),
	)
}

func (s *ServerConfig) validate() error {
	var errs []error

	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("server.name must not be empty"))
	}
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", s.Port))
	}
	switch s.Transport {
	case TransportJSONL, TransportMCPHTTP, TransportMCPStdio:
	default:
		errs = append(errs, fmt.Errorf("server.transport must be one of: %s, %s, %s; got %q",
			TransportJSONL, TransportMCPHTTP, TransportMCPStdio, s.Transport))
	}
	if s.Workers < 1 {
		errs = append(errs, fmt.Errorf("server.workers must be >= 1, got %d", s.Workers))
	}
	if s.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("server.rate_limit.requests_per_second must not be negative"))
	}
	if s.RateLimit.RequestsPerSecond > 0 && s.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Errorf("server.rate_limit.burst must be >= 1 when limiting, got %d", s.RateLimit.Burst))
	}

	return errors.Join(errs...)
}

func (s *StorageConfig) validate() error {
	var errs []error

	if s.Path == "" {
		errs = append(errs, errors.New("storage.path must not be empty"))
	}
	if s.AutoSnapshot && s.SnapshotPath == "" {
		errs = append(errs, errors.New("storage.snapshot_path must not be empty when auto_snapshot is on"))
	}
	if s.Breaker.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("storage.breaker.max_failures must be >= 1, got %d", s.Breaker.MaxFailures))
	}
	if s.Breaker.Timeout <= 0 {
		errs = append(errs, errors.New("storage.breaker.timeout must be positive"))
	}

	return errors.Join(errs...)
}

func (s *StatusConfig) validate(server ServerConfig) error {
	if !s.Enabled {
		return nil
	}

	var errs []error
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("status.port must be between 1 and 65535, got %d", s.Port))
	}
	if s.Port == server.Port && server.Transport != TransportMCPStdio {
		errs = append(errs, fmt.Errorf("status.port must differ from server.port (%d)", server.Port))
	}
	return errors.Join(errs...)
}

func (l *LogConfig) validate() error {
	var errs []error

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", l.Level))
	}

	switch l.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be one of: json, text; got %q", l.Format))
	}

	return errors.Join(errs...)
}

func (t *TelemetryConfig) validate() error {
	if !t.Enabled {
		return nil
	}

	var errs []error

	switch t.Exporter {
	case "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter must be one of: stdout, otlp; got %q", t.Exporter))
	}
	if t.Exporter == "otlp" && t.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint must not be empty when exporter is otlp"))
	}

	return errors.Join(errs...)
}
