package config

const (
	TransportJSONL     = "jsonl"
	TransportMCPHTTP   = "mcp-http"
	TransportMCPStdio  = "mcp-stdio"
	defaultServerPort  = 8765
	defaultStatusPort  = 8766
	defaultWorkers     = 8
	defaultMaxFailures = 5
)

// defaults returns the values loaded before the config file and env vars.
func defaults() map[string]any {
	return map[string]any{
		"server.name":                           "TaskManagerServerV3",
		"server.host":                           "127.0.0.1",
		"server.port":                           defaultServerPort,
		"server.transport":                      TransportJSONL,
		"server.workers":                        defaultWorkers,
		"server.debug":                          false,
		"server.rate_limit.requests_per_second": 0.0,
		"server.rate_limit.burst":               0,

		"storage.path":                 ".tasktrack/tasktrack.db",
		"storage.snapshot_path":        ".tasktrack/snapshot.jsonl",
		"storage.auto_snapshot":        false,
		"storage.breaker.max_failures": defaultMaxFailures,
		"storage.breaker.timeout":      "30s",

		"status.enabled": false,
		"status.host":    "127.0.0.1",
		"status.port":    defaultStatusPort,

		"log.level":  "info",
		"log.format": "text",

		"telemetry.enabled":      false,
		"telemetry.exporter":     "stdout",
		"telemetry.endpoint":     "",
		"telemetry.service_name": "tasktrack",
	}
}
