package preflight

import (
	"context"

	"vigil/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Artifacts directory", cfg.Paths.ArtifactsDir),
		CheckDirectoryAccess("Capture directory", cfg.Paths.CaptureDir),
	}

	if cfg.MQTT.Enabled {
		results = append(results, CheckEndpoint(ctx, "MQTT broker", cfg.MQTT.Broker, "1883"))
	}
	if cfg.AMQP.Enabled {
		results = append(results, CheckEndpoint(ctx, "AMQP broker", cfg.AMQP.URL, "5672"))
	}
	if cfg.Postgres.Enabled {
		results = append(results, CheckEndpoint(ctx, "PostgreSQL", cfg.Postgres.DSN, "5432"))
	}
	if cfg.Artifacts.Enabled {
		port := "80"
		if cfg.Artifacts.UseSSL {
			port = "443"
		}
		results = append(results, CheckEndpoint(ctx, "MinIO", cfg.Artifacts.Endpoint, port))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
