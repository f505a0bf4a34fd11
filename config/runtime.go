package config

import (
	"uptree/observability/logging"
	"uptree/observability/otel"
	"uptree/plan"
)

// LoggingOptions maps the logging section onto the logger bootstrap.
func (c *Config) LoggingOptions() (logging.Options, error) {
	level, err := ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Options{}, err
	}
	return logging.Options{
		Service:    c.Service,
		Env:        c.Env,
		Level:      level,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}, nil
}

// TelemetryConfig maps the telemetry section onto the exporter bootstrap.
func (c *Config) TelemetryConfig() otel.Config {
	return otel.Config{
		ServiceName: c.Service,
		Environment: c.Env,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
		Headers:     otel.ParseHeaders(c.Telemetry.Headers),
		Metrics:     c.Telemetry.Metrics,
		Traces:      c.Telemetry.Traces,
	}
}

// LoadCatalog resolves slot pricing: the YAML seed when CatalogPath is set,
// the embedded doubling ladders otherwise.
func (c *Config) LoadCatalog() (plan.Catalog, error) {
	if c.CatalogPath == "" {
		return plan.DefaultCatalog(), nil
	}
	return plan.LoadCatalog(c.CatalogPath)
}
