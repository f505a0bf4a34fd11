package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// ParseLevel maps the configured level name onto slog.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown log level %q", raw)
}

// Validate rejects configurations that would start a broken daemon. It runs
// after defaults, so zero values here mean an explicit bad setting.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Service) == "" {
		return fmt.Errorf("config: Service must not be blank")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress must not be blank")
	}
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return fmt.Errorf("config: DatabaseDSN must not be blank")
	}
	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if cfg.Telemetry.Enabled && !cfg.Telemetry.Metrics && !cfg.Telemetry.Traces {
		return fmt.Errorf("config: Telemetry enabled with neither Metrics nor Traces")
	}
	if cfg.Gateway.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("config: Gateway.RateLimit.RequestsPerSecond must be positive")
	}
	if cfg.Gateway.RateLimit.Burst <= 0 {
		return fmt.Errorf("config: Gateway.RateLimit.Burst must be positive")
	}
	if cfg.Gateway.TimestampSkew.Duration <= 0 {
		return fmt.Errorf("config: Gateway.TimestampSkew must be positive")
	}
	if cfg.Webhook.Endpoint != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("config: Webhook.Secret required when Webhook.Endpoint is set")
	}
	if cfg.Webhook.MaxAttempts <= 0 {
		return fmt.Errorf("config: Webhook.MaxAttempts must be positive")
	}
	if cfg.Webhook.MinBackoff.Duration > cfg.Webhook.MaxBackoff.Duration {
		return fmt.Errorf("config: Webhook.MinBackoff exceeds MaxBackoff")
	}
	if cfg.Webhook.Timeout.Duration <= 0 {
		return fmt.Errorf("config: Webhook.Timeout must be positive")
	}
	if cfg.Stream.HistoryLimit <= 0 {
		return fmt.Errorf("config: Stream.HistoryLimit must be positive")
	}
	if cfg.Exports.RetentionDays <= 0 {
		return fmt.Errorf("config: Exports.RetentionDays must be positive")
	}
	return nil
}
