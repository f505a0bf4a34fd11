package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration wraps time.Duration so TOML files can use strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText round-trips durations when a default config file is written.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Engine holds bootstrap parameters for the placement engine itself.
type Engine struct {
	// AnchorSubject is the directory subject registered as the placement
	// anchor on first start. Every tree without a referrer roots here.
	AnchorSubject string `toml:"AnchorSubject"`
}

// Logging selects level and optional rotated file output.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File,omitempty"`
	MaxSizeMB  int    `toml:"MaxSizeMB,omitempty"`
	MaxBackups int    `toml:"MaxBackups,omitempty"`
	MaxAgeDays int    `toml:"MaxAgeDays,omitempty"`
}

// Telemetry configures the optional OTLP exporters. Prometheus scraping of
// /metrics works regardless of this section.
type Telemetry struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint,omitempty"`
	Insecure bool   `toml:"Insecure,omitempty"`
	// Headers uses the OTLP convention: "key=value,key2=value2".
	Headers string `toml:"Headers,omitempty"`
	Metrics bool   `toml:"Metrics,omitempty"`
	Traces  bool   `toml:"Traces,omitempty"`
}

// RateLimit bounds request admission per client key.
type RateLimit struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

// Gateway configures the HTTP API surface.
type Gateway struct {
	// APIKeys maps key identifiers to shared HMAC secrets for signed
	// requests. UPTREE_API_KEYS (a JSON object) merges over this table.
	APIKeys map[string]string `toml:"APIKeys,omitempty"`

	// JWTSecret signs admin bearer tokens. Admin routes stay unmounted
	// when no secret resolves.
	JWTSecret     string `toml:"JWTSecret,omitempty"`
	JWTSecretFile string `toml:"JWTSecretFile,omitempty"`
	JWTSecretEnv  string `toml:"JWTSecretEnv,omitempty"`

	// TimestampSkew bounds the age of signed request timestamps.
	TimestampSkew Duration `toml:"TimestampSkew,omitempty"`

	// NonceStorePath is the directory backing replay protection.
	NonceStorePath string `toml:"NonceStorePath,omitempty"`
	// IdempotencyPath is the file backing the response replay cache.
	IdempotencyPath string `toml:"IdempotencyPath,omitempty"`

	// AllowedOrigins lists browser origins granted CORS access. Empty
	// leaves the headers off entirely.
	AllowedOrigins []string `toml:"AllowedOrigins,omitempty"`

	RateLimit RateLimit `toml:"RateLimit,omitempty"`
}

// Webhook configures outbox delivery. An empty endpoint disables the
// dispatcher; rows still accumulate for later draining.
type Webhook struct {
	Endpoint     string   `toml:"Endpoint,omitempty"`
	Secret       string   `toml:"Secret,omitempty"`
	SecretFile   string   `toml:"SecretFile,omitempty"`
	SecretEnv    string   `toml:"SecretEnv,omitempty"`
	PollInterval Duration `toml:"PollInterval,omitempty"`
	BatchSize    int      `toml:"BatchSize,omitempty"`
	MaxAttempts  int      `toml:"MaxAttempts,omitempty"`
	MinBackoff   Duration `toml:"MinBackoff,omitempty"`
	MaxBackoff   Duration `toml:"MaxBackoff,omitempty"`
	// Timeout bounds each delivery attempt end to end.
	Timeout Duration `toml:"Timeout,omitempty"`
}

// Stream configures the event hub and its durable journal.
type Stream struct {
	JournalPath  string `toml:"JournalPath,omitempty"`
	HistoryLimit int    `toml:"HistoryLimit,omitempty"`
}

// Exports configures snapshot export runs.
type Exports struct {
	Dir      string   `toml:"Dir,omitempty"`
	Interval Duration `toml:"Interval,omitempty"`
	// RetentionDays bounds how long the retention sweep keeps run
	// directories.
	RetentionDays int `toml:"RetentionDays,omitempty"`
}
