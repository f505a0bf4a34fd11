package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon's runtime configuration, decoded from TOML and then
// overridden by UPTREE_* environment variables.
type Config struct {
	Service       string `toml:"Service"`
	Env           string `toml:"Env"`
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	// DatabaseDSN is a postgres:// URL or a sqlite file path.
	DatabaseDSN string `toml:"DatabaseDSN"`
	// CatalogPath points at a YAML slot-pricing seed. Empty uses the
	// embedded doubling ladders.
	CatalogPath string `toml:"CatalogPath,omitempty"`

	Engine    Engine    `toml:"Engine,omitempty"`
	Logging   Logging   `toml:"Logging,omitempty"`
	Telemetry Telemetry `toml:"Telemetry,omitempty"`
	Gateway   Gateway   `toml:"Gateway,omitempty"`
	Webhook   Webhook   `toml:"Webhook,omitempty"`
	Stream    Stream    `toml:"Stream,omitempty"`
	Exports   Exports   `toml:"Exports,omitempty"`
}

// Load reads the configuration at path, creating a default file when none
// exists. Environment overrides and defaults are applied before validation,
// so the returned Config is ready to use.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		seed := &Config{}
		applyDefaults(seed)
		if err := persist(path, seed); err != nil {
			return nil, err
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %q", path, undecoded[0].String())
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers UPTREE_* variables over the file values. Env wins so
// container deployments can share one config file.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("UPTREE_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("UPTREE_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("UPTREE_DATABASE_DSN")); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("UPTREE_CATALOG")); v != "" {
		cfg.CatalogPath = v
	}
	if v := strings.TrimSpace(os.Getenv("UPTREE_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("UPTREE_LOG_FILE")); v != "" {
		cfg.Logging.File = v
	}
	if v := strings.TrimSpace(os.Getenv("UPTREE_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("UPTREE_WEBHOOK_ENDPOINT")); v != "" {
		cfg.Webhook.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("UPTREE_WEBHOOK_SECRET")); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv("UPTREE_JWT_SECRET")); v != "" {
		cfg.Gateway.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("UPTREE_STREAM_JOURNAL")); v != "" {
		cfg.Stream.JournalPath = v
	}
	if v := strings.TrimSpace(os.Getenv("UPTREE_EXPORT_DIR")); v != "" {
		cfg.Exports.Dir = v
	}
	if raw := strings.TrimSpace(os.Getenv("UPTREE_API_KEYS")); raw != "" {
		keys := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &keys); err == nil {
			if cfg.Gateway.APIKeys == nil {
				cfg.Gateway.APIKeys = map[string]string{}
			}
			for id, secret := range keys {
				cfg.Gateway.APIKeys[id] = secret
			}
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Service == "" {
		cfg.Service = "uptreed"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./uptree-data"
	}
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = filepath.Join(cfg.DataDir, "uptree.db")
	}
	if cfg.Engine.AnchorSubject == "" {
		cfg.Engine.AnchorSubject = "anchor"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Gateway.TimestampSkew.Duration == 0 {
		cfg.Gateway.TimestampSkew.Duration = 5 * time.Minute
	}
	if cfg.Gateway.NonceStorePath == "" {
		cfg.Gateway.NonceStorePath = filepath.Join(cfg.DataDir, "nonces")
	}
	if cfg.Gateway.IdempotencyPath == "" {
		cfg.Gateway.IdempotencyPath = filepath.Join(cfg.DataDir, "idempotency.db")
	}
	if cfg.Gateway.RateLimit.RequestsPerSecond == 0 {
		cfg.Gateway.RateLimit.RequestsPerSecond = 50
	}
	if cfg.Gateway.RateLimit.Burst == 0 {
		cfg.Gateway.RateLimit.Burst = 100
	}
	if cfg.Webhook.PollInterval.Duration == 0 {
		cfg.Webhook.PollInterval.Duration = time.Second
	}
	if cfg.Webhook.BatchSize == 0 {
		cfg.Webhook.BatchSize = 100
	}
	if cfg.Webhook.MaxAttempts == 0 {
		cfg.Webhook.MaxAttempts = 5
	}
	if cfg.Webhook.MinBackoff.Duration == 0 {
		cfg.Webhook.MinBackoff.Duration = 2 * time.Second
	}
	if cfg.Webhook.MaxBackoff.Duration == 0 {
		cfg.Webhook.MaxBackoff.Duration = 30 * time.Second
	}
	if cfg.Webhook.Timeout.Duration == 0 {
		cfg.Webhook.Timeout.Duration = 15 * time.Second
	}
	if cfg.Stream.JournalPath == "" {
		cfg.Stream.JournalPath = filepath.Join(cfg.DataDir, "journal.db")
	}
	if cfg.Stream.HistoryLimit == 0 {
		cfg.Stream.HistoryLimit = 2048
	}
	if cfg.Exports.Dir == "" {
		cfg.Exports.Dir = filepath.Join(cfg.DataDir, "exports")
	}
	if cfg.Exports.Interval.Duration == 0 {
		cfg.Exports.Interval.Duration = time.Hour
	}
	if cfg.Exports.RetentionDays == 0 {
		cfg.Exports.RetentionDays = 30
	}
}

// resolveSecrets dereferences the *File and *Env indirections so the rest of
// the process only ever sees literal values.
func (c *Config) resolveSecrets() error {
	secret, err := resolveSecret(c.Webhook.Secret, c.Webhook.SecretFile, c.Webhook.SecretEnv)
	if err != nil {
		return fmt.Errorf("webhook secret: %w", err)
	}
	c.Webhook.Secret = secret
	c.Webhook.SecretFile = ""
	c.Webhook.SecretEnv = ""

	token, err := resolveSecret(c.Gateway.JWTSecret, c.Gateway.JWTSecretFile, c.Gateway.JWTSecretEnv)
	if err != nil {
		return fmt.Errorf("gateway jwt secret: %w", err)
	}
	c.Gateway.JWTSecret = token
	c.Gateway.JWTSecretFile = ""
	c.Gateway.JWTSecretEnv = ""
	return nil
}

func resolveSecret(value, file, env string) (string, error) {
	if v := strings.TrimSpace(value); v != "" {
		return v, nil
	}
	if path := strings.TrimSpace(file); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	if name := strings.TrimSpace(env); name != "" {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			return "", fmt.Errorf("environment variable %s is empty", name)
		}
		return v, nil
	}
	return "", nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
