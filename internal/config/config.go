// Package config loads and validates the agent configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/agentworkforce/pdvsync/internal/extract"
	"github.com/agentworkforce/pdvsync/internal/logging"
	"github.com/agentworkforce/pdvsync/internal/retry"
)

// DefaultPath is the .env file read when no path is given.
const DefaultPath = ".env"

type Config struct {
	// APIEndpoint is the collection endpoint receiving envelopes.
	APIEndpoint string `mapstructure:"API_ENDPOINT"`
	// APIToken is sent as the bearer credential.
	APIToken string `mapstructure:"API_TOKEN"`
	// RequestTimeoutSeconds bounds one HTTP attempt.
	RequestTimeoutSeconds int `mapstructure:"REQUEST_TIMEOUT_SECONDS"`

	// SyncWindowMinutes is the lookback used before any watermark exists.
	SyncWindowMinutes int `mapstructure:"SYNC_WINDOW_MINUTES"`
	// SyncInterval is the loop mode period (e.g. "10m").
	SyncInterval string `mapstructure:"SYNC_INTERVAL"`
	// SyncIntervalJitter is the fraction of SyncInterval added or removed at random.
	SyncIntervalJitter float64 `mapstructure:"SYNC_INTERVAL_JITTER"`

	StoreID    int    `mapstructure:"STORE_ID_PONTO_VENDA"`
	StoreAlias string `mapstructure:"STORE_ALIAS"`

	SQLServerHost     string `mapstructure:"SQL_SERVER_HOST"`
	SQLServerInstance string `mapstructure:"SQL_SERVER_INSTANCE"`
	SQLDatabase       string `mapstructure:"SQL_DATABASE"`
	SQLUsername       string `mapstructure:"SQL_USERNAME"`
	SQLPassword       string `mapstructure:"SQL_PASSWORD"`
	// SQLTrustedConnection uses Windows authentication; username and password are ignored.
	SQLTrustedConnection bool `mapstructure:"SQL_TRUSTED_CONNECTION"`
	// SQLEncrypt is "disable", "false", "true", "yes" or "mandatory".
	SQLEncrypt         string `mapstructure:"SQL_ENCRYPT"`
	SQLTrustServerCert bool   `mapstructure:"SQL_TRUST_SERVER_CERT"`

	// DataDir holds the watermark, outbox, dead letters and lock file.
	DataDir string `mapstructure:"DATA_DIR"`
	// StateDSN selects the watermark backend; defaults to <DATA_DIR>/state.json.
	StateDSN string `mapstructure:"STATE_DSN"`
	// OutboxDSN selects the outbox backend; defaults to <DATA_DIR>/outbox.
	OutboxDSN        string `mapstructure:"OUTBOX_DSN"`
	OutboxTTL        string `mapstructure:"OUTBOX_TTL"`
	OutboxMaxRetries int    `mapstructure:"OUTBOX_MAX_RETRIES"`

	DeliveryMaxAttempts    int    `mapstructure:"DELIVERY_MAX_ATTEMPTS"`
	DeliveryBackoffInitial string `mapstructure:"DELIVERY_BACKOFF_INITIAL"`
	DeliveryBackoffMax     string `mapstructure:"DELIVERY_BACKOFF_MAX"`

	LogFile       string `mapstructure:"LOG_FILE"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFormat     string `mapstructure:"LOG_FORMAT"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`

	// MetricsAddr enables the operator HTTP server (e.g. "127.0.0.1:9464"). Empty disables it.
	MetricsAddr string `mapstructure:"METRICS_ADDR"`
	// AdminToken guards /v1/admin/*. Empty rejects every admin request.
	AdminToken string `mapstructure:"ADMIN_TOKEN"`
}

func newViper(path string) *viper.Viper {
	if path == "" {
		path = DefaultPath
	}
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing file is fine, env vars still apply

	v.AutomaticEnv()

	v.SetDefault("API_ENDPOINT", "")
	v.SetDefault("API_TOKEN", "")
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 15)
	v.SetDefault("SYNC_WINDOW_MINUTES", 10)
	v.SetDefault("SYNC_INTERVAL", "10m")
	v.SetDefault("SYNC_INTERVAL_JITTER", 0.1)
	v.SetDefault("STORE_ID_PONTO_VENDA", 10)
	v.SetDefault("STORE_ALIAS", "Loja 01")
	v.SetDefault("SQL_SERVER_HOST", "localhost")
	v.SetDefault("SQL_SERVER_INSTANCE", "HIPER")
	v.SetDefault("SQL_DATABASE", "HiperPdv")
	v.SetDefault("SQL_USERNAME", "")
	v.SetDefault("SQL_PASSWORD", "")
	v.SetDefault("SQL_TRUSTED_CONNECTION", false)
	v.SetDefault("SQL_ENCRYPT", "disable")
	v.SetDefault("SQL_TRUST_SERVER_CERT", true)
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("STATE_DSN", "")
	v.SetDefault("OUTBOX_DSN", "")
	v.SetDefault("OUTBOX_TTL", "168h")
	v.SetDefault("OUTBOX_MAX_RETRIES", 50)
	v.SetDefault("DELIVERY_MAX_ATTEMPTS", 3)
	v.SetDefault("DELIVERY_BACKOFF_INITIAL", "2s")
	v.SetDefault("DELIVERY_BACKOFF_MAX", "30s")
	v.SetDefault("LOG_FILE", "./logs/agent.log")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_MAX_SIZE_MB", 10)
	v.SetDefault("LOG_MAX_AGE_DAYS", 30)
	v.SetDefault("METRICS_ADDR", "")
	v.SetDefault("ADMIN_TOKEN", "")
	return v
}

// Load reads path (if present, default .env), then builds and validates
// Config from the environment. Env vars override the file.
func Load(path string) (*Config, error) {
	return decode(newViper(path))
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.StateDSN == "" {
		cfg.StateDSN = filepath.Join(cfg.DataDir, "state.json")
	}
	if cfg.OutboxDSN == "" {
		cfg.OutboxDSN = filepath.Join(cfg.DataDir, "outbox")
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.APIEndpoint) == "" {
		return errors.New("config: API_ENDPOINT must be set")
	}
	if u, err := url.Parse(c.APIEndpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("config: API_ENDPOINT must be an absolute URL")
	}
	if strings.TrimSpace(c.APIToken) == "" {
		return errors.New("config: API_TOKEN must be set")
	}
	if c.StoreID <= 0 {
		return errors.New("config: STORE_ID_PONTO_VENDA must be positive")
	}
	if c.SyncWindowMinutes <= 0 {
		return errors.New("config: SYNC_WINDOW_MINUTES must be positive")
	}
	if c.SyncIntervalJitter < 0 || c.SyncIntervalJitter >= 1 {
		return errors.New("config: SYNC_INTERVAL_JITTER must be in [0, 1)")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("config: DATA_DIR must be set")
	}
	if !c.SQLTrustedConnection && c.SQLUsername == "" {
		return errors.New("config: SQL_USERNAME must be set unless SQL_TRUSTED_CONNECTION is true")
	}
	return nil
}

// Watch calls fn with the reloaded configuration every time the file at path
// changes. Invalid edits are reported through onErr and otherwise ignored.
func Watch(path string, fn func(*Config), onErr func(error)) error {
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	v := newViper(path)
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}

// RequestTimeout returns REQUEST_TIMEOUT_SECONDS as a duration, 15s if unset.
func (c *Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) WindowLookback() time.Duration {
	return time.Duration(c.SyncWindowMinutes) * time.Minute
}

// Interval parses SyncInterval. Returns 10m if unset or invalid.
func (c *Config) Interval() time.Duration {
	return parseDuration(c.SyncInterval, 10*time.Minute)
}

// TTL parses OutboxTTL. Returns 168h if unset or invalid.
func (c *Config) TTL() time.Duration {
	return parseDuration(c.OutboxTTL, 168*time.Hour)
}

// DeliveryPolicy is the transport retry policy built from the DELIVERY_* keys.
func (c *Config) DeliveryPolicy() retry.Policy {
	policy := retry.Transport()
	if c.DeliveryMaxAttempts > 0 {
		policy.MaxAttempts = c.DeliveryMaxAttempts
	}
	policy.Initial = parseDuration(c.DeliveryBackoffInitial, retry.DefaultInitial)
	policy.Max = parseDuration(c.DeliveryBackoffMax, retry.DefaultMax)
	return policy
}

func (c *Config) Conn() extract.ConnConfig {
	return extract.ConnConfig{
		Host:              c.SQLServerHost,
		Instance:          c.SQLServerInstance,
		Database:          c.SQLDatabase,
		User:              c.SQLUsername,
		Password:          c.SQLPassword,
		TrustedConnection: c.SQLTrustedConnection,
		Encrypt:           c.EncryptEnabled(),
		TrustServerCert:   c.SQLTrustServerCert,
	}
}

// EncryptEnabled reports whether SQLEncrypt asks for TLS.
func (c *Config) EncryptEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(c.SQLEncrypt)) {
	case "true", "yes", "mandatory", "strict", "1":
		return true
	default:
		return false
	}
}

func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		File:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxAgeDays: c.LogMaxAgeDays,
	}
}

// LockPath is the process lock guarding DataDir.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "agent.lock")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
