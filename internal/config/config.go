// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultCloudflareBaseURL = "https://api.cloudflare.com"
	DefaultDirectusURL       = "http://127.0.0.1:8055"
	DefaultChunkSizeMiB      = 50
	DefaultQueueWorkers      = 2
	DefaultQueueBuffer       = 256
	DefaultRequestTimeout    = "30s"
	DefaultRateLimit         = 4.0
	DefaultReconcilePageSize = 100
)

// Environment variables that override the TOML file.
const (
	EnvStreamsToken     = "CLOUDFLARE_STREAMS_TOKEN"
	EnvStreamsAccountID = "CLOUDFLARE_STREAMS_ACCOUNT_ID"
	EnvDirectusURL      = "DIRECTUS_URL"
	EnvDirectusToken    = "DIRECTUS_TOKEN"
	EnvWebhookSecret    = "WEBHOOK_SECRET"
	EnvHTTPAddr         = "HTTP_ADDR"
	EnvDatabaseURL      = "DATABASE_URL"
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Webhook    WebhookConfig    `toml:"webhook"`
	Directus   DirectusConfig   `toml:"directus"`
	Cloudflare CloudflareConfig `toml:"cloudflare"`
	Queue      QueueConfig      `toml:"queue"`
	Reconcile  ReconcileConfig  `toml:"reconcile"`
	Postgres   PostgresConfig   `toml:"postgres"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP server listen address.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// WebhookConfig holds the shared secret the CMS sends as a bearer token.
// An empty secret leaves the event endpoint unauthenticated.
type WebhookConfig struct {
	Secret string `toml:"secret"`
}

// DirectusConfig points at the CMS REST API.
type DirectusConfig struct {
	URL            string `toml:"url"`
	Token          string `toml:"token"`
	RequestTimeout string `toml:"request_timeout"`
}

// CloudflareConfig holds the Stream account and credential.
type CloudflareConfig struct {
	AccountID      string  `toml:"account_id"`
	Token          string  `toml:"token"`
	BaseURL        string  `toml:"base_url"`
	ChunkSizeMiB   int64   `toml:"chunk_size_mib"`
	RequestTimeout string  `toml:"request_timeout"`
	RateLimit      float64 `toml:"rate_limit"`
}

// QueueConfig sizes the background upload worker pool.
type QueueConfig struct {
	Workers int `toml:"workers"`
	Buffer  int `toml:"buffer"`
}

// ReconcileConfig schedules the periodic sweep for videos missing a media id.
// An empty schedule disables the sweep.
type ReconcileConfig struct {
	Schedule string `toml:"schedule"`
	PageSize int    `toml:"page_size"`
}

// PostgresConfig enables cross-process upload locking when DSN is set.
type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Directus: DirectusConfig{
			URL:            DefaultDirectusURL,
			RequestTimeout: DefaultRequestTimeout,
		},
		Cloudflare: CloudflareConfig{
			BaseURL:        DefaultCloudflareBaseURL,
			ChunkSizeMiB:   DefaultChunkSizeMiB,
			RequestTimeout: DefaultRequestTimeout,
			RateLimit:      DefaultRateLimit,
		},
		Queue: QueueConfig{
			Workers: DefaultQueueWorkers,
			Buffer:  DefaultQueueBuffer,
		},
		Reconcile: ReconcileConfig{
			PageSize: DefaultReconcilePageSize,
		},
	}
}

// Load reads and parses the TOML config file at path, applies default values for
// missing fields, then applies environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*dst = value
		}
	}
	override(&cfg.Cloudflare.Token, EnvStreamsToken)
	override(&cfg.Cloudflare.AccountID, EnvStreamsAccountID)
	override(&cfg.Directus.URL, EnvDirectusURL)
	override(&cfg.Directus.Token, EnvDirectusToken)
	override(&cfg.Webhook.Secret, EnvWebhookSecret)
	override(&cfg.Server.Addr, EnvHTTPAddr)
	override(&cfg.Postgres.DSN, EnvDatabaseURL)
}
