// Package boot resolves validated runtime settings from the loaded configuration.
package boot

import (
	"fmt"
	"strings"
	"time"

	"github.com/memohai/streamsync/internal/config"
)

// IntegrationState tells whether the Stream integration may issue requests.
type IntegrationState int

const (
	IntegrationDisabled IntegrationState = iota
	IntegrationEnabled
)

// Integration is the validated Cloudflare Stream configuration. A disabled
// integration carries only the reason; its credential fields are empty.
type Integration struct {
	State     IntegrationState
	Reason    string
	AccountID string
	Token     string
}

// Enabled reports whether the integration has credentials.
func (i Integration) Enabled() bool {
	return i.State == IntegrationEnabled
}

// Disabled builds a disabled integration with the given reason.
func Disabled(reason string) Integration {
	return Integration{State: IntegrationDisabled, Reason: reason}
}

// ResolveIntegration validates the Stream credentials once. Missing values
// produce a disabled integration rather than an error.
func ResolveIntegration(cfg config.Config) Integration {
	accountID := strings.TrimSpace(cfg.Cloudflare.AccountID)
	token := strings.TrimSpace(cfg.Cloudflare.Token)
	switch {
	case token == "" && accountID == "":
		return Disabled("cloudflare streams token and account id are not set")
	case token == "":
		return Disabled("cloudflare streams token is not set")
	case accountID == "":
		return Disabled("cloudflare streams account id is not set")
	}
	return Integration{State: IntegrationEnabled, AccountID: accountID, Token: token}
}

// RuntimeConfig holds parsed runtime settings derived from config.Config.
type RuntimeConfig struct {
	ServerAddr        string
	WebhookSecret     string
	DirectusURL       string
	DirectusToken     string
	DirectusTimeout   time.Duration
	CloudflareBaseURL string
	CloudflareTimeout time.Duration
	RateLimit         float64
	ChunkSize         int64
	QueueWorkers      int
	QueueBuffer       int
	ReconcileSchedule string
	ReconcilePageSize int
	PostgresDSN       string
	Integration       Integration
}

// ProvideRuntimeConfig builds RuntimeConfig from the given config.
func ProvideRuntimeConfig(cfg config.Config) (*RuntimeConfig, error) {
	directusTimeout, err := parseTimeout(cfg.Directus.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid directus request timeout: %w", err)
	}
	cloudflareTimeout, err := parseTimeout(cfg.Cloudflare.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid cloudflare request timeout: %w", err)
	}
	if cfg.Cloudflare.ChunkSizeMiB < 0 {
		return nil, fmt.Errorf("chunk size must not be negative")
	}
	chunkSize := cfg.Cloudflare.ChunkSizeMiB * 1024 * 1024
	if chunkSize == 0 {
		chunkSize = config.DefaultChunkSizeMiB * 1024 * 1024
	}

	ret := &RuntimeConfig{
		ServerAddr:        cfg.Server.Addr,
		WebhookSecret:     strings.TrimSpace(cfg.Webhook.Secret),
		DirectusURL:       strings.TrimRight(strings.TrimSpace(cfg.Directus.URL), "/"),
		DirectusToken:     strings.TrimSpace(cfg.Directus.Token),
		DirectusTimeout:   directusTimeout,
		CloudflareBaseURL: strings.TrimRight(strings.TrimSpace(cfg.Cloudflare.BaseURL), "/"),
		CloudflareTimeout: cloudflareTimeout,
		RateLimit:         cfg.Cloudflare.RateLimit,
		ChunkSize:         chunkSize,
		QueueWorkers:      cfg.Queue.Workers,
		QueueBuffer:       cfg.Queue.Buffer,
		ReconcileSchedule: strings.TrimSpace(cfg.Reconcile.Schedule),
		ReconcilePageSize: cfg.Reconcile.PageSize,
		PostgresDSN:       strings.TrimSpace(cfg.Postgres.DSN),
		Integration:       ResolveIntegration(cfg),
	}
	if ret.ServerAddr == "" {
		ret.ServerAddr = config.DefaultHTTPAddr
	}
	if ret.CloudflareBaseURL == "" {
		ret.CloudflareBaseURL = config.DefaultCloudflareBaseURL
	}
	if ret.QueueWorkers <= 0 {
		ret.QueueWorkers = config.DefaultQueueWorkers
	}
	if ret.QueueBuffer <= 0 {
		ret.QueueBuffer = config.DefaultQueueBuffer
	}
	if ret.ReconcilePageSize <= 0 {
		ret.ReconcilePageSize = config.DefaultReconcilePageSize
	}
	return ret, nil
}

func parseTimeout(value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		value = config.DefaultRequestTimeout
	}
	return time.ParseDuration(value)
}
