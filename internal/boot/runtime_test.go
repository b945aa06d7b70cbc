package boot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/streamsync/internal/config"
)

func TestResolveIntegration(t *testing.T) {
	tests := []struct {
		name      string
		accountID string
		token     string
		enabled   bool
		reason    string
	}{
		{name: "both set", accountID: "acc", token: "tok", enabled: true},
		{name: "missing token", accountID: "acc", reason: "cloudflare streams token is not set"},
		{name: "missing account", token: "tok", reason: "cloudflare streams account id is not set"},
		{name: "blank values", accountID: "  ", token: " ", reason: "cloudflare streams token and account id are not set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Cloudflare.AccountID = tt.accountID
			cfg.Cloudflare.Token = tt.token

			got := ResolveIntegration(cfg)
			assert.Equal(t, tt.enabled, got.Enabled())
			assert.Equal(t, tt.reason, got.Reason)
			if !tt.enabled {
				assert.Empty(t, got.Token)
				assert.Empty(t, got.AccountID)
			}
		})
	}
}

func TestProvideRuntimeConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Cloudflare.ChunkSizeMiB = 8
	cfg.Cloudflare.BaseURL = "https://api.example.com/"
	cfg.Directus.RequestTimeout = "5s"
	cfg.Queue.Workers = 0

	rc, err := ProvideRuntimeConfig(cfg)
	require.NoError(t, err)
	assert.EqualValues(t, 8*1024*1024, rc.ChunkSize)
	assert.Equal(t, "https://api.example.com", rc.CloudflareBaseURL)
	assert.Equal(t, 5*time.Second, rc.DirectusTimeout)
	assert.Equal(t, config.DefaultQueueWorkers, rc.QueueWorkers)
	assert.False(t, rc.Integration.Enabled())
}

func TestProvideRuntimeConfigInvalidTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Cloudflare.RequestTimeout = "soon"

	_, err := ProvideRuntimeConfig(cfg)
	assert.ErrorContains(t, err, "cloudflare request timeout")
}
