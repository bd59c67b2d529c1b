package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/provider"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.StateDSN)
	assert.Equal(t, "email_sync:", cfg.StateKeyPrefix)
	assert.Equal(t, 10, cfg.MetricsCapacity)
	assert.Equal(t, provider.Gmail, cfg.Provider)
	assert.Equal(t, "EMAIL_INGEST", cfg.Stream.Stream)
	assert.Equal(t, "email.batch", cfg.Stream.RoutingKey)
	assert.Equal(t, 200, cfg.Quota.MaxTokens)
	assert.Equal(t, time.Second, cfg.Quota.RefillTime)
	assert.Equal(t, 5, cfg.Fetch.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Fetch.AcquireDelay)
	assert.Equal(t, "gmail", cfg.Fetch.Service)
	assert.Equal(t, "hybrid", cfg.Polling.Strategy)
	assert.Equal(t, 5*time.Minute, cfg.AuthTokenBuffer)
	assert.False(t, cfg.Debug)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PROVIDER", "Outlook")
	t.Setenv("STATE_DSN", "memory://")
	t.Setenv("QUOTA_MAX_TOKENS", "50")
	t.Setenv("QUOTA_REFILL_TIME", "2s")
	t.Setenv("FETCH_MAX_RETRIES", "2")
	t.Setenv("POLLING_STRATEGY", "fixed")
	t.Setenv("POLLING_FIXED_MINUTES", "12")
	t.Setenv("POLLING_HIGH_VOLUME_THRESHOLD", "75.5")
	t.Setenv("ROUTING_KEY", "mail.batch")
	t.Setenv("DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, provider.Outlook, cfg.Provider)
	assert.Equal(t, "outlook", cfg.Fetch.Service)
	assert.Equal(t, "memory://", cfg.StateDSN)
	assert.Equal(t, 50, cfg.Quota.MaxTokens)
	assert.Equal(t, 2*time.Second, cfg.Quota.RefillTime)
	assert.Equal(t, 2, cfg.Fetch.MaxRetries)
	assert.Equal(t, "fixed", cfg.Polling.Strategy)
	assert.Equal(t, 12, cfg.Polling.FixedMinutes)
	assert.Equal(t, 75.5, cfg.Polling.Volume.HighThreshold)
	assert.Equal(t, "mail.batch", cfg.Stream.RoutingKey)
	assert.True(t, cfg.Debug)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"QUOTA_MAX_TOKENS":                "lots",
		"QUOTA_REFILL_TIME":               "soon",
		"DEBUG":                           "maybe",
		"PROVIDER":                        "yahoo",
		"QUOTA_REFILL_RATE":               "0",
		"POLLING_BUSINESS_PREFERENCE":     "sideways",
		"POLLING_STRATEGY":                "random",
		"POLLING_BUSINESS_START_HOUR":     "18",
		"METRICS_CAPACITY":                "0",
		"FETCH_PAGE_SIZE":                 "1000",
		"FETCH_MAX_PAGES":                 "-1",
		"LOG_FORMAT":                      "xml",
		"POLLING_MEDIUM_VOLUME_THRESHOLD": "ten",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrConfiguration)
		})
	}
}
