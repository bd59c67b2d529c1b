// Package config loads process settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/fetch"
	"github.com/Martian-dev/mail-ingest/internal/natsjs"
	"github.com/Martian-dev/mail-ingest/internal/polling"
	"github.com/Martian-dev/mail-ingest/internal/provider"
	"github.com/Martian-dev/mail-ingest/internal/quota"
	"github.com/Martian-dev/mail-ingest/internal/syncstate"
)

// Config is the process configuration, read from the environment
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string
	Debug     bool

	StateDSN        string
	StateKeyPrefix  string
	MetricsCapacity int

	NATSURL string
	Stream  natsjs.StreamConfig

	AuthServiceURL  string
	AuthTokenBuffer time.Duration
	JWKSURL         string

	Provider           provider.Name
	GoogleClientID     string
	GoogleClientSecret string

	QuotaBucket  string
	Quota        quota.Config
	Fetch        fetch.Config
	FetchWorkers int

	Polling polling.Config
}

// Load reads the environment, after merging a .env file if present
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []string
	p := parser{errs: &errs}

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		Debug:     p.getBool("DEBUG", false),

		StateDSN:        getEnv("STATE_DSN", "redis://localhost:6379/0"),
		StateKeyPrefix:  getEnv("STATE_KEY_PREFIX", syncstate.DefaultKeyPrefix),
		MetricsCapacity: p.getInt("METRICS_CAPACITY", syncstate.DefaultCapacity),

		NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),

		AuthServiceURL:  getEnv("AUTH_SERVICE_URL", "http://localhost:8001"),
		AuthTokenBuffer: p.getDuration("AUTH_TOKEN_BUFFER", 5*time.Minute),
		JWKSURL:         getEnv("JWKS_URL", ""),

		Provider:           provider.Name(strings.ToLower(getEnv("PROVIDER", string(provider.Gmail)))),
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),

		QuotaBucket: getEnv("QUOTA_BUCKET", "gmail-api"),
		Quota: quota.Config{
			MaxTokens:  p.getInt("QUOTA_MAX_TOKENS", 200),
			RefillRate: p.getInt("QUOTA_REFILL_RATE", 200),
			RefillTime: p.getDuration("QUOTA_REFILL_TIME", time.Second),
		},
		FetchWorkers: p.getInt("FETCH_CONCURRENCY", 0),
	}

	stream := natsjs.DefaultStreamConfig()
	stream.Stream = getEnv("NATS_STREAM", stream.Stream)
	stream.RoutingKey = getEnv("ROUTING_KEY", stream.RoutingKey)
	stream.Duplicates = p.getDuration("NATS_DUPLICATE_WINDOW", stream.Duplicates)
	cfg.Stream = stream

	fc := fetch.DefaultConfig()
	fc.Service = string(cfg.Provider)
	fc.MaxRetries = p.getInt("FETCH_MAX_RETRIES", fc.MaxRetries)
	fc.BaseDelay = p.getDuration("FETCH_BASE_DELAY", fc.BaseDelay)
	fc.AcquireDelay = p.getDuration("QUOTA_ACQUIRE_DELAY", fc.AcquireDelay)
	fc.CallTimeout = p.getDuration("FETCH_CALL_TIMEOUT", fc.CallTimeout)
	fc.PageSize = p.getInt("FETCH_PAGE_SIZE", fc.PageSize)
	fc.MaxPages = p.getInt("FETCH_MAX_PAGES", fc.MaxPages)
	fc.Concurrency = cfg.FetchWorkers
	cfg.Fetch = fc

	pc := polling.DefaultConfig()
	pc.Strategy = getEnv("POLLING_STRATEGY", pc.Strategy)
	pc.FixedMinutes = p.getInt("POLLING_FIXED_MINUTES", pc.FixedMinutes)
	pc.Volume.HighThreshold = p.getFloat("POLLING_HIGH_VOLUME_THRESHOLD", pc.Volume.HighThreshold)
	pc.Volume.MediumThreshold = p.getFloat("POLLING_MEDIUM_VOLUME_THRESHOLD", pc.Volume.MediumThreshold)
	pc.Volume.HighInterval = p.getInt("POLLING_HIGH_VOLUME_MINUTES", pc.Volume.HighInterval)
	pc.Volume.MediumInterval = p.getInt("POLLING_MEDIUM_VOLUME_MINUTES", pc.Volume.MediumInterval)
	pc.Volume.LowInterval = p.getInt("POLLING_LOW_VOLUME_MINUTES", pc.Volume.LowInterval)
	pc.Volume.DefaultInterval = p.getInt("POLLING_DEFAULT_MINUTES", pc.Volume.DefaultInterval)
	pc.TimeOfDay.BusinessStart = p.getInt("POLLING_BUSINESS_START_HOUR", pc.TimeOfDay.BusinessStart)
	pc.TimeOfDay.BusinessEnd = p.getInt("POLLING_BUSINESS_END_HOUR", pc.TimeOfDay.BusinessEnd)
	pc.TimeOfDay.EveningEnd = p.getInt("POLLING_EVENING_END_HOUR", pc.TimeOfDay.EveningEnd)
	pc.TimeOfDay.BusinessInterval = p.getInt("POLLING_BUSINESS_MINUTES", pc.TimeOfDay.BusinessInterval)
	pc.TimeOfDay.EveningInterval = p.getInt("POLLING_EVENING_MINUTES", pc.TimeOfDay.EveningInterval)
	pc.TimeOfDay.NightInterval = p.getInt("POLLING_NIGHT_MINUTES", pc.TimeOfDay.NightInterval)
	pc.BusinessPreference = getEnv("POLLING_BUSINESS_PREFERENCE", pc.BusinessPreference)
	pc.OffHoursPreference = getEnv("POLLING_OFF_HOURS_PREFERENCE", pc.OffHoursPreference)
	cfg.Polling = pc

	if len(errs) > 0 {
		return nil, apperr.Configf("invalid environment: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that parse but cannot work together
func (c *Config) Validate() error {
	if err := c.Quota.Validate(); err != nil {
		return err
	}
	switch c.Provider {
	case provider.Gmail, provider.Outlook:
	default:
		return apperr.Configf("PROVIDER must be gmail or outlook, got %q", c.Provider)
	}
	if c.StateDSN == "" {
		return apperr.Configf("STATE_DSN is required")
	}
	if c.AuthServiceURL == "" {
		return apperr.Configf("AUTH_SERVICE_URL is required")
	}
	if c.MetricsCapacity < 1 {
		return apperr.Configf("METRICS_CAPACITY must be positive, got %d", c.MetricsCapacity)
	}
	if c.Fetch.MaxRetries < 0 {
		return apperr.Configf("FETCH_MAX_RETRIES must not be negative, got %d", c.Fetch.MaxRetries)
	}
	if c.Fetch.PageSize < 1 || c.Fetch.PageSize > 500 {
		return apperr.Configf("FETCH_PAGE_SIZE must be between 1 and 500, got %d", c.Fetch.PageSize)
	}
	if c.Fetch.MaxPages < 0 {
		return apperr.Configf("FETCH_MAX_PAGES must not be negative, got %d", c.Fetch.MaxPages)
	}
	if c.Stream.Stream == "" || c.Stream.RoutingKey == "" {
		return apperr.Configf("NATS_STREAM and ROUTING_KEY are required")
	}
	if _, err := polling.FromConfig(c.Polling, nil); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return apperr.Configf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser collects malformed values instead of silently using defaults
type parser struct {
	errs *[]string
}

func (p parser) getInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*p.errs = append(*p.errs, key+" is not an integer: "+v)
		return defaultValue
	}
	return n
}

func (p parser) getFloat(key string, defaultValue float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*p.errs = append(*p.errs, key+" is not a number: "+v)
		return defaultValue
	}
	return f
}

func (p parser) getDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*p.errs = append(*p.errs, key+" is not a duration: "+v)
		return defaultValue
	}
	return d
}

func (p parser) getBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*p.errs = append(*p.errs, key+" is not a boolean: "+v)
		return defaultValue
	}
	return b
}
