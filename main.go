package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-ingest/internal/auth"
	"github.com/Martian-dev/mail-ingest/internal/config"
	"github.com/Martian-dev/mail-ingest/internal/fetch"
	"github.com/Martian-dev/mail-ingest/internal/httpapi"
	"github.com/Martian-dev/mail-ingest/internal/ingest"
	"github.com/Martian-dev/mail-ingest/internal/kv"
	"github.com/Martian-dev/mail-ingest/internal/metrics"
	"github.com/Martian-dev/mail-ingest/internal/natsjs"
	"github.com/Martian-dev/mail-ingest/internal/polling"
	"github.com/Martian-dev/mail-ingest/internal/provider"
	"github.com/Martian-dev/mail-ingest/internal/providers/gmail"
	"github.com/Martian-dev/mail-ingest/internal/providers/outlook"
	"github.com/Martian-dev/mail-ingest/internal/quota"
	"github.com/Martian-dev/mail-ingest/internal/syncstate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("mail-ingest exited")
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if strings.EqualFold(cfg.LogFormat, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := kv.Open(cfg.StateDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	health := map[string]httpapi.HealthCheck{}

	var limiter quota.Limiter
	if rs, ok := store.(*kv.Redis); ok {
		limiter, err = quota.NewRedisBucket(rs, cfg.QuotaBucket, cfg.Quota, quota.WithMetrics(m))
		health["state"] = rs.Ping
	} else {
		limiter, err = quota.NewBucket(store, cfg.QuotaBucket, cfg.Quota, quota.WithMetrics(m))
	}
	if err != nil {
		return err
	}

	credentials := auth.NewCachingSource(auth.NewServiceClient(cfg.AuthServiceURL), cfg.AuthTokenBuffer)

	var factory provider.Factory
	switch cfg.Provider {
	case provider.Outlook:
		factory = outlook.NewFactory()
	default:
		factory = gmail.NewFactory(cfg.GoogleClientID, cfg.GoogleClientSecret)
	}
	connector := &provider.Connector{Credentials: credentials, Factory: factory}

	strategy, err := polling.FromConfig(cfg.Polling, nil)
	if err != nil {
		return err
	}

	publisher, err := natsjs.NewPublisher(cfg.NATSURL, cfg.Stream)
	if err != nil {
		return err
	}
	defer publisher.Close()
	if err := publisher.EnsureStream(ctx); err != nil {
		return err
	}
	health["nats"] = func(context.Context) error { return publisher.Ping() }

	runner := &ingest.Runner{
		Fetch: fetch.New(limiter, connector, cfg.Fetch, m),
		State: syncstate.New(store,
			syncstate.WithKeyPrefix(cfg.StateKeyPrefix),
			syncstate.WithCapacity(cfg.MetricsCapacity),
		),
		Publisher:   publisher,
		Strategy:    strategy,
		Credentials: credentials,
		Metrics:     m,
	}
	manager := ingest.NewManager(runner)

	opts := httpapi.Options{
		Metrics: metrics.HandlerFor(reg),
		Health:  health,
	}
	if cfg.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(ctx, cfg.JWKSURL, 15*time.Minute)
		if err != nil {
			return err
		}
		opts.Verifier = verifier
		log.Info().Str("jwks_url", cfg.JWKSURL).Msg("bearer token authentication enabled")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.NewRouter(manager, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("port", cfg.Port).
			Str("provider", string(cfg.Provider)).
			Str("stream", cfg.Stream.Stream).
			Msg("mail-ingest listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := manager.StopAll(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ingestion jobs did not stop in time")
	}
	return nil
}
