// Package fetch lists and retrieves messages from a provider while honoring
// the shared quota: every remote call first takes a token from the limiter,
// then runs under the retry policy.
package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/kv"
	"github.com/Martian-dev/mail-ingest/internal/mail"
	"github.com/Martian-dev/mail-ingest/internal/metrics"
	"github.com/Martian-dev/mail-ingest/internal/provider"
	"github.com/Martian-dev/mail-ingest/internal/quota"
	"github.com/Martian-dev/mail-ingest/internal/retry"
)

// Config tunes the call protocol
type Config struct {
	// Service names the provider in surfaced errors.
	Service      string
	MaxRetries   int
	BaseDelay    time.Duration
	AcquireDelay time.Duration
	CallTimeout  time.Duration
	PageSize     int
	// MaxPages bounds one listing; zero means no bound.
	MaxPages int
	// Concurrency bounds FetchBatch; zero means one goroutine per id.
	Concurrency int
}

func DefaultConfig() Config {
	return Config{
		Service:      "provider",
		MaxRetries:   5,
		BaseDelay:    time.Second,
		AcquireDelay: 100 * time.Millisecond,
		CallTimeout:  30 * time.Second,
		PageSize:     100,
		MaxPages:     1000,
	}
}

// ClientSource resolves a user's provider client
type ClientSource interface {
	ClientFor(ctx context.Context, userID string) (provider.Client, error)
}

// Orchestrator runs remote calls for any user
type Orchestrator struct {
	limiter quota.Limiter
	clients ClientSource
	cfg     Config
	metrics *metrics.Metrics

	// Sleep waits between acquire attempts and retries.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(limiter quota.Limiter, clients ClientSource, cfg Config, m *metrics.Metrics) *Orchestrator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Service == "" {
		cfg.Service = "provider"
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Orchestrator{limiter: limiter, clients: clients, cfg: cfg, metrics: m, Sleep: retry.Sleep}
}

// Session binds the orchestrator to one user's client
type Session struct {
	o      *Orchestrator
	userID string
	client provider.Client
}

// Session resolves userID's client once for a sequence of calls
func (o *Orchestrator) Session(ctx context.Context, userID string) (*Session, error) {
	client, err := o.clients.ClientFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Session{o: o, userID: userID, client: client}, nil
}

// ListMessageIDs is Session.ListMessageIDs for userID
func (o *Orchestrator) ListMessageIDs(ctx context.Context, userID string, q provider.Query, maxResults int) ([]string, error) {
	s, err := o.Session(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.ListMessageIDs(ctx, q, maxResults)
}

// FetchDetails is Session.FetchDetails for userID
func (o *Orchestrator) FetchDetails(ctx context.Context, userID, id string) (*mail.Message, error) {
	s, err := o.Session(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.FetchDetails(ctx, id)
}

// FetchBatch is Session.FetchBatch for userID. A session error is delivered
// as a single result.
func (o *Orchestrator) FetchBatch(ctx context.Context, userID string, ids []string) <-chan Result {
	s, err := o.Session(ctx, userID)
	if err != nil {
		out := make(chan Result, 1)
		out <- Result{Err: err}
		close(out)
		return out
	}
	return s.FetchBatch(ctx, ids)
}

// ListMessageIDs pages through q until maxResults ids are collected or the
// listing ends. maxResults <= 0 means no cap. A not-found first page is an
// empty mailbox; on later pages the ids collected so far are returned.
func (s *Session) ListMessageIDs(ctx context.Context, q provider.Query, maxResults int) ([]string, error) {
	logger := log.With().Str("user_id", s.userID).Str("query", q.String()).Logger()

	var ids []string
	pageToken := ""
	seen := make(map[string]bool)
	for pages := 1; ; pages++ {
		pageSize := s.o.cfg.PageSize
		if maxResults > 0 {
			pageSize = min(pageSize, maxResults-len(ids))
		}
		token := pageToken
		page, err := call(ctx, s.o, "list", func(ctx context.Context, c provider.Client) (provider.Page, error) {
			return c.ListMessages(ctx, q, token, pageSize)
		}, s.client)
		if err != nil {
			if !errors.Is(err, apperr.ErrNotFound) {
				return nil, err
			}
			if pageToken == "" {
				logger.Info().Msg("mailbox listing not found, treating as empty")
				return nil, nil
			}
			logger.Warn().Err(err).Int("count", len(ids)).Msg("listing page not found, keeping ids collected so far")
			return ids, nil
		}

		ids = append(ids, page.IDs...)
		if maxResults > 0 && len(ids) >= maxResults {
			return ids[:maxResults], nil
		}
		if page.NextPageToken == "" {
			return ids, nil
		}
		if seen[page.NextPageToken] {
			logger.Warn().Str("page_token", page.NextPageToken).Int("count", len(ids)).Msg("provider repeated a page token, ending listing")
			return ids, nil
		}
		if s.o.cfg.MaxPages > 0 && pages >= s.o.cfg.MaxPages {
			logger.Warn().Int("pages", pages).Int("count", len(ids)).Msg("listing page limit reached")
			return ids, nil
		}
		seen[page.NextPageToken] = true
		pageToken = page.NextPageToken
	}
}

// ListWithFallback lists q and, when that yields nothing, the whole mailbox.
// It reports whether the fallback query was used.
func (s *Session) ListWithFallback(ctx context.Context, q provider.Query, maxResults int) ([]string, bool, error) {
	ids, err := s.ListMessageIDs(ctx, q, maxResults)
	if err != nil || len(ids) > 0 || q.All() {
		return ids, false, err
	}

	log.Info().Str("user_id", s.userID).Str("query", q.String()).Msg("primary query returned no messages, trying all messages")
	ids, err = s.ListMessageIDs(ctx, provider.Query{}, maxResults)
	return ids, true, err
}

// FetchDetails retrieves one message. A missing message is a not-found error.
func (s *Session) FetchDetails(ctx context.Context, id string) (*mail.Message, error) {
	return call(ctx, s.o, "get", func(ctx context.Context, c provider.Client) (*mail.Message, error) {
		return c.GetMessage(ctx, id)
	}, s.client)
}

// Result is one FetchBatch outcome
type Result struct {
	ID      string
	Message *mail.Message
	Err     error
}

// FetchBatch fetches ids concurrently and yields results as they arrive.
// The channel is closed once every id has a result.
func (s *Session) FetchBatch(ctx context.Context, ids []string) <-chan Result {
	out := make(chan Result, len(ids))
	limit := s.o.cfg.Concurrency
	if limit <= 0 {
		limit = len(ids)
	}

	go func() {
		defer close(out)
		var g errgroup.Group
		if limit > 0 {
			g.SetLimit(limit)
		}
		for _, id := range ids {
			g.Go(func() error {
				m, err := s.FetchDetails(ctx, id)
				out <- Result{ID: id, Message: m, Err: err}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

// call takes a quota token, then invokes fn under the retry policy
func call[T any](ctx context.Context, o *Orchestrator, op string, fn func(context.Context, provider.Client) (T, error), c provider.Client) (T, error) {
	cfg := retry.Config{
		MaxRetries: o.cfg.MaxRetries,
		BaseDelay:  o.cfg.BaseDelay,
		Sleep:      o.Sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			o.metrics.RemoteRetries.WithLabelValues(op).Inc()
			log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("retrying provider call")
		},
	}

	result, err := retry.Do(ctx, cfg, retryable, func(ctx context.Context) (T, error) {
		var zero T
		if err := o.acquire(ctx); err != nil {
			return zero, err
		}
		callCtx := ctx
		if o.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, o.cfg.CallTimeout)
			defer cancel()
		}
		return fn(callCtx, c)
	})

	var exhausted *retry.Error
	if errors.As(err, &exhausted) {
		if errors.Is(exhausted.LastError, apperr.ErrRateLimit) {
			err = apperr.RateLimited(o.cfg.Service, op, exhausted)
		} else {
			err = apperr.External(o.cfg.Service, op, exhausted)
		}
	}
	o.metrics.RemoteCalls.WithLabelValues(op, outcome(err)).Inc()
	return result, err
}

// acquire polls the limiter until it grants a token
func (o *Orchestrator) acquire(ctx context.Context) error {
	for {
		ok, err := o.limiter.Acquire(ctx, 1)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := o.Sleep(ctx, o.cfg.AcquireDelay); err != nil {
			return err
		}
	}
}

// retryable rejects errors that another attempt cannot fix
func retryable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindAuthentication, apperr.KindNotFound, apperr.KindValidation,
		apperr.KindConfiguration, apperr.KindSyncState, apperr.KindCorruptState:
		return false
	}
	return !errors.Is(err, kv.ErrUnavailable)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return apperr.KindOf(err).String()
}
