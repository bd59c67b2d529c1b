package ingest

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/fetch"
	"github.com/Martian-dev/mail-ingest/internal/mail"
	"github.com/Martian-dev/mail-ingest/internal/metrics"
	"github.com/Martian-dev/mail-ingest/internal/polling"
	"github.com/Martian-dev/mail-ingest/internal/provider"
	"github.com/Martian-dev/mail-ingest/internal/syncstate"
)

// Publisher hands normalized messages to the broker
type Publisher interface {
	PublishBatch(ctx context.Context, userID string, emails []mail.Email) error
}

// Invalidator drops cached credentials after the provider rejected them
type Invalidator interface {
	Invalidate(userID string)
}

// Runner performs single ingestion runs
type Runner struct {
	Fetch     *fetch.Orchestrator
	State     *syncstate.Store
	Publisher Publisher
	Strategy  polling.Strategy
	// Credentials is optional.
	Credentials Invalidator
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Outcome summarizes one run
type Outcome struct {
	Status    syncstate.State
	Processed int
	Err       error
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

var discardMetrics = metrics.Discard()

func (r *Runner) metrics() *metrics.Metrics {
	if r.Metrics == nil {
		return discardMetrics
	}
	return r.Metrics
}

// Run ingests everything new for job's user. Chunk failures are logged and
// skipped; listing and credential failures end the run with an error status.
func (r *Runner) Run(ctx context.Context, job *Job) Outcome {
	cfg := job.Config()
	userID := cfg.UserID
	logger := log.With().Str("user_id", userID).Str("run_id", uuid.NewString()).Logger()
	start := r.now()

	if job.Stopped() {
		return Outcome{Status: syncstate.StateStopped}
	}
	job.setState(syncstate.StateRunning)
	r.persistJobStatus(ctx, logger, job, syncstate.StateRunning, nil)

	cursor, _, err := r.State.GetCursor(ctx, userID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load cursor, starting without one")
		cursor = ""
	}
	runState, err := r.State.GetRunState(ctx, userID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load previous run state")
		runState = nil
	}

	out := r.run(ctx, logger, job, cursor, runState)
	return r.finish(ctx, logger, job, out, start)
}

func (r *Runner) run(ctx context.Context, logger zerolog.Logger, job *Job, cursor string, runState *syncstate.RunState) Outcome {
	cfg := job.Config()
	userID := cfg.UserID

	session, err := r.Fetch.Session(ctx, userID)
	if err != nil {
		return Outcome{Err: err}
	}

	query := r.window(cfg, runState)
	ids, fellBack, err := session.ListWithFallback(ctx, query, cfg.listLimit())
	if err != nil {
		return Outcome{Err: err}
	}
	ids = pending(ids, cursor)
	logger.Info().
		Str("query", query.String()).
		Bool("fallback", fellBack).
		Str("cursor", cursor).
		Int("count", len(ids)).
		Msg("listed messages to ingest")

	processed := 0
	for i, chunkNo := 0, 0; i < len(ids); i, chunkNo = i+cfg.BatchSize, chunkNo+1 {
		if job.Stopped() || ctx.Err() != nil {
			logger.Info().Int("chunk", chunkNo).Msg("stop requested, leaving run at chunk boundary")
			return Outcome{Status: syncstate.StateStopped, Processed: processed}
		}

		chunk := ids[i:min(i+cfg.BatchSize, len(ids))]
		published, err := r.processChunk(ctx, logger.With().Int("chunk", chunkNo).Logger(), session, userID, chunk)
		if err != nil {
			return Outcome{Processed: processed, Err: err}
		}
		processed += published
		job.addProcessed(published)
	}

	if job.Stopped() {
		return Outcome{Status: syncstate.StateStopped, Processed: processed}
	}
	return Outcome{Status: syncstate.StateCompleted, Processed: processed}
}

// processChunk fetches, normalizes and publishes one chunk. It returns an
// error only for failures that should end the run.
func (r *Runner) processChunk(ctx context.Context, logger zerolog.Logger, session *fetch.Session, userID string, chunk []string) (int, error) {
	started := r.now()

	var (
		emails      []mail.Email
		fetched     int
		authErr     error
		externalErr error
	)
	for res := range session.FetchBatch(ctx, chunk) {
		if res.Err != nil {
			switch {
			case errors.Is(res.Err, apperr.ErrAuthentication):
				if authErr == nil {
					authErr = res.Err
				}
			case errors.Is(res.Err, apperr.ErrExternalService):
				if externalErr == nil {
					externalErr = res.Err
				}
			}
			logger.Warn().Err(res.Err).Str("message_id", res.ID).Msg("failed to fetch message, skipping")
			continue
		}
		fetched++
		e, err := mail.Normalize(userID, res.Message)
		if err != nil {
			logger.Warn().Err(err).Str("message_id", res.ID).Msg("failed to normalize message, skipping")
			continue
		}
		emails = append(emails, e)
	}
	if err := ctx.Err(); err != nil && fetched < len(chunk) {
		return 0, err
	}
	if authErr != nil {
		r.metrics().Chunks.WithLabelValues("failed").Inc()
		return 0, authErr
	}
	if fetched == 0 && externalErr != nil {
		r.metrics().Chunks.WithLabelValues("failed").Inc()
		return 0, externalErr
	}

	// FetchBatch yields in arrival order; publish in listing order.
	sortByIDs(emails, chunk)

	published, err := r.publish(ctx, logger, userID, emails)
	if published == 0 && len(emails) > 0 {
		r.metrics().Chunks.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Int("count", len(emails)).Msg("failed to publish chunk")
		return 0, nil
	}

	result := "ok"
	if published < len(chunk) {
		result = "partial"
	}
	r.metrics().Chunks.WithLabelValues(result).Inc()
	r.metrics().MessagesPublished.Add(float64(published))

	last := chunk[len(chunk)-1]
	if err := r.State.SetCursor(ctx, userID, last); err != nil {
		logger.Warn().Err(err).Str("cursor", last).Msg("failed to persist cursor")
	}
	sample := syncstate.Sample{
		EmailCount:      len(chunk),
		DurationSeconds: r.now().Sub(started).Seconds(),
		Timestamp:       r.now(),
	}
	if err := r.State.AppendMetrics(ctx, userID, sample); err != nil {
		logger.Warn().Err(err).Msg("failed to record batch metrics")
	}

	logger.Info().Int("count", published).Str("cursor", last).Msg("chunk published")
	return published, nil
}

// publish sends emails as one batch, falling back to one message at a time
// when the batch is rejected. It returns how many messages reached the broker.
func (r *Runner) publish(ctx context.Context, logger zerolog.Logger, userID string, emails []mail.Email) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	err := r.Publisher.PublishBatch(ctx, userID, emails)
	if err == nil {
		return len(emails), nil
	}
	if len(emails) == 1 {
		return 0, err
	}

	logger.Warn().Err(err).Int("count", len(emails)).Msg("batch publish failed, publishing messages one by one")
	published := 0
	var lastErr error
	for _, e := range emails {
		if err := r.Publisher.PublishBatch(ctx, userID, []mail.Email{e}); err != nil {
			logger.Error().Err(err).Str("message_id", e.ID).Msg("failed to publish message")
			lastErr = err
			continue
		}
		published++
	}
	return published, lastErr
}

func (r *Runner) finish(ctx context.Context, logger zerolog.Logger, job *Job, out Outcome, start time.Time) Outcome {
	userID := job.Config().UserID
	now := r.now()
	r.metrics().RunDuration.Observe(now.Sub(start).Seconds())
	canceled := errors.Is(out.Err, context.Canceled) || errors.Is(out.Err, context.DeadlineExceeded)

	switch {
	case out.Err != nil && !canceled && !job.Stopped():
		out.Status = StatusFor(out.Err)
		job.failed(out.Status, out.Err)
		r.persistJobStatus(ctx, logger, job, out.Status, map[string]any{
			"error":            out.Err.Error(),
			"emails_processed": out.Processed,
		})
		logger.Error().Err(out.Err).Str("status", string(out.Status)).Msg("run failed")
	case out.Err != nil || out.Status == syncstate.StateStopped || job.Stopped():
		// The stop request already persisted the stopped status.
		out.Status = syncstate.StateStopped
		logger.Info().Err(out.Err).Int("count", out.Processed).Msg("run stopped")
	default:
		job.completed(now)
		r.persistJobStatus(ctx, logger, job, syncstate.StateCompleted, map[string]any{
			"emails_processed": out.Processed,
		})
		if err := r.State.SaveRunState(ctx, userID, syncstate.RunState{
			LastCompletedAt: now,
			EmailsProcessed: job.processed(),
		}); err != nil {
			logger.Warn().Err(err).Msg("failed to save run state")
		}
		logger.Info().Int("count", out.Processed).Dur("took", now.Sub(start)).Msg("run completed")
	}
	if out.Err != nil && errors.Is(out.Err, apperr.ErrAuthentication) && r.Credentials != nil {
		r.Credentials.Invalidate(userID)
	}
	r.metrics().Runs.WithLabelValues(string(out.Status)).Inc()
	return out
}

// NextInterval asks the polling strategy for the wait before the next run
func (r *Runner) NextInterval(ctx context.Context, userID string) time.Duration {
	samples, err := r.State.GetMetrics(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to load batch metrics, using strategy default")
		samples = nil
	}
	minutes := polling.Clamp(r.Strategy.IntervalMinutes(samples))
	r.metrics().PollInterval.Observe(float64(minutes))
	return time.Duration(minutes) * time.Minute
}

// persistJobStatus writes state unless the job was stopped, in which case
// the stop request owns the persisted status.
func (r *Runner) persistJobStatus(ctx context.Context, logger zerolog.Logger, job *Job, state syncstate.State, details map[string]any) {
	job.statusMu.Lock()
	defer job.statusMu.Unlock()
	if job.Stopped() {
		return
	}
	r.persistStatus(ctx, logger, job.Config().UserID, state, details)
}

func (r *Runner) persistStatus(ctx context.Context, logger zerolog.Logger, userID string, state syncstate.State, details map[string]any) {
	if err := r.State.SetStatus(ctx, userID, state, details); err != nil {
		logger.Warn().Err(err).Str("status", string(state)).Msg("failed to persist status")
	}
}

// window picks the listing query for a run
func (r *Runner) window(cfg JobConfig, runState *syncstate.RunState) provider.Query {
	if cfg.BypassDateFilter {
		return provider.Query{}
	}
	since := r.now().AddDate(0, 0, -cfg.LookbackDays)
	if cfg.SinceLastRun && runState != nil && runState.LastCompletedAt.After(since) {
		since = runState.LastCompletedAt
	}
	return provider.Query{Since: since}
}

// StatusFor maps a run error to the status reported for it
func StatusFor(err error) syncstate.State {
	switch {
	case errors.Is(err, apperr.ErrAuthentication):
		return syncstate.StateAuthError
	case errors.Is(err, apperr.ErrExternalService):
		return syncstate.StateServiceError
	default:
		return syncstate.StateError
	}
}

// pending turns a newest-first listing into the oldest-first ids after cursor.
// An unknown cursor leaves the whole listing pending.
func pending(ids []string, cursor string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	if cursor == "" {
		return out
	}
	for i, id := range out {
		if id == cursor {
			return out[i+1:]
		}
	}
	return out
}

// sortByIDs orders emails like ids
func sortByIDs(emails []mail.Email, ids []string) {
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	slices.SortFunc(emails, func(a, b mail.Email) int {
		return pos[a.ID] - pos[b.ID]
	})
}
