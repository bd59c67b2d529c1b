package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/provider"
	"github.com/Martian-dev/mail-ingest/internal/syncstate"
)

const DefaultProbeLimit = 50

// Manager runs one scheduling loop per active user
type Manager struct {
	runner *Runner

	mu       sync.RWMutex
	jobs     map[string]*Job
	stopping map[string]*Job
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// After waits between runs.
	After func(d time.Duration) <-chan time.Time
}

// NewManager creates a manager whose loops live until StopAll
func NewManager(runner *Runner) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runner:   runner,
		jobs:     make(map[string]*Job),
		stopping: make(map[string]*Job),
		ctx:      ctx,
		cancel:   cancel,
		After:    time.After,
	}
}

// Start begins ingestion for cfg.UserID. Starting an active user returns the
// existing job's snapshot and false.
func (m *Manager) Start(ctx context.Context, cfg JobConfig) (Snapshot, bool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Snapshot{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Snapshot{}, false, apperr.New(apperr.KindConfiguration, "start ingestion", fmt.Errorf("manager is shut down"))
	}
	if job, ok := m.jobs[cfg.UserID]; ok {
		return job.Snapshot(), false, nil
	}

	job := newJob(cfg)
	prev := m.stopping[cfg.UserID]
	m.jobs[cfg.UserID] = job
	if err := m.runner.State.SetStatus(ctx, cfg.UserID, syncstate.StateStarting, nil); err != nil {
		log.Warn().Err(err).Str("user_id", cfg.UserID).Msg("failed to persist status")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if prev != nil {
			<-prev.Done()
		}
		m.loop(job)
	}()

	log.Info().Str("user_id", cfg.UserID).Int("batch_size", cfg.BatchSize).Msg("ingestion started")
	return job.Snapshot(), true, nil
}

// loop runs the job until it is stopped, rescheduling after every run
func (m *Manager) loop(job *Job) {
	userID := job.Config().UserID
	defer func() {
		m.mu.Lock()
		if m.jobs[userID] == job {
			delete(m.jobs, userID)
		}
		if m.stopping[userID] == job {
			delete(m.stopping, userID)
		}
		m.mu.Unlock()
		close(job.done)
		log.Info().Str("user_id", userID).Msg("ingestion loop exited")
	}()

	for first := true; ; first = false {
		if job.Stopped() || m.ctx.Err() != nil {
			return
		}
		job.setState(syncstate.StateStarting)
		m.runner.Run(m.ctx, job)
		if job.Stopped() || m.ctx.Err() != nil {
			return
		}

		wait := time.Duration(job.Config().PollingFrequencyMinutes) * time.Minute
		if !first {
			wait = m.runner.NextInterval(m.ctx, userID)
		}
		job.scheduled(m.runner.now().Add(wait))
		log.Info().Str("user_id", userID).Dur("interval", wait).Msg("next run scheduled")

		select {
		case <-m.After(wait):
		case <-job.stop:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop marks userID's job stopped and removes it from the active set. A
// running chunk completes before the loop exits.
func (m *Manager) Stop(ctx context.Context, userID string) (Snapshot, error) {
	m.mu.Lock()
	job, ok := m.jobs[userID]
	if ok {
		delete(m.jobs, userID)
		m.stopping[userID] = job
	}
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, apperr.New(apperr.KindNotFound, "stop ingestion", fmt.Errorf("no active ingestion for user %s", userID))
	}

	m.persistStop(ctx, job)
	log.Info().Str("user_id", userID).Msg("ingestion stop requested")
	return job.Snapshot(), nil
}

// Status returns the active job's snapshot, or the last persisted status
// when the user has no active job.
func (m *Manager) Status(ctx context.Context, userID string) (Snapshot, bool, error) {
	m.mu.RLock()
	job, ok := m.jobs[userID]
	m.mu.RUnlock()
	if ok {
		return job.Snapshot(), true, nil
	}

	st, err := m.runner.State.GetStatus(ctx, userID)
	if err != nil {
		return Snapshot{}, false, err
	}
	if st == nil {
		return Snapshot{}, false, apperr.New(apperr.KindNotFound, "get status", fmt.Errorf("no ingestion for user %s", userID))
	}
	snap := Snapshot{UserID: userID, Status: st.State}
	if msg, ok := st.Details["error"].(string); ok {
		snap.Error = msg
	}
	if rs, err := m.runner.State.GetRunState(ctx, userID); err == nil && rs != nil {
		t := rs.LastCompletedAt
		snap.LastSynced = &t
		snap.EmailsProcessed = rs.EmailsProcessed
	}
	return snap, false, nil
}

// Jobs lists active jobs ordered by user id
func (m *Manager) Jobs() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]Snapshot, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.Snapshot())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].UserID < jobs[j].UserID })
	return jobs
}

// IsRunning reports whether userID has an active job
func (m *Manager) IsRunning(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.jobs[userID]
	return ok
}

// Probe lists up to limit ids of userID's whole mailbox without ingesting them
func (m *Manager) Probe(ctx context.Context, userID string, limit int) ([]string, error) {
	if userID == "" {
		return nil, apperr.New(apperr.KindValidation, "probe", fmt.Errorf("user_id is required"))
	}
	if limit <= 0 {
		limit = DefaultProbeLimit
	}
	return m.runner.Fetch.ListMessageIDs(ctx, userID, provider.Query{}, limit)
}

// StopAll stops every job and waits for running chunks to finish. When ctx
// ends first, in-flight runs are canceled.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	jobs := m.jobs
	for userID, job := range jobs {
		m.stopping[userID] = job
	}
	m.jobs = make(map[string]*Job)
	m.mu.Unlock()
	defer m.cancel()

	for userID, job := range jobs {
		log.Info().Str("user_id", userID).Msg("stopping ingestion")
		m.persistStop(ctx, job)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persistStop requests a stop and records it as the job's persisted status
func (m *Manager) persistStop(ctx context.Context, job *Job) {
	userID := job.Config().UserID
	job.stopWith(func() {
		if err := m.runner.State.SetStatus(ctx, userID, syncstate.StateStopped, nil); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("failed to persist status")
		}
	})
}
