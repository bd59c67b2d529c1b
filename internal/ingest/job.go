package ingest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/syncstate"
)

const (
	DefaultBatchSize      = 100
	MaxBatchSize          = 500
	DefaultLookbackDays   = 30
	DefaultPollingMinutes = 5
	// bypassFactor bounds an unfiltered listing to this many batches.
	bypassFactor = 5
)

// JobConfig describes one user's ingestion job
type JobConfig struct {
	UserID                  string   `json:"user_id"`
	BatchSize               int      `json:"batch_size"`
	LookbackDays            int      `json:"lookback_period_days"`
	PollingFrequencyMinutes int      `json:"polling_frequency_minutes"`
	BypassDateFilter        bool     `json:"bypass_date_filter"`
	SinceLastRun            bool     `json:"since_last_run"`
	MaxMessages             int      `json:"max_messages"`
	LabelFilter             []string `json:"label_filter,omitempty"`
}

// WithDefaults fills zero fields
func (c JobConfig) WithDefaults() JobConfig {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.LookbackDays == 0 {
		c.LookbackDays = DefaultLookbackDays
	}
	if c.PollingFrequencyMinutes == 0 {
		c.PollingFrequencyMinutes = DefaultPollingMinutes
	}
	return c
}

func (c JobConfig) Validate() error {
	switch {
	case c.UserID == "":
		return apperr.New(apperr.KindValidation, "validate job", errors.New("user_id is required"))
	case c.BatchSize < 1 || c.BatchSize > MaxBatchSize:
		return apperr.New(apperr.KindValidation, "validate job", fmt.Errorf("batch_size must be between 1 and %d, got %d", MaxBatchSize, c.BatchSize))
	case c.LookbackDays < 1:
		return apperr.New(apperr.KindValidation, "validate job", fmt.Errorf("lookback_period_days must be positive, got %d", c.LookbackDays))
	case c.PollingFrequencyMinutes < 1:
		return apperr.New(apperr.KindValidation, "validate job", fmt.Errorf("polling_frequency_minutes must be positive, got %d", c.PollingFrequencyMinutes))
	case c.MaxMessages < 0:
		return apperr.New(apperr.KindValidation, "validate job", fmt.Errorf("max_messages must not be negative, got %d", c.MaxMessages))
	}
	return nil
}

// listLimit caps how many ids one run lists; zero is unbounded
func (c JobConfig) listLimit() int {
	if c.MaxMessages > 0 {
		return c.MaxMessages
	}
	if c.BypassDateFilter {
		return c.BatchSize * bypassFactor
	}
	return 0
}

// Snapshot is the externally visible state of a job
type Snapshot struct {
	UserID          string          `json:"user_id"`
	Status          syncstate.State `json:"status"`
	EmailsProcessed int             `json:"emails_processed"`
	LastSynced      *time.Time      `json:"last_synced,omitempty"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Job is an active ingestion job. The Manager owns it; one Runner works on it at a time.
type Job struct {
	cfg JobConfig

	mu              sync.Mutex
	state           syncstate.State
	emailsProcessed int
	lastSynced      time.Time
	nextRunAt       time.Time
	lastErr         string

	// statusMu orders persisted status writes against a stop request.
	statusMu sync.Mutex
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newJob(cfg JobConfig) *Job {
	return &Job{
		cfg:   cfg,
		state: syncstate.StateStarting,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (j *Job) Config() JobConfig { return j.cfg }

// Stopped reports whether a stop was requested
func (j *Job) Stopped() bool {
	select {
	case <-j.stop:
		return true
	default:
		return false
	}
}

func (j *Job) requestStop() {
	j.stopOnce.Do(func() {
		j.mu.Lock()
		j.state = syncstate.StateStopped
		j.mu.Unlock()
		close(j.stop)
	})
}

// stopWith requests a stop and runs write before any later status write of
// the job's runner can land.
func (j *Job) stopWith(write func()) {
	j.statusMu.Lock()
	defer j.statusMu.Unlock()
	j.requestStop()
	write()
}

// Done is closed once the job's loop has exited
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		UserID:          j.cfg.UserID,
		Status:          j.state,
		EmailsProcessed: j.emailsProcessed,
		Error:           j.lastErr,
	}
	if !j.lastSynced.IsZero() {
		t := j.lastSynced
		s.LastSynced = &t
	}
	if !j.nextRunAt.IsZero() {
		t := j.nextRunAt
		s.NextRunAt = &t
	}
	return s
}

// setState records a transition unless the job was stopped
func (j *Job) setState(s syncstate.State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == syncstate.StateStopped {
		return
	}
	j.state = s
	if s == syncstate.StateStarting || s == syncstate.StateRunning {
		j.lastErr = ""
	}
}

func (j *Job) addProcessed(n int) {
	j.mu.Lock()
	j.emailsProcessed += n
	j.mu.Unlock()
}

func (j *Job) completed(at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastSynced = at
	if j.state != syncstate.StateStopped {
		j.state = syncstate.StateCompleted
	}
}

func (j *Job) failed(s syncstate.State, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastErr = err.Error()
	if j.state != syncstate.StateStopped {
		j.state = s
	}
}

func (j *Job) scheduled(at time.Time) {
	j.mu.Lock()
	j.nextRunAt = at
	j.mu.Unlock()
}

func (j *Job) processed() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.emailsProcessed
}
