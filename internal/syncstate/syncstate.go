// Package syncstate persists per-user ingestion progress: the resume cursor,
// a bounded history of batch metrics and the current job status.
package syncstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/kv"
)

const (
	DefaultKeyPrefix = "email_sync:"
	DefaultCapacity  = 10
)

// State is the job status enum
type State string

const (
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateStopped      State = "stopped"
	StateError        State = "error"
	StateAuthError    State = "auth_error"
	StateServiceError State = "service_error"
)

// Terminal reports whether a run has finished in this state
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateStopped, StateError, StateAuthError, StateServiceError:
		return true
	}
	return false
}

// Cursor marks everything up to and including MessageID as published
type Cursor struct {
	MessageID string    `json:"message_id"`
	UpdatedAt time.Time `json:"timestamp"`
}

// Sample is one batch's metrics
type Sample struct {
	EmailCount      int       `json:"email_count"`
	DurationSeconds float64   `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// Status is the current job status of a user
type Status struct {
	State     State          `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RunState summarizes the last completed run
type RunState struct {
	LastCompletedAt time.Time `json:"last_sync_time"`
	EmailsProcessed int       `json:"emails_processed"`
}

// Store reads and writes sync state on a kv.Store. Each operation touches one key.
type Store struct {
	kv       kv.Store
	prefix   string
	capacity int
	now      func() time.Time
}

type Option func(*Store)

// WithKeyPrefix replaces the "email_sync:" prefix
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithCapacity sets the metrics ring buffer size
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:       store,
		prefix:   DefaultKeyPrefix,
		capacity: DefaultCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Capacity() int { return s.capacity }

func (s *Store) key(userID, kind string) string {
	return s.prefix + userID + ":" + kind
}

// GetCursor returns the last published message id, or "" and false
func (s *Store) GetCursor(ctx context.Context, userID string) (string, bool, error) {
	var c Cursor
	ok, err := s.read(ctx, userID, "last_message", &c)
	if err != nil || !ok {
		return "", false, err
	}
	return c.MessageID, c.MessageID != "", nil
}

func (s *Store) SetCursor(ctx context.Context, userID, messageID string) error {
	if messageID == "" {
		return apperr.New(apperr.KindValidation, "set cursor", fmt.Errorf("empty message id"))
	}
	return s.write(ctx, userID, "last_message", Cursor{MessageID: messageID, UpdatedAt: s.now().UTC()})
}

// AppendMetrics appends sample and keeps the newest Capacity samples.
// Concurrent appends for one user are last-writer-wins. A corrupt buffer is
// replaced by one holding only sample.
func (s *Store) AppendMetrics(ctx context.Context, userID string, sample Sample) error {
	samples, err := s.GetMetrics(ctx, userID)
	if err != nil && !errors.Is(err, apperr.ErrCorruptState) {
		return err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now().UTC()
	}
	samples = append(samples, sample)
	if len(samples) > s.capacity {
		samples = samples[len(samples)-s.capacity:]
	}
	return s.write(ctx, userID, "metrics", samples)
}

// GetMetrics returns samples oldest first
func (s *Store) GetMetrics(ctx context.Context, userID string) ([]Sample, error) {
	var samples []Sample
	if _, err := s.read(ctx, userID, "metrics", &samples); err != nil {
		return nil, err
	}
	return samples, nil
}

func (s *Store) SetStatus(ctx context.Context, userID string, state State, details map[string]any) error {
	return s.write(ctx, userID, "status", Status{State: state, Details: details, Timestamp: s.now().UTC()})
}

func (s *Store) GetStatus(ctx context.Context, userID string) (*Status, error) {
	var st Status
	ok, err := s.read(ctx, userID, "status", &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

// SaveRunState records a completed run
func (s *Store) SaveRunState(ctx context.Context, userID string, rs RunState) error {
	return s.write(ctx, userID, "state", rs)
}

func (s *Store) GetRunState(ctx context.Context, userID string) (*RunState, error) {
	var rs RunState
	ok, err := s.read(ctx, userID, "state", &rs)
	if err != nil || !ok {
		return nil, err
	}
	return &rs, nil
}

func (s *Store) read(ctx context.Context, userID, kind string, v any) (bool, error) {
	key := s.key(userID, kind)
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, apperr.New(apperr.KindSyncState, "get "+key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, apperr.New(apperr.KindCorruptState, "decode "+key, err)
	}
	return true, nil
}

func (s *Store) write(ctx context.Context, userID, kind string, v any) error {
	key := s.key(userID, kind)
	data, err := json.Marshal(v)
	if err != nil {
		return apperr.New(apperr.KindValidation, "encode "+key, err)
	}
	if err := s.kv.Set(ctx, key, string(data)); err != nil {
		return apperr.New(apperr.KindSyncState, "set "+key, err)
	}
	return nil
}
