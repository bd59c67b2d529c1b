package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/fetch"
	"github.com/Martian-dev/mail-ingest/internal/kv"
	"github.com/Martian-dev/mail-ingest/internal/mail"
	"github.com/Martian-dev/mail-ingest/internal/metrics"
	"github.com/Martian-dev/mail-ingest/internal/polling"
	"github.com/Martian-dev/mail-ingest/internal/provider"
	"github.com/Martian-dev/mail-ingest/internal/syncstate"
)

var testNow = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

// fakeMailbox holds msg1..msgN and lists them newest first
type fakeMailbox struct {
	mu      sync.Mutex
	ids     []string
	listErr error
	getErr  map[string]error
	queries []provider.Query
	onGet   func()
}

func newFakeMailbox(n int) *fakeMailbox {
	mb := &fakeMailbox{getErr: map[string]error{}}
	for i := n; i >= 1; i-- {
		mb.ids = append(mb.ids, fmt.Sprintf("msg%d", i))
	}
	return mb
}

func (f *fakeMailbox) ListMessages(ctx context.Context, q provider.Query, pageToken string, pageSize int) (provider.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.listErr != nil {
		return provider.Page{}, f.listErr
	}
	return provider.Page{IDs: slices.Clone(f.ids)}, nil
}

func (f *fakeMailbox) GetMessage(ctx context.Context, id string) (*mail.Message, error) {
	f.mu.Lock()
	err := f.getErr[id]
	onGet := f.onGet
	f.mu.Unlock()
	if onGet != nil {
		onGet()
	}
	if err != nil {
		return nil, err
	}
	return &mail.Message{
		ID:         id,
		Headers:    map[string]string{"Subject": "about " + id, "From": "ana@example.com"},
		ReceivedAt: testNow,
	}, nil
}

type clientSource struct {
	client provider.Client
	err    error
}

func (s clientSource) ClientFor(context.Context, string) (provider.Client, error) {
	return s.client, s.err
}

type grantAll struct{}

func (grantAll) Acquire(context.Context, int) (bool, error) { return true, nil }

// fakePublisher records batches and rejects any batch containing a poisoned id
type fakePublisher struct {
	mu       sync.Mutex
	batches  [][]string
	poisoned map[string]bool
	onBatch  func(ids []string)
}

func (p *fakePublisher) PublishBatch(ctx context.Context, userID string, emails []mail.Email) error {
	ids := make([]string, len(emails))
	for i, e := range emails {
		ids[i] = e.ID
	}
	p.mu.Lock()
	for _, id := range ids {
		if p.poisoned[id] {
			p.mu.Unlock()
			return apperr.External("nats", "publish", errors.New("rejected"))
		}
	}
	p.batches = append(p.batches, ids)
	onBatch := p.onBatch
	p.mu.Unlock()
	if onBatch != nil {
		onBatch(ids)
	}
	return nil
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var all []string
	for _, b := range p.batches {
		all = append(all, b...)
	}
	return all
}

type invalidations struct {
	mu    sync.Mutex
	users []string
}

func (i *invalidations) Invalidate(userID string) {
	i.mu.Lock()
	i.users = append(i.users, userID)
	i.mu.Unlock()
}

type fixture struct {
	runner    *Runner
	state     *syncstate.Store
	publisher *fakePublisher
	mailbox   *fakeMailbox
	creds     *invalidations
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, mailbox *fakeMailbox, store kv.Store) *fixture {
	t.Helper()
	if store == nil {
		store = kv.NewMemory()
	}
	m := metrics.Discard()
	orch := fetch.New(grantAll{}, clientSource{client: mailbox}, fetch.Config{MaxRetries: 1}, m)
	orch.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	f := &fixture{
		state:     syncstate.New(store, syncstate.WithClock(func() time.Time { return testNow })),
		publisher: &fakePublisher{poisoned: map[string]bool{}},
		mailbox:   mailbox,
		creds:     &invalidations{},
		metrics:   m,
	}
	f.runner = &Runner{
		Fetch:       orch,
		State:       f.state,
		Publisher:   f.publisher,
		Strategy:    polling.Fixed{Minutes: 7},
		Credentials: f.creds,
		Metrics:     m,
		Now:         func() time.Time { return testNow },
	}
	return f
}

func testJob(cfg JobConfig) *Job {
	if cfg.UserID == "" {
		cfg.UserID = "u1"
	}
	return newJob(cfg.WithDefaults())
}

func TestPending(t *testing.T) {
	newestFirst := []string{"m5", "m4", "m3", "m2", "m1"}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, pending(newestFirst, ""))
	assert.Equal(t, []string{"m4", "m5"}, pending(newestFirst, "m3"))
	assert.Empty(t, pending(newestFirst, "m5"))
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, pending(newestFirst, "gone"))
	assert.Empty(t, pending(nil, "m1"))
}

func TestJobConfig(t *testing.T) {
	cfg := JobConfig{UserID: "u1"}.WithDefaults()
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultLookbackDays, cfg.LookbackDays)
	assert.Equal(t, DefaultPollingMinutes, cfg.PollingFrequencyMinutes)
	require.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.listLimit())

	cfg.BypassDateFilter = true
	assert.Equal(t, 500, cfg.listLimit())
	cfg.MaxMessages = 20
	assert.Equal(t, 20, cfg.listLimit())

	for _, bad := range []JobConfig{
		{BatchSize: 10, LookbackDays: 1, PollingFrequencyMinutes: 1},
		{UserID: "u1", BatchSize: 501, LookbackDays: 1, PollingFrequencyMinutes: 1},
		{UserID: "u1", BatchSize: -1, LookbackDays: 1, PollingFrequencyMinutes: 1},
		{UserID: "u1", BatchSize: 10, LookbackDays: -3, PollingFrequencyMinutes: 1},
		{UserID: "u1", BatchSize: 10, LookbackDays: 1, PollingFrequencyMinutes: 1, MaxMessages: -1},
	} {
		assert.ErrorIs(t, bad.Validate(), apperr.ErrValidation, "%+v", bad)
	}
}

func TestRun_PublishesOldestFirstInChunks(t *testing.T) {
	f := newFixture(t, newFakeMailbox(5), nil)
	job := testJob(JobConfig{BatchSize: 2})

	out := f.runner.Run(context.Background(), job)
	require.NoError(t, out.Err)
	assert.Equal(t, syncstate.StateCompleted, out.Status)
	assert.Equal(t, 5, out.Processed)
	assert.Equal(t, [][]string{{"msg1", "msg2"}, {"msg3", "msg4"}, {"msg5"}}, f.publisher.batches)

	ctx := context.Background()
	cursor, ok, err := f.state.GetCursor(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "msg5", cursor)

	samples, err := f.state.GetMetrics(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, []int{2, 2, 1}, []int{samples[0].EmailCount, samples[1].EmailCount, samples[2].EmailCount})

	st, err := f.state.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, syncstate.StateCompleted, st.State)

	rs, err := f.state.GetRunState(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rs)
	assert.Equal(t, 5, rs.EmailsProcessed)
	assert.True(t, rs.LastCompletedAt.Equal(testNow))

	snap := job.Snapshot()
	assert.Equal(t, syncstate.StateCompleted, snap.Status)
	assert.Equal(t, 5, snap.EmailsProcessed)
	require.NotNil(t, snap.LastSynced)

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Chunks.WithLabelValues("ok")))
	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.MessagesPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Runs.WithLabelValues("completed")))
}

func TestRun_PartialBatchFailureIsolation(t *testing.T) {
	f := newFixture(t, newFakeMailbox(5), nil)
	f.publisher.poisoned["msg3"] = true

	out := f.runner.Run(context.Background(), testJob(JobConfig{BatchSize: 5}))
	require.NoError(t, out.Err)
	assert.Equal(t, syncstate.StateCompleted, out.Status)
	assert.Equal(t, 4, out.Processed)
	assert.Equal(t, []string{"msg1", "msg2", "msg4", "msg5"}, f.publisher.published())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Chunks.WithLabelValues("partial")))

	cursor, _, err := f.state.GetCursor(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "msg5", cursor)
}

func TestRun_FailedChunkDoesNotAbortRun(t *testing.T) {
	f := newFixture(t, newFakeMailbox(4), nil)
	f.publisher.poisoned["msg1"] = true
	f.publisher.poisoned["msg2"] = true

	out := f.runner.Run(context.Background(), testJob(JobConfig{BatchSize: 2}))
	require.NoError(t, out.Err)
	assert.Equal(t, syncstate.StateCompleted, out.Status)
	assert.Equal(t, []string{"msg3", "msg4"}, f.publisher.published())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Chunks.WithLabelValues("failed")))
}

func TestRun_SkipsMissingMessages(t *testing.T) {
	mb := newFakeMailbox(3)
	mb.getErr["msg2"] = &apperr.Error{Kind: apperr.KindNotFound}
	f := newFixture(t, mb, nil)

	out := f.runner.Run(context.Background(), testJob(JobConfig{BatchSize: 10}))
	require.NoError(t, out.Err)
	assert.Equal(t, []string{"msg1", "msg3"}, f.publisher.published())
}

func TestRun_ResumesAfterCursor(t *testing.T) {
	f := newFixture(t, newFakeMailbox(50), nil)
	require.NoError(t, f.state.SetCursor(context.Background(), "u1", "msg42"))

	out := f.runner.Run(context.Background(), testJob(JobConfig{BatchSize: 3}))
	require.NoError(t, out.Err)

	published := f.publisher.published()
	require.NotEmpty(t, published)
	assert.Equal(t, "msg43", published[0])
	assert.Equal(t, []string{"msg43", "msg44", "msg45", "msg46", "msg47", "msg48", "msg49", "msg50"}, published)
}

func TestRun_UnknownCursorReattemptsWindow(t *testing.T) {
	f := newFixture(t, newFakeMailbox(3), nil)
	require.NoError(t, f.state.SetCursor(context.Background(), "u1", "msg-old"))

	out := f.runner.Run(context.Background(), testJob(JobConfig{}))
	require.NoError(t, out.Err)
	assert.Equal(t, []string{"msg1", "msg2", "msg3"}, f.publisher.published())
}

func TestRun_AuthErrorStatus(t *testing.T) {
	f := newFixture(t, newFakeMailbox(3), nil)
	f.runner.Fetch = fetch.New(grantAll{}, clientSource{err: apperr.New(apperr.KindAuthentication, "get credentials", errors.New("no token"))}, fetch.Config{}, f.metrics)
	job := testJob(JobConfig{})

	out := f.runner.Run(context.Background(), job)
	require.Error(t, out.Err)
	assert.Equal(t, syncstate.StateAuthError, out.Status)
	assert.Equal(t, syncstate.StateAuthError, job.Snapshot().Status)
	assert.Contains(t, job.Snapshot().Error, "no token")
	assert.Equal(t, []string{"u1"}, f.creds.users)

	st, err := f.state.GetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, syncstate.StateAuthError, st.State)
	assert.Contains(t, st.Details["error"], "no token")
}

func TestRun_AuthErrorDuringFetch(t *testing.T) {
	mb := newFakeMailbox(2)
	mb.getErr["msg1"] = &apperr.Error{Kind: apperr.KindAuthentication}
	f := newFixture(t, mb, nil)

	out := f.runner.Run(context.Background(), testJob(JobConfig{}))
	assert.Equal(t, syncstate.StateAuthError, out.Status)
	assert.Empty(t, f.publisher.published())
}

func TestRun_ServiceErrorStatus(t *testing.T) {
	mb := newFakeMailbox(3)
	mb.listErr = apperr.RateLimited("gmail", "list", errors.New("429"))
	f := newFixture(t, mb, nil)

	out := f.runner.Run(context.Background(), testJob(JobConfig{}))
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, apperr.ErrRateLimit)
	assert.Equal(t, syncstate.StateServiceError, out.Status)
	assert.Empty(t, f.creds.users)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Runs.WithLabelValues("service_error")))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, syncstate.StateAuthError, StatusFor(apperr.New(apperr.KindAuthentication, "", nil)))
	assert.Equal(t, syncstate.StateServiceError, StatusFor(apperr.External("gmail", "", nil)))
	assert.Equal(t, syncstate.StateServiceError, StatusFor(apperr.RateLimited("gmail", "", nil)))
	assert.Equal(t, syncstate.StateError, StatusFor(apperr.Configf("bad")))
	assert.Equal(t, syncstate.StateError, StatusFor(errors.New("boom")))
}

func TestRun_StopObservedAtChunkBoundary(t *testing.T) {
	f := newFixture(t, newFakeMailbox(6), nil)
	job := testJob(JobConfig{BatchSize: 2})
	f.publisher.onBatch = func([]string) { job.requestStop() }

	out := f.runner.Run(context.Background(), job)
	require.NoError(t, out.Err)
	assert.Equal(t, syncstate.StateStopped, out.Status)
	assert.Equal(t, []string{"msg1", "msg2"}, f.publisher.published())
	assert.Equal(t, syncstate.StateStopped, job.Snapshot().Status)

	cursor, _, err := f.state.GetCursor(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "msg2", cursor)
}

func TestRun_StopDuringLastChunkKeepsStoppedStatus(t *testing.T) {
	f := newFixture(t, newFakeMailbox(2), nil)
	job := testJob(JobConfig{})
	f.publisher.onBatch = func([]string) {
		job.stopWith(func() {
			assert.NoError(t, f.state.SetStatus(context.Background(), "u1", syncstate.StateStopped, nil))
		})
	}

	out := f.runner.Run(context.Background(), job)
	require.NoError(t, out.Err)
	assert.Equal(t, syncstate.StateStopped, out.Status)
	assert.Equal(t, []string{"msg1", "msg2"}, f.publisher.published())

	st, err := f.state.GetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, syncstate.StateStopped, st.State)
}

func TestRun_StopBeforeFailureKeepsStoppedStatus(t *testing.T) {
	mb := newFakeMailbox(2)
	mb.getErr = map[string]error{
		"msg1": apperr.New(apperr.KindAuthentication, "get message", errors.New("revoked")),
	}
	f := newFixture(t, mb, nil)
	job := testJob(JobConfig{})
	mb.onGet = func() {
		job.stopWith(func() {
			assert.NoError(t, f.state.SetStatus(context.Background(), "u1", syncstate.StateStopped, nil))
		})
	}

	out := f.runner.Run(context.Background(), job)
	assert.Equal(t, syncstate.StateStopped, out.Status)

	st, err := f.state.GetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, syncstate.StateStopped, st.State)
	assert.Equal(t, []string{"u1"}, f.creds.users)
}

func TestRun_AlreadyStopped(t *testing.T) {
	f := newFixture(t, newFakeMailbox(2), nil)
	job := testJob(JobConfig{})
	job.requestStop()

	out := f.runner.Run(context.Background(), job)
	assert.Equal(t, syncstate.StateStopped, out.Status)
	assert.Empty(t, f.mailbox.queries)

	st, err := f.state.GetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

// brokenStore fails every operation
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, fmt.Errorf("get: %w", kv.ErrUnavailable)
}

func (brokenStore) Set(context.Context, string, string) error {
	return fmt.Errorf("set: %w", kv.ErrUnavailable)
}

func (brokenStore) Close() error { return nil }

func TestRun_StateStoreFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, newFakeMailbox(3), brokenStore{})

	out := f.runner.Run(context.Background(), testJob(JobConfig{BatchSize: 2}))
	require.NoError(t, out.Err)
	assert.Equal(t, syncstate.StateCompleted, out.Status)
	assert.Equal(t, []string{"msg1", "msg2", "msg3"}, f.publisher.published())
	assert.Equal(t, 7*time.Minute, f.runner.NextInterval(context.Background(), "u1"))
}

func TestRun_Window(t *testing.T) {
	ctx := context.Background()

	t.Run("lookback", func(t *testing.T) {
		f := newFixture(t, newFakeMailbox(1), nil)
		f.runner.Run(ctx, testJob(JobConfig{LookbackDays: 7}))
		require.NotEmpty(t, f.mailbox.queries)
		assert.True(t, f.mailbox.queries[0].Since.Equal(testNow.AddDate(0, 0, -7)))
	})

	t.Run("since last run", func(t *testing.T) {
		f := newFixture(t, newFakeMailbox(1), nil)
		last := testNow.Add(-2 * time.Hour)
		require.NoError(t, f.state.SaveRunState(ctx, "u1", syncstate.RunState{LastCompletedAt: last}))
		f.runner.Run(ctx, testJob(JobConfig{SinceLastRun: true}))
		assert.True(t, f.mailbox.queries[0].Since.Equal(last))
	})

	t.Run("bypass", func(t *testing.T) {
		f := newFixture(t, newFakeMailbox(1), nil)
		f.runner.Run(ctx, testJob(JobConfig{BypassDateFilter: true}))
		require.Len(t, f.mailbox.queries, 1)
		assert.True(t, f.mailbox.queries[0].All())
	})

	t.Run("empty window falls back to all messages", func(t *testing.T) {
		f := newFixture(t, &fakeMailbox{}, nil)
		f.runner.Run(ctx, testJob(JobConfig{}))
		require.Len(t, f.mailbox.queries, 2)
		assert.True(t, f.mailbox.queries[1].All())
	})
}

// scheduler hands the manager a controllable timer
type scheduler struct {
	mu    sync.Mutex
	waits []time.Duration
	ticks chan time.Time
}

func newScheduler() *scheduler {
	return &scheduler{ticks: make(chan time.Time)}
}

func (s *scheduler) After(d time.Duration) <-chan time.Time {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return s.ticks
}

func (s *scheduler) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.waits)
}

func newTestManager(t *testing.T, f *fixture) (*Manager, *scheduler) {
	t.Helper()
	m := NewManager(f.runner)
	s := newScheduler()
	m.After = s.After
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.StopAll(ctx)
	})
	return m, s
}

func TestManager_SchedulesRuns(t *testing.T) {
	mb := newFakeMailbox(3)
	f := newFixture(t, mb, nil)
	m, s := newTestManager(t, f)

	snap, created, err := m.Start(context.Background(), JobConfig{UserID: "u1", PollingFrequencyMinutes: 4})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "u1", snap.UserID)

	require.Eventually(t, func() bool { return len(s.Waits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4*time.Minute, s.Waits()[0])
	assert.Equal(t, []string{"msg1", "msg2", "msg3"}, f.publisher.published())

	snap, _, err = m.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, syncstate.StateCompleted, snap.Status)
	require.NotNil(t, snap.NextRunAt)
	assert.True(t, snap.NextRunAt.Equal(testNow.Add(4*time.Minute)))

	mb.mu.Lock()
	mb.ids = append([]string{"msg4"}, mb.ids...)
	mb.mu.Unlock()
	s.ticks <- testNow

	require.Eventually(t, func() bool { return len(s.Waits()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 7*time.Minute, s.Waits()[1])
	assert.Equal(t, []string{"msg1", "msg2", "msg3", "msg4"}, f.publisher.published())
}

func TestManager_StartTwiceReturnsExistingJob(t *testing.T) {
	f := newFixture(t, newFakeMailbox(1), nil)
	m, s := newTestManager(t, f)

	_, created, err := m.Start(context.Background(), JobConfig{UserID: "u1"})
	require.NoError(t, err)
	require.True(t, created)
	require.Eventually(t, func() bool { return len(s.Waits()) == 1 }, 2*time.Second, 5*time.Millisecond)

	snap, created, err := m.Start(context.Background(), JobConfig{UserID: "u1", BatchSize: 7})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, syncstate.StateCompleted, snap.Status)
	assert.Len(t, m.Jobs(), 1)
}

func TestManager_StartValidates(t *testing.T) {
	f := newFixture(t, newFakeMailbox(1), nil)
	m, _ := newTestManager(t, f)

	_, _, err := m.Start(context.Background(), JobConfig{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, _, err = m.Start(context.Background(), JobConfig{UserID: "u1", BatchSize: 1000})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Empty(t, m.Jobs())
}

func TestManager_Stop(t *testing.T) {
	f := newFixture(t, newFakeMailbox(2), nil)
	m, s := newTestManager(t, f)

	_, _, err := m.Start(context.Background(), JobConfig{UserID: "u1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Waits()) == 1 }, 2*time.Second, 5*time.Millisecond)

	m.mu.RLock()
	job := m.jobs["u1"]
	m.mu.RUnlock()

	snap, err := m.Stop(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, syncstate.StateStopped, snap.Status)
	assert.False(t, m.IsRunning("u1"))
	assert.Empty(t, m.Jobs())

	select {
	case <-job.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after stop")
	}

	st, err := f.state.GetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, syncstate.StateStopped, st.State)

	_, err = m.Stop(context.Background(), "u1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	snap, active, err := m.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, active)
	assert.Equal(t, syncstate.StateStopped, snap.Status)
	assert.Equal(t, 2, snap.EmailsProcessed)
}

func TestManager_StopDuringPublishKeepsStoppedStatus(t *testing.T) {
	f := newFixture(t, newFakeMailbox(1), nil)
	m, _ := newTestManager(t, f)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.publisher.onBatch = func([]string) {
		once.Do(func() { close(entered) })
		<-release
	}

	_, _, err := m.Start(context.Background(), JobConfig{UserID: "u1"})
	require.NoError(t, err)
	m.mu.RLock()
	job := m.jobs["u1"]
	m.mu.RUnlock()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("publish never started")
	}
	snap, err := m.Stop(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, syncstate.StateStopped, snap.Status)
	close(release)

	select {
	case <-job.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after stop")
	}

	st, err := f.state.GetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, syncstate.StateStopped, st.State)

	snap, active, err := m.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, active)
	assert.Equal(t, syncstate.StateStopped, snap.Status)
}

func TestManager_StatusUnknownUser(t *testing.T) {
	f := newFixture(t, newFakeMailbox(1), nil)
	m, _ := newTestManager(t, f)

	_, _, err := m.Status(context.Background(), "nobody")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestManager_Probe(t *testing.T) {
	f := newFixture(t, newFakeMailbox(80), nil)
	m, _ := newTestManager(t, f)

	ids, err := m.Probe(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Len(t, ids, DefaultProbeLimit)
	assert.True(t, f.mailbox.queries[0].All())
	assert.Empty(t, f.publisher.published())

	_, err = m.Probe(context.Background(), "", 10)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestManager_StopAll(t *testing.T) {
	f := newFixture(t, newFakeMailbox(1), nil)
	m, s := newTestManager(t, f)

	for _, u := range []string{"u2", "u1"} {
		_, _, err := m.Start(context.Background(), JobConfig{UserID: u})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(s.Waits()) == 2 }, 2*time.Second, 5*time.Millisecond)
	jobs := m.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "u1", jobs[0].UserID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.StopAll(ctx))
	assert.Empty(t, m.Jobs())

	_, _, err := m.Start(context.Background(), JobConfig{UserID: "u3"})
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}
