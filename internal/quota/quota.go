// Package quota implements the token bucket that throttles provider calls
// across every worker sharing one account-level quota.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/kv"
	"github.com/Martian-dev/mail-ingest/internal/metrics"
)

// Limiter grants or refuses n tokens without blocking
type Limiter interface {
	Acquire(ctx context.Context, n int) (bool, error)
}

// Config describes a bucket's capacity and refill schedule
type Config struct {
	MaxTokens  int
	RefillRate int
	RefillTime time.Duration
}

func (c Config) Validate() error {
	if c.MaxTokens <= 0 {
		return apperr.Configf("quota max tokens must be positive, got %d", c.MaxTokens)
	}
	if c.RefillRate <= 0 {
		return apperr.Configf("quota refill rate must be positive, got %d", c.RefillRate)
	}
	if c.RefillTime <= 0 {
		return apperr.Configf("quota refill time must be positive, got %s", c.RefillTime)
	}
	return nil
}

// State is the persisted content of a bucket
type State struct {
	Tokens     int
	LastRefill time.Time
}

// Refill credits whole elapsed periods since s.LastRefill. When at least one
// period elapsed, LastRefill moves to now rather than by whole periods. The
// balance never exceeds cfg.MaxTokens, even if it was stored under a larger cap.
func Refill(s State, cfg Config, now time.Time) State {
	periods := int64(now.Sub(s.LastRefill) / cfg.RefillTime)
	if periods <= 0 {
		s.Tokens = min(s.Tokens, cfg.MaxTokens)
		return s
	}
	tokens := int64(s.Tokens) + periods*int64(cfg.RefillRate)
	if tokens > int64(cfg.MaxTokens) {
		tokens = int64(cfg.MaxTokens)
	}
	return State{Tokens: int(tokens), LastRefill: now}
}

// Option configures a bucket
type Option func(*options)

type options struct {
	now     func() time.Time
	metrics *metrics.Metrics
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func tokensKey(bucket string) string     { return bucket + ":tokens" }
func lastRefillKey(bucket string) string { return bucket + ":last_refill" }

// Bucket keeps its state in a kv.Store. Read-modify-write is serialized
// within the process; across processes it is last-writer-wins.
type Bucket struct {
	store kv.Store
	name  string
	cfg   Config
	opts  options
	mu    sync.Mutex
}

// NewBucket returns a bucket named name stored in store
func NewBucket(store kv.Store, name string, cfg Config, opts ...Option) (*Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, apperr.Configf("quota bucket name is empty")
	}
	return &Bucket{store: store, name: name, cfg: cfg, opts: buildOptions(opts)}, nil
}

func (b *Bucket) Name() string { return b.name }

// Acquire refills, then deducts n if enough tokens are available.
// An insufficient balance returns false and leaves the bucket unchanged.
func (b *Bucket) Acquire(ctx context.Context, n int) (bool, error) {
	if n <= 0 {
		return false, apperr.New(apperr.KindValidation, "quota acquire", fmt.Errorf("token count must be positive, got %d", n))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.now()
	state, exists, err := b.load(ctx)
	if err != nil {
		return false, err
	}
	if !exists {
		state = State{Tokens: b.cfg.MaxTokens, LastRefill: now}
		if err := b.save(ctx, state); err != nil {
			return false, err
		}
	}

	refilled := Refill(state, b.cfg, now)
	if refilled != state {
		if err := b.save(ctx, refilled); err != nil {
			return false, err
		}
	}

	if refilled.Tokens < n {
		b.observe(false)
		log.Debug().Str("bucket", b.name).Int("tokens", refilled.Tokens).Int("requested", n).Msg("quota exhausted")
		return false, nil
	}

	if err := b.store.Set(ctx, tokensKey(b.name), strconv.Itoa(refilled.Tokens-n)); err != nil {
		return false, fmt.Errorf("quota %s: %w", b.name, err)
	}
	b.observe(true)
	return true, nil
}

// State reads the bucket without refilling it
func (b *Bucket) State(ctx context.Context) (State, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(ctx)
}

// Put overwrites the bucket state
func (b *Bucket) Put(ctx context.Context, s State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.save(ctx, s)
}

func (b *Bucket) load(ctx context.Context) (State, bool, error) {
	rawTokens, okTokens, err := b.store.Get(ctx, tokensKey(b.name))
	if err != nil {
		return State{}, false, fmt.Errorf("quota %s: %w", b.name, err)
	}
	rawRefill, okRefill, err := b.store.Get(ctx, lastRefillKey(b.name))
	if err != nil {
		return State{}, false, fmt.Errorf("quota %s: %w", b.name, err)
	}
	if !okTokens || !okRefill {
		return State{}, false, nil
	}

	tokens, err := strconv.Atoi(rawTokens)
	if err != nil {
		return State{}, false, apperr.New(apperr.KindCorruptState, "quota "+b.name, fmt.Errorf("tokens %q: %w", rawTokens, err))
	}
	ms, err := strconv.ParseInt(rawRefill, 10, 64)
	if err != nil {
		return State{}, false, apperr.New(apperr.KindCorruptState, "quota "+b.name, fmt.Errorf("last_refill %q: %w", rawRefill, err))
	}
	return State{Tokens: tokens, LastRefill: time.UnixMilli(ms)}, true, nil
}

func (b *Bucket) save(ctx context.Context, s State) error {
	if err := b.store.Set(ctx, tokensKey(b.name), strconv.Itoa(s.Tokens)); err != nil {
		return fmt.Errorf("quota %s: %w", b.name, err)
	}
	if err := b.store.Set(ctx, lastRefillKey(b.name), strconv.FormatInt(s.LastRefill.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("quota %s: %w", b.name, err)
	}
	return nil
}

func (b *Bucket) observe(granted bool) {
	if b.opts.metrics == nil {
		return
	}
	b.opts.metrics.QuotaAcquire.WithLabelValues(b.name, resultLabel(granted)).Inc()
}

func resultLabel(granted bool) string {
	if granted {
		return "granted"
	}
	return "denied"
}
