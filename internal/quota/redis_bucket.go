package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/kv"
)

const corruptReply = "corrupt bucket state"

// acquireScript refills and deducts in one step on the server.
// KEYS: tokens, last_refill. ARGV: max, rate, refill_ms, now_ms, n.
// Returns {granted, tokens_after}.
const acquireScript = `
local max_tokens = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local refill_ms = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local n = tonumber(ARGV[5])

local raw_tokens = redis.call("GET", KEYS[1])
local raw_last = redis.call("GET", KEYS[2])
local tokens
local last
if raw_tokens and raw_last then
    tokens = tonumber(raw_tokens)
    last = tonumber(raw_last)
    if tokens == nil or last == nil then
        return redis.error_reply("` + corruptReply + `")
    end
    if tokens > max_tokens then
        tokens = max_tokens
        redis.call("SET", KEYS[1], tokens)
    end
else
    tokens = max_tokens
    last = now
    redis.call("SET", KEYS[1], tokens)
    redis.call("SET", KEYS[2], last)
end

local periods = math.floor((now - last) / refill_ms)
if periods > 0 then
    tokens = math.min(max_tokens, tokens + periods * rate)
    redis.call("SET", KEYS[1], tokens)
    redis.call("SET", KEYS[2], now)
end

if tokens < n then
    return {0, tokens}
end
tokens = tokens - n
redis.call("SET", KEYS[1], tokens)
return {1, tokens}
`

var acquire = redis.NewScript(acquireScript)

// RedisBucket runs refill and deduction atomically inside Redis, so
// concurrent processes never over-admit.
type RedisBucket struct {
	client redis.Scripter
	keys   []string
	name   string
	cfg    Config
	opts   options
}

// NewRedisBucket shares the namespace of store
func NewRedisBucket(store *kv.Redis, name string, cfg Config, opts ...Option) (*RedisBucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, apperr.Configf("quota bucket name is empty")
	}
	if cfg.RefillTime.Milliseconds() < 1 {
		return nil, apperr.Configf("quota refill time %s is below the 1ms script resolution", cfg.RefillTime)
	}
	scripter, ok := store.Client().(redis.Scripter)
	if !ok {
		return nil, apperr.Configf("redis client %T cannot run scripts", store.Client())
	}
	return &RedisBucket{
		client: scripter,
		keys:   []string{store.Key(tokensKey(name)), store.Key(lastRefillKey(name))},
		name:   name,
		cfg:    cfg,
		opts:   buildOptions(opts),
	}, nil
}

func (b *RedisBucket) Name() string { return b.name }

func (b *RedisBucket) Acquire(ctx context.Context, n int) (bool, error) {
	granted, _, err := b.acquire(ctx, n)
	return granted, err
}

func (b *RedisBucket) acquire(ctx context.Context, n int) (bool, int, error) {
	if n <= 0 {
		return false, 0, apperr.New(apperr.KindValidation, "quota acquire", fmt.Errorf("token count must be positive, got %d", n))
	}

	res, err := acquire.Run(ctx, b.client, b.keys,
		b.cfg.MaxTokens,
		b.cfg.RefillRate,
		b.cfg.RefillTime.Milliseconds(),
		b.opts.now().UnixMilli(),
		n,
	).Int64Slice()
	var replyErr redis.Error
	if errors.As(err, &replyErr) && strings.Contains(replyErr.Error(), corruptReply) {
		return false, 0, apperr.New(apperr.KindCorruptState, "quota "+b.name, err)
	}
	if err != nil {
		return false, 0, fmt.Errorf("quota %s: %w: %v", b.name, kv.ErrUnavailable, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("quota %s: unexpected script reply %v", b.name, res)
	}

	granted := res[0] == 1
	if b.opts.metrics != nil {
		b.opts.metrics.QuotaAcquire.WithLabelValues(b.name, resultLabel(granted)).Inc()
	}
	return granted, int(res[1]), nil
}
