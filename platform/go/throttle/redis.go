package throttle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills by whole intervals and consumes one token atomically.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
    tokens = capacity
    last_refill = now_ms
end

local elapsed = math.max(0, now_ms - last_refill)
local intervals = math.floor(elapsed / interval_ms)
if intervals > 0 then
    tokens = math.min(capacity, tokens + intervals)
    last_refill = last_refill + (intervals * interval_ms)
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
    allowed = 1
    tokens = tokens - 1
else
    retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens, retry_after_ms }
`)

// Redis shares buckets across replicas.
type Redis struct {
	client redis.Scripter
	prefix string
	cfg    Config
	now    func() time.Time
}

var _ Throttler = (*Redis)(nil)

// NewRedis returns a Redis backed throttler. Keys are stored under prefix.
func NewRedis(client redis.Scripter, prefix string, cfg Config) *Redis {
	if client == nil {
		panic("throttle: redis client is required")
	}
	if prefix == "" {
		prefix = "sata:throttle"
	}
	return &Redis{client: client, prefix: prefix, cfg: cfg.normalized(), now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	args := []any{
		r.now().UnixMilli(),
		r.cfg.Capacity,
		r.cfg.RefillEvery.Milliseconds(),
		int64(r.cfg.TTL / time.Second),
	}

	vals, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + ":" + key}, args...).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket: %w", err)
	}

	arr, ok := vals.([]any)
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("unexpected token bucket result %#v", vals)
	}

	return Decision{
		Allowed:    asInt64(arr[0]) == 1,
		Remaining:  int(asInt64(arr[1])),
		RetryAfter: time.Duration(asInt64(arr[2])) * time.Millisecond,
	}, nil
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
