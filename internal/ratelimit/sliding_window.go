package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Options configures one sliding-window limit.
type Options struct {
	MaxRequests int
	Window      time.Duration
	KeyPrefix   string
}

// Result reports an admission decision.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	// Err is set when the store failed and the request was admitted anyway.
	Err error
}

// Limiter checks sliding-window limits against Redis.
type Limiter struct {
	client *redis.Client
	now    func() time.Time
}

// New builds a limiter over client.
func New(client *redis.Client) *Limiter {
	return &Limiter{client: client, now: time.Now}
}

// Check admits or rejects one request for identifier. Eviction, counting,
// admission and recording run in one script so concurrent callers cannot
// race past the limit. Store errors fail open.
func (l *Limiter) Check(ctx context.Context, identifier string, opts Options) Result {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "ratelimit"
	}
	key := fmt.Sprintf("%s:%s", prefix, identifier)
	now := l.now()
	window := opts.Window.Milliseconds()

	res, err := windowScript.Run(ctx, l.client, []string{key},
		now.UnixMilli(), window, opts.MaxRequests, uuid.NewString()).Result()
	if err != nil {
		return Result{Allowed: true, Remaining: opts.MaxRequests, ResetAt: now.Add(opts.Window), Err: err}
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Result{Allowed: true, Remaining: opts.MaxRequests, ResetAt: now.Add(opts.Window), Err: fmt.Errorf("unexpected script reply %T", res)}
	}
	allowed, _ := arr[0].(int64)
	remaining, _ := arr[1].(int64)
	oldest, _ := arr[2].(int64)
	return Result{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   time.UnixMilli(oldest + window),
	}
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then oldest = tonumber(first[2]) end
return {allowed, limit - count, oldest}
`)
