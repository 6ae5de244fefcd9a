// Package ratelimit shares a request budget between processor instances through redis.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Lua numbers are truncated to integers in replies, so the script returns the
// wait in milliseconds instead of the fractional token count.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait = math.ceil(((1 - tokens) / rate) * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(ts))
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, math.floor(tokens), wait}
`

var (
	ErrNotConfigured = errors.New("rate_limiter_not_configured")
	ErrInvalidLimit  = errors.New("rate_limiter_invalid_limit")
)

type TokenBucket struct {
	client redis.UniversalClient
	script *redis.Script
	now    func() time.Time
}

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

func NewTokenBucket(client redis.UniversalClient, now func() time.Time) *TokenBucket {
	if client == nil {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		now:    now,
	}
}

// Allow takes one token from the bucket at key.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (Result, error) {
	if t == nil || t.client == nil {
		return Result{}, ErrNotConfigured
	}
	if key == "" || rate <= 0 || burst <= 0 {
		return Result{}, ErrInvalidLimit
	}

	ttl := bucketTTL(rate, burst)
	res, err := t.script.Run(ctx, t.client, []string{key},
		rate,
		burst,
		ttl.Milliseconds(),
		t.now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	if len(res) < 3 {
		return Result{}, errors.New("invalid rate limit script response")
	}

	return Result{
		Allowed:    res[0] == 1,
		Limit:      burst,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// bucketTTL keeps an idle bucket around for twice its full refill time.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}
