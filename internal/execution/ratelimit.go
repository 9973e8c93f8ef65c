package execution

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProbeLimiter paces Execution Service calls per server with a Redis token
// bucket, so many jobs on one unreachable server do not probe in lockstep.
type ProbeLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewProbeLimiter constructs a limiter with the provided capacity/refill.
func NewProbeLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *ProbeLimiter {
	return &ProbeLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes a token for the server if one is available. A limiter
// backend error is reported as allowed: pacing is an optimization, never a
// reason to stall polling.
func (l *ProbeLimiter) Allow(ctx context.Context, server string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{"probe_rl:" + server},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return true, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return true, 0, nil
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
