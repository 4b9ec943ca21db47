package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes atomically. Bucket state lives in a
// hash {tokens, ts}; ts is in milliseconds.
var tokenBucketScript = goredis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

if cost > 0 or state[1] then
  redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(now))
  redis.call('PEXPIRE', key, ttl)
end
return {allowed, tostring(tokens)}
`)

const defaultRedisPrefix = "exercise-gateway:ratelimit:"

// RedisStore keeps buckets in Redis so every gateway process draws from the
// same budget.
type RedisStore struct {
	rdb    goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps a connected client. An empty prefix uses the default.
func NewRedisStore(rdb goredis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Allow(ctx context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	return s.eval(ctx, key, capacity, refillRate, 1)
}

func (s *RedisStore) Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error) {
	_, remaining, err := s.eval(ctx, key, capacity, refillRate, 0)
	return remaining, err
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("ratelimit reset: %w", err)
	}
	return nil
}

// Close leaves the client open; its owner closes it.
func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) eval(ctx context.Context, key string, capacity, refillRate, cost float64) (bool, float64, error) {
	// Keep idle buckets until they would have refilled twice over.
	ttl := int64(2 * capacity / refillRate * 1000)
	if ttl < 1000 {
		ttl = 1000
	}
	res, err := tokenBucketScript.Run(ctx, s.rdb, []string{s.prefix + key},
		capacity, refillRate, s.now().UnixMilli(), cost, ttl).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit eval: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	remaining, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: parse tokens %q: %w", raw, err)
	}
	return allowed == 1, remaining, nil
}
