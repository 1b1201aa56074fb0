package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/gatekeeper/internal/tracing"
)

// redisKeyPrefix namespaces rate limit windows in a shared Redis.
const redisKeyPrefix = "gk:rl:"

// slidingWindowScript prunes, counts and conditionally records in one round trip.
//
// KEYS[1] window key
// ARGV[1] now (ms), ARGV[2] window (ms), ARGV[3] limit, ARGV[4] member
// Returns {allowed, count, resetAfterMs}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  allowed = 1
end
redis.call('PEXPIRE', key, window)

local reset = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window - now
end
return {allowed, count + 1, reset}
`)

// RedisStore implements Store on Redis sorted sets so windows are shared
// across processes.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed sliding-window store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Record implements Store. Errors wrap ErrStoreUnavailable.
func (s *RedisStore) Record(ctx context.Context, key string, policy Policy) (res Result, err error) {
	ctx, endSpan := tracing.StartStorageSpan(ctx, tracing.SystemRedis, "rate_window", tracing.DBOperationExec)
	defer func() { endSpan(err) }()

	now := s.now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	raw, err := slidingWindowScript.Run(ctx, s.client,
		[]string{redisKeyPrefix + windowKey(key, policy)},
		now.UnixMilli(),
		policy.Window.Milliseconds(),
		policy.Limit,
		member,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("%w: unexpected script reply length %d", ErrStoreUnavailable, len(raw))
	}

	allowed := raw[0] == 1
	return buildResult(allowed, int(raw[1]), policy, time.Duration(raw[2])*time.Millisecond), nil
}

// Reset removes the window for key under policy.
func (s *RedisStore) Reset(ctx context.Context, key string, policy Policy) error {
	if err := s.client.Del(ctx, redisKeyPrefix+windowKey(key, policy)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
