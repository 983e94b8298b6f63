package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// takeScript runs the prune/count/record sequence atomically on the server.
// Scores are unix milliseconds.
var takeScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = '-1'
if oldest[2] then oldestScore = oldest[2] end
return {allowed, count, oldestScore}
`)

// RedisStore shares the sliding log across every backend instance.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Take(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (TakeResult, error) {
	vals, err := takeScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString()).Slice()
	if err != nil {
		return TakeResult{}, fmt.Errorf("redis take %s: %w", key, err)
	}
	if len(vals) != 3 {
		return TakeResult{}, fmt.Errorf("redis take %s: unexpected reply %v", key, vals)
	}

	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	res := TakeResult{Allowed: allowed == 1, Count: int(count)}

	score, ok := vals[2].(string)
	if !ok {
		return res, nil
	}
	ms, err := strconv.ParseFloat(score, 64)
	if err != nil {
		return TakeResult{}, fmt.Errorf("redis take %s: bad score %q: %w", key, score, err)
	}
	if ms >= 0 {
		res.Oldest = time.UnixMilli(int64(ms))
	}
	return res, nil
}

// Ping is used at startup to report the store state.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
