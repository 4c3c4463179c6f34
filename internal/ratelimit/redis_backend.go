package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript atomically applies one request to a fixed window stored
// as a hash {count, start}.
//
// Keys: KEYS[1] = window key
// Args: ARGV[1] = limit, ARGV[2] = window (ms), ARGV[3] = now (unix ms)
// Returns: [limited (0/1), count]
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "count", "start")
local count = tonumber(state[1])
local start = tonumber(state[2])

if count == nil or start == nil or now - start > window then
    redis.call("HSET", key, "count", 1, "start", now)
    -- keep idle windows around long enough for Count, then let them expire
    redis.call("PEXPIRE", key, window * 2)
    return {0, 1}
end

if count >= limit then
    return {1, count}
end

count = redis.call("HINCRBY", key, "count", 1)
return {0, count}
`)

// RedisBackend shares fixed windows between processes through Redis.
type RedisBackend struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisBackend creates a Redis-backed backend. Keys are namespaced with
// prefix (default "lpdash:rl:").
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "lpdash:rl:"
	}
	return &RedisBackend{client: client, prefix: prefix, now: time.Now}
}

func (b *RedisBackend) Hit(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	res, err := fixedWindowScript.Run(ctx, b.client, []string{b.prefix + key},
		limit, window.Milliseconds(), b.now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis rate limit hit: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("redis rate limit hit: unexpected result length %d", len(res))
	}
	return res[0] == 1, int(res[1]), nil
}

func (b *RedisBackend) Count(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	vals, err := b.client.HMGet(ctx, b.prefix+key, "count", "start").Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis rate limit count: %w", err)
	}
	count, ok1 := parseRedisInt(vals[0])
	start, ok2 := parseRedisInt(vals[1])
	if !ok1 || !ok2 {
		return 0, time.Time{}, nil
	}
	if b.now().UnixMilli()-start > window.Milliseconds() {
		return 0, time.Time{}, nil
	}
	return int(count), time.UnixMilli(start).Add(window), nil
}

func (b *RedisBackend) Reset(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis rate limit reset: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis rate limit reset: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func parseRedisInt(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
