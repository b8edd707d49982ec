package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrementScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisStore — общий для всех инстансов счетчик на Lua-скрипте (INCR + PEXPIRE атомарно).
type RedisStore struct {
	client  redis.Scripter
	prefix  string
	timeout time.Duration
}

func NewRedisStore(client redis.Scripter, prefix string, timeout time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "quota:"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisStore{client: client, prefix: prefix, timeout: timeout}
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	if window <= 0 {
		window = time.Hour
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return Counter{}, fmt.Errorf("quota: redis increment: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Counter{}, fmt.Errorf("quota: unexpected script result %T", res)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	reset := now.Add(time.Duration(ttlMs) * time.Millisecond)
	return Counter{
		Count:       count,
		WindowStart: reset.Add(-window),
		ResetAt:     reset,
	}, nil
}
