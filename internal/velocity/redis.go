package velocity

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments the counter and arms the TTL on first increment in a
// single server-side round-trip. A read-then-write sequence would race under
// concurrent increments and double the latency budget.
var incrScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RedisCounter implements Counter on go-redis.
type RedisCounter struct {
	rdb redis.UniversalClient
}

// NewRedisCounter wraps an existing client; the caller owns its lifecycle.
func NewRedisCounter(rdb redis.UniversalClient) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// Incr runs the INCR+EXPIRE script. Exactly one round-trip per call.
func (rc *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	seconds := int(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return incrScript.Run(ctx, rc.rdb, []string{key}, seconds).Int64()
}

// Reset deletes a counter key. Test hook.
func (rc *RedisCounter) Reset(ctx context.Context, key string) error {
	return rc.rdb.Del(ctx, key).Err()
}
