package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisIncrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
local ttl_ms = tonumber(ARGV[1])
if n == 1 and ttl_ms > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl_ms)
end
return n
`)

var redisSwapScript = redis.NewScript(`
local prev = redis.call("GET", KEYS[1])
local ttl_ms = tonumber(ARGV[2])
if ttl_ms > 0 then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ttl_ms)
else
  redis.call("SET", KEYS[1], ARGV[1])
end
return prev
`)

// Redis is a Store backed by a Redis server. Keys are namespaced by prefix.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps client. An empty prefix defaults to "sams".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "sams"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string {
	return fmt.Sprintf("%s:%s", r.prefix, k)
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return redisIncrScript.Run(ctx, r.client, []string{r.key(key)}, ttl.Milliseconds()).Int64()
}

func (r *Redis) Swap(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	prev, err := redisSwapScript.Run(ctx, r.client, []string{r.key(key)}, value, ttl.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(prev), true, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.client.Del(ctx, full...).Err()
}
