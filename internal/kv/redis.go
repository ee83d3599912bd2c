package kv

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// decrementIfPositiveScript implements the credit-counter decrement as a
// single server-side atomic operation (§4.5 requires this be "server-side
// atomic, e.g. scripted").
var decrementIfPositiveScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]))
if v and v > 0 then
	redis.call('DECR', KEYS[1])
	return 1
end
return 0
`)

// incrementCappedScript implements incrementCapped: increment unless at
// cap, then unconditionally refresh TTL so credits survive a long outage
// even once the cap has been reached.
var incrementCappedScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1])) or 0
local cap = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
if v < cap then
	v = redis.call('INCR', KEYS[1])
else
	v = cap
end
redis.call('EXPIRE', KEYS[1], ttl)
return v
`)

// RedisStore is the production Store backed by a remote Redis-compatible
// service, grounded on the pack's own cache.Client wrapper.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials redisURL (redis://[user:pass@]host:port) and verifies
// connectivity with a bounded ping, the same shape the pack's facilitator
// cache package uses.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: redis ping: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func parseRedisURL(redisURL string) (*redis.Options, error) {
	u, err := url.Parse(redisURL)
	if err != nil {
		return nil, err
	}

	opts := &redis.Options{Addr: u.Host}
	if u.User != nil {
		opts.Username = u.User.Username()
		if password, ok := u.User.Password(); ok {
			opts.Password = password
		}
	}
	return opts, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) DecrementIfPositive(ctx context.Context, key string) (bool, error) {
	result, err := decrementIfPositiveScript.Run(ctx, s.client, []string{key}).Int()
	if err != nil {
		return false, fmt.Errorf("kv: decrementIfPositive %s: %w", key, err)
	}
	return result == 1, nil
}

func (s *RedisStore) IncrementCapped(ctx context.Context, key string, cap int64, ttl time.Duration) (int64, error) {
	result, err := incrementCappedScript.Run(ctx, s.client, []string{key}, cap, int64(ttl.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("kv: incrementCapped %s: %w", key, err)
	}
	return result, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks connectivity, used by health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
