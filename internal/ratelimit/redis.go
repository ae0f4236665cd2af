package ratelimit

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/filegate/internal/models"
)

// incrementScript increments the counter and starts the window on the first
// hit. The TTL is re-armed if the key somehow lost its expiry.
var incrementScript = redis.NewScript(`
local hits = redis.call('INCR', KEYS[1])
if hits == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {hits, ttl}
`)

// decrementScript never creates a key, so it cannot leave one without a TTL.
var decrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('DECR', KEYS[1])
end
return 0
`)

// RedisStore shares counters between replicas through Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	window time.Duration
	now    func() time.Time
}

// NewRedisClient parses redisURL and optionally forces TLS.
func NewRedisClient(redisURL string, forceTLS bool) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if forceTLS && opt.TLSConfig == nil {
		opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opt), nil
}

func NewRedisStore(client *redis.Client, prefix string, window time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		window: window,
		now:    time.Now,
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Increment(ctx context.Context, key string) (models.RateLimitCounter, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.key(key)}, s.window.Milliseconds()).Int64Slice()
	if err != nil {
		return models.RateLimitCounter{}, fmt.Errorf("redis increment: %w", err)
	}
	if len(res) != 2 {
		return models.RateLimitCounter{}, fmt.Errorf("redis increment: unexpected reply %v", res)
	}

	return models.RateLimitCounter{
		TotalHits: res[0],
		ResetTime: s.now().Add(time.Duration(res[1]) * time.Millisecond),
	}, nil
}

func (s *RedisStore) Decrement(ctx context.Context, key string) error {
	if err := decrementScript.Run(ctx, s.client, []string{s.key(key)}).Err(); err != nil {
		return fmt.Errorf("redis decrement: %w", err)
	}
	return nil
}

func (s *RedisStore) ResetKey(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis reset: %w", err)
	}
	return nil
}

// ResetAll deletes every key under the store prefix.
func (s *RedisStore) ResetAll(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 500).Iterator()
	pipe := s.client.Pipeline()
	queued := 0
	for iter.Next(ctx) {
		pipe.Del(ctx, iter.Val())
		queued++
		if queued == 500 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("redis reset all: %w", err)
			}
			queued = 0
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if queued > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis reset all: %w", err)
		}
	}
	return nil
}

// Ping reports whether Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
