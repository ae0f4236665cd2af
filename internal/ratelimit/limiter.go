package ratelimit

import (
	"context"
	"time"

	"github.com/telhawk-systems/filegate/internal/config"
	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/metrics"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Limiter allows at most max hits per key and window of its Store.
type Limiter struct {
	store Store
	max   int
}

func NewLimiter(store Store, max int) *Limiter {
	return &Limiter{store: store, max: max}
}

func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	counter, err := l.store.Increment(ctx, key)
	if err != nil {
		// Fail open.
		metrics.RateLimitDecisions.WithLabelValues("error").Inc()
		return Decision{Allowed: true, Limit: l.max, Remaining: l.max}, err
	}

	d := Decision{
		Allowed:   counter.TotalHits <= int64(l.max),
		Limit:     l.max,
		Remaining: max(l.max-int(counter.TotalHits), 0),
		ResetTime: counter.ResetTime,
	}
	if d.Allowed {
		metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues("limited").Inc()
	}
	return d, nil
}

// Store returns the underlying counter store.
func (l *Limiter) Store() Store {
	return l.store
}

// NoOpLimiter always allows requests (for testing or disabled rate limiting)
type NoOpLimiter struct{}

func (NoOpLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// NewStore builds the counter store described by cfg: a HybridStore over
// Redis when a URL is configured, otherwise a local one. The returned close
// function releases the Redis connection.
func NewStore(cfg config.RateLimitConfig, prefix string, window time.Duration, logger *logging.Logger) (*HybridStore, func() error, error) {
	local := NewMemoryStore(window)
	opts := HybridOptions{
		OpTimeout:        cfg.OpTimeout,
		FailureThreshold: uint32(max(cfg.FailureThreshold, 0)),
		Cooldown:         cfg.Cooldown,
	}

	if cfg.RedisURL == "" {
		return NewHybridStore(nil, local, opts, logger), func() error { return nil }, nil
	}

	client, err := NewRedisClient(cfg.RedisURL, cfg.RedisTLS)
	if err != nil {
		return nil, nil, err
	}
	remote := NewRedisStore(client, prefix, window)
	return NewHybridStore(remote, local, opts, logger), client.Close, nil
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ Store       = (*RedisStore)(nil)
	_ Store       = (*HybridStore)(nil)
	_ RateLimiter = (*Limiter)(nil)
	_ RateLimiter = NoOpLimiter{}
)
