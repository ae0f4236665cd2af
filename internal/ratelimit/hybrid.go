package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/metrics"
	"github.com/telhawk-systems/filegate/internal/models"
)

const (
	BackendRemote = "redis"
	BackendLocal  = "memory"
)

// HybridOptions tunes the failover between the remote and local stores.
type HybridOptions struct {
	OpTimeout        time.Duration
	FailureThreshold uint32
	Cooldown         time.Duration
}

// HybridStore prefers a shared remote store and falls back to a local
// MemoryStore, call by call, while the remote is failing. Callers never see
// backend errors.
//
// While the remote is down each replica counts on its own, so the effective
// cluster-wide limit becomes max times the number of replicas.
type HybridStore struct {
	remote    Store
	local     *MemoryStore
	breaker   *gobreaker.CircuitBreaker
	opTimeout time.Duration
	logger    *logging.Logger
}

// NewHybridStore wraps remote. A nil remote makes the store purely local.
func NewHybridStore(remote Store, local *MemoryStore, opts HybridOptions, logger *logging.Logger) *HybridStore {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 250 * time.Millisecond
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}

	h := &HybridStore{
		remote:    remote,
		local:     local,
		opTimeout: opts.OpTimeout,
		logger:    logger,
	}
	h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-remote",
		MaxRequests: 1,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not a backend failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rate limit backend state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	return h
}

// Healthy reports whether the remote store will be tried for the next call.
func (h *HybridStore) Healthy() bool {
	return h.remote != nil && h.breaker.State() != gobreaker.StateOpen
}

// State returns the breaker state name, or "local" without a remote.
func (h *HybridStore) State() string {
	if h.remote == nil {
		return "local"
	}
	return h.breaker.State().String()
}

// attempt runs op against the remote with a per-try timeout and one retry.
func (h *HybridStore) attempt(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	if !h.Healthy() {
		return nil, gobreaker.ErrOpenState
	}
	return h.breaker.Execute(func() (any, error) {
		var lastErr error
		for try := 0; try < 2; try++ {
			opCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
			v, err := op(opCtx)
			cancel()
			if err == nil {
				return v, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				break
			}
		}
		return nil, lastErr
	})
}

func (h *HybridStore) fallback(op string, err error) {
	if h.remote == nil {
		return
	}
	if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		h.logger.Debug("rate limit remote call failed, using local store", "op", op, logging.Error(err))
	}
}

func (h *HybridStore) Increment(ctx context.Context, key string) (models.RateLimitCounter, error) {
	v, err := h.attempt(ctx, func(ctx context.Context) (any, error) {
		return h.remote.Increment(ctx, key)
	})
	if err == nil {
		metrics.RateLimitBackendOps.WithLabelValues(BackendRemote).Inc()
		return v.(models.RateLimitCounter), nil
	}
	h.fallback("increment", err)
	metrics.RateLimitBackendOps.WithLabelValues(BackendLocal).Inc()
	return h.local.Increment(ctx, key)
}

func (h *HybridStore) Decrement(ctx context.Context, key string) error {
	_, err := h.attempt(ctx, func(ctx context.Context) (any, error) {
		return nil, h.remote.Decrement(ctx, key)
	})
	if err != nil {
		h.fallback("decrement", err)
		return h.local.Decrement(ctx, key)
	}
	return nil
}

// ResetKey clears the key in both backends.
func (h *HybridStore) ResetKey(ctx context.Context, key string) error {
	if _, err := h.attempt(ctx, func(ctx context.Context) (any, error) {
		return nil, h.remote.ResetKey(ctx, key)
	}); err != nil {
		h.fallback("reset", err)
	}
	return h.local.ResetKey(ctx, key)
}

// ResetAll clears both backends.
func (h *HybridStore) ResetAll(ctx context.Context) error {
	if _, err := h.attempt(ctx, func(ctx context.Context) (any, error) {
		return nil, h.remote.ResetAll(ctx)
	}); err != nil {
		h.fallback("reset_all", err)
	}
	return h.local.ResetAll(ctx)
}
