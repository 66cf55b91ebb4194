package ratelimit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/internal/metrics"
)

// Guarded wraps a backend so that backend failures never reach the
// engine. With FailOpen a failing backend admits the request; otherwise it
// denies with RetryAfter set to FailureBackoff.
type Guarded struct {
	backend        Limiter
	name           string
	failOpen       bool
	failureBackoff time.Duration
	metrics        *metrics.Collector
	logger         *zap.Logger
}

// GuardedOption configures Guarded.
type GuardedOption func(*Guarded)

// WithFailOpen admits requests while the backend is failing.
func WithFailOpen(failOpen bool) GuardedOption {
	return func(g *Guarded) { g.failOpen = failOpen }
}

// WithFailureBackoff sets the RetryAfter used when failing closed.
func WithFailureBackoff(d time.Duration) GuardedOption {
	return func(g *Guarded) { g.failureBackoff = d }
}

// WithMetrics records decisions and backend errors.
func WithMetrics(c *metrics.Collector) GuardedOption {
	return func(g *Guarded) { g.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) GuardedOption {
	return func(g *Guarded) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuarded wraps backend. name labels logs and metrics.
func NewGuarded(backend Limiter, name string, opts ...GuardedOption) *Guarded {
	g := &Guarded{
		backend:        backend,
		name:           name,
		failOpen:       true,
		failureBackoff: time.Second,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "ratelimit"), zap.String("backend", name))
	return g
}

// TryAcquire implements Limiter. The returned error is only ever the
// caller's own context error or ErrInvalidCost.
func (g *Guarded) TryAcquire(ctx context.Context, key string, cost int) (res Result, err error) {
	if cost <= 0 {
		return Result{}, ErrInvalidCost
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("rate limit backend panicked", zap.Any("panic", r), zap.String("key", key))
			res, err = g.fallback(), nil
		}
	}()

	res, err = g.backend.TryAcquire(ctx, key, cost)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
		}
		g.metrics.RecordLimiterError(g.name)
		g.logger.Warn("rate limit backend error",
			zap.String("key", key),
			zap.Bool("fail_open", g.failOpen),
			zap.Error(err))
		return g.fallback(), nil
	}
	g.metrics.RecordLimiterDecision(g.name, res.Allowed)
	return res, nil
}

func (g *Guarded) fallback() Result {
	if g.failOpen {
		return Result{Allowed: true}
	}
	return Result{Allowed: false, RetryAfter: g.failureBackoff}
}
