package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MemoryLimiter keeps one token bucket per key in process memory. The
// bucket refills Limit units per Window and holds at most Limit, so it
// behaves like a sliding version of the fixed window.
type MemoryLimiter struct {
	cfg      Config
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
	logger   *zap.Logger
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg Config, logger *zap.Logger) *MemoryLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLimiter{
		cfg:      cfg.normalize(),
		visitors: make(map[string]*visitor),
		now:      time.Now,
		logger:   logger.With(zap.String("component", "ratelimit"), zap.String("backend", "memory")),
	}
}

// TryAcquire implements Limiter.
func (l *MemoryLimiter) TryAcquire(ctx context.Context, key string, cost int) (Result, error) {
	if cost <= 0 {
		return Result{}, ErrInvalidCost
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	now := l.now()
	if res, denied := denyOversized(l.cfg, cost, now); denied {
		return res, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[key]
	if !ok {
		every := rate.Every(l.cfg.Window / time.Duration(l.cfg.Limit))
		v = &visitor{limiter: rate.NewLimiter(every, l.cfg.Limit)}
		l.visitors[key] = v
	}
	v.lastSeen = now

	res := Result{Limit: l.cfg.Limit}
	r := v.limiter.ReserveN(now, cost)
	if !r.OK() {
		res.RetryAfter = l.cfg.Window
		res.ResetAt = now.Add(l.cfg.Window)
		return res, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		res.RetryAfter = delay
	} else {
		res.Allowed = true
	}

	tokens := v.limiter.TokensAt(now)
	res.Remaining = int(math.Max(0, math.Floor(tokens)))
	res.Used = l.cfg.Limit - res.Remaining
	// 桶补满所需时间
	missing := float64(l.cfg.Limit) - tokens
	res.ResetAt = now.Add(time.Duration(missing / float64(l.cfg.Limit) * float64(l.cfg.Window)))
	return res, nil
}

// Sweep drops keys idle for longer than maxIdle.
func (l *MemoryLimiter) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > maxIdle {
			delete(l.visitors, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("swept idle keys", zap.Int("removed", removed))
	}
	return removed
}
