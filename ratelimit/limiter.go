package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidCost is returned for a non-positive cost.
var ErrInvalidCost = errors.New("rate limit cost must be positive")

// Result is the decision for one acquisition attempt.
type Result struct {
	Allowed bool `json:"allowed"`
	// RetryAfter 被拒绝时建议的等待时间
	RetryAfter time.Duration `json:"retry_after"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	Used       int           `json:"used"`
	ResetAt    time.Time     `json:"reset_at"`
}

// Limiter is a shared budget of Limit units per Window for every key.
// Implementations must be safe for concurrent use.
type Limiter interface {
	TryAcquire(ctx context.Context, key string, cost int) (Result, error)
}

// Config is shared by every backend.
type Config struct {
	Limit     int           `json:"limit" yaml:"limit"`
	Window    time.Duration `json:"window" yaml:"window"`
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultConfig allows 60 units per minute.
func DefaultConfig() Config {
	return Config{
		Limit:     60,
		Window:    time.Minute,
		KeyPrefix: "flowrun:ratelimit:",
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Limit <= 0 {
		c.Limit = d.Limit
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}

// denyOversized handles a cost that can never fit in one window.
func denyOversized(cfg Config, cost int, now time.Time) (Result, bool) {
	if cost <= cfg.Limit {
		return Result{}, false
	}
	return Result{
		Allowed:    false,
		RetryAfter: cfg.Window,
		Limit:      cfg.Limit,
		Remaining:  0,
		ResetAt:    now.Add(cfg.Window),
	}, true
}

// windowStart aligns t to the fixed window containing it.
func windowStart(t time.Time, window time.Duration) time.Time {
	return t.Truncate(window)
}
