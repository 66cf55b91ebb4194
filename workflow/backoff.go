package workflow

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy 定义步骤重试的退避参数
type RetryPolicy struct {
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"` // 首次重试前的等待
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`         // 退避上限
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`       // 指数因子
	Jitter       bool          `json:"jitter" yaml:"jitter"`               // 是否添加 ±25% 抖动
}

// DefaultRetryPolicy returns min(2^attempt, 30) seconds without jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the wait after the given zero-based failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 2.0
	}
	if attempt < 0 {
		attempt = 0
	}

	// 指数退避：delay = initial * multiplier^attempt
	delay := float64(initial) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}
	return time.Duration(delay)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
