package parallel

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/internal/metrics"
	"github.com/BaSui01/flowrun/ratelimit"
)

// DefaultProvider is the bucket for tasks whose provider cannot be inferred.
const DefaultProvider = "default"

const (
	globalGateName = "global"
	groupGateName  = "group"
)

// DefaultProviderLimits returns the per-provider ceilings.
func DefaultProviderLimits() map[string]int {
	return map[string]int{
		"anthropic":     5,
		"openai":        8,
		DefaultProvider: 10,
	}
}

// RateLimitConfig configures RateLimitedExecutor.
type RateLimitConfig struct {
	// ProviderLimits 每个 provider 的并发上限，未设置时使用 DefaultProviderLimits
	ProviderLimits map[string]int `json:"provider_limits" yaml:"provider_limits"`
	// GlobalLimit 所有 provider 合计的并发上限，<=0 表示各 provider 上限之和
	GlobalLimit int `json:"global_limit" yaml:"global_limit"`
	// LimiterCost 每次调用向分布式限流器申请的单位数，默认 1
	LimiterCost int `json:"limiter_cost" yaml:"limiter_cost"`
	// MinRetryWait 限流器未给出等待时间时的最小等待
	MinRetryWait time.Duration `json:"min_retry_wait" yaml:"min_retry_wait"`
}

// RateLimitedExecutor wraps the cooperative strategy with a per-provider
// gate and a global gate. A task holds its provider gate, then the global
// gate, for the whole call; both are released on every exit path and
// while waiting on the distributed limiter.
type RateLimitedExecutor struct {
	inner     *CooperativeStrategy
	providers map[string]*Gate
	global    *Gate
	limiter   ratelimit.Limiter
	cost      int
	minWait   time.Duration
	metrics   *metrics.Collector
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger
}

// RateLimitedOption configures RateLimitedExecutor.
type RateLimitedOption func(*RateLimitedExecutor)

// WithLimiter consults a distributed limiter after the gates are held.
// A denial releases the gates for the wait.
func WithLimiter(l ratelimit.Limiter) RateLimitedOption {
	return func(e *RateLimitedExecutor) { e.limiter = l }
}

// WithGateMetrics records gate waits and in-flight counts.
func WithGateMetrics(c *metrics.Collector) RateLimitedOption {
	return func(e *RateLimitedExecutor) { e.metrics = c }
}

// NewRateLimitedExecutor creates the executor.
func NewRateLimitedExecutor(cfg RateLimitConfig, logger *zap.Logger, opts ...RateLimitedOption) *RateLimitedExecutor {
	logger = nopIfNil(logger)

	limits := DefaultProviderLimits()
	for name, n := range cfg.ProviderLimits {
		limits[strings.ToLower(name)] = n
	}

	e := &RateLimitedExecutor{
		inner:     NewCooperativeStrategy(logger),
		providers: make(map[string]*Gate, len(limits)),
		cost:      cfg.LimiterCost,
		minWait:   cfg.MinRetryWait,
		sleep:     sleepCtx,
		logger:    logger.With(zap.String("strategy", NameRateLimited)),
	}
	sum := 0
	for name, n := range limits {
		e.providers[name] = NewGate(name, n)
		sum += e.providers[name].Stats().Limit
	}
	global := cfg.GlobalLimit
	if global <= 0 {
		global = sum
	}
	e.global = NewGate(globalGateName, global)
	if e.cost <= 0 {
		e.cost = 1
	}
	if e.minWait <= 0 {
		e.minWait = 50 * time.Millisecond
	}

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements Strategy.
func (e *RateLimitedExecutor) Name() string { return NameRateLimited }

// RunGroup implements Strategy. Each result's Provider is the bucket the
// task was admitted through. opts.Concurrency becomes a per-group gate
// taken after the provider gate, so a task queued on a saturated provider
// never holds a slot that another provider could use.
func (e *RateLimitedExecutor) RunGroup(ctx context.Context, tasks []Task, opts Options) ([]TaskResult, error) {
	bucketed := make([]Task, len(tasks))
	for i := range tasks {
		bucketed[i] = tasks[i]
		bucketed[i].Provider = e.bucket(InferProvider(&tasks[i]))
	}

	var group *Gate
	if n := effectiveConcurrency(opts, len(tasks)); n < len(tasks) {
		group = NewGate(groupGateName, n)
	}
	unbounded := opts
	unbounded.Concurrency = 0
	return e.inner.run(ctx, bucketed, unbounded, e.admit(group))
}

func (e *RateLimitedExecutor) bucket(provider string) string {
	if _, ok := e.providers[provider]; ok {
		return provider
	}
	return DefaultProvider
}

// admit runs one task under its provider gate, the group gate (when the
// group is bounded) and the global gate. A limiter denial releases every
// gate before sleeping.
func (e *RateLimitedExecutor) admit(group *Gate) execFunc {
	return func(ctx context.Context, t *Task) (map[string]any, error) {
		pg := e.providers[e.bucket(t.Provider)]
		for {
			release, err := e.hold(ctx, pg, group, e.global)
			if err != nil {
				return nil, err
			}
			wait, err := e.limiterWait(ctx, pg.Name())
			if err != nil {
				release()
				return nil, err
			}
			if wait == 0 {
				defer release()
				// 排队期间 fail_fast 可能已触发
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return runTaskBody(ctx, t)
			}

			release()
			e.logger.Debug("distributed limiter denied, waiting",
				zap.String("provider", pg.Name()),
				zap.Duration("retry_after", wait))
			if err := e.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}
}

// hold acquires gates in order and returns a func releasing them in
// reverse. nil gates are skipped.
func (e *RateLimitedExecutor) hold(ctx context.Context, gates ...*Gate) (func(), error) {
	releases := make([]func(), 0, len(gates))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, g := range gates {
		if g == nil {
			continue
		}
		r, err := e.acquire(ctx, g)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, r)
	}
	return releaseAll, nil
}

func (e *RateLimitedExecutor) acquire(ctx context.Context, g *Gate) (func(), error) {
	start := time.Now()
	if err := g.Acquire(ctx); err != nil {
		return nil, err
	}
	e.metrics.RecordGateAcquired(g.Name(), time.Since(start))
	return func() {
		g.Release()
		e.metrics.RecordGateReleased(g.Name())
	}, nil
}

// limiterWait asks the distributed limiter for one call. Zero means go.
func (e *RateLimitedExecutor) limiterWait(ctx context.Context, provider string) (time.Duration, error) {
	if e.limiter == nil {
		return 0, nil
	}
	res, err := e.limiter.TryAcquire(ctx, provider, e.cost)
	if err != nil {
		return 0, err
	}
	if res.Allowed {
		return 0, nil
	}
	if res.RetryAfter < e.minWait {
		return e.minWait, nil
	}
	return res.RetryAfter, nil
}

// RateLimitStats reports every gate.
type RateLimitStats struct {
	Providers map[string]GateStats `json:"providers"`
	Global    GateStats            `json:"global"`
}

// Stats snapshots all gates.
func (e *RateLimitedExecutor) Stats() RateLimitStats {
	s := RateLimitStats{Providers: make(map[string]GateStats, len(e.providers)), Global: e.global.Stats()}
	for name, g := range e.providers {
		s.Providers[name] = g.Stats()
	}
	return s
}

// Providers lists the configured provider buckets.
func (e *RateLimitedExecutor) Providers() []string {
	out := make([]string, 0, len(e.providers))
	for name := range e.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// InferProvider picks the provider for a task: explicit Provider, then
// Metadata["provider"], then a hint in Metadata["step_type"], then a hint
// in Metadata["handler"], then DefaultProvider.
func InferProvider(t *Task) string {
	if p := strings.TrimSpace(t.Provider); p != "" {
		return strings.ToLower(p)
	}
	if p := strings.TrimSpace(t.Metadata["provider"]); p != "" {
		return strings.ToLower(p)
	}
	if p := providerHint(t.Metadata["step_type"]); p != "" {
		return p
	}
	if p := providerHint(t.Metadata["handler"]); p != "" {
		return p
	}
	return DefaultProvider
}

func providerHint(s string) string {
	s = strings.ToLower(s)
	switch {
	case s == "":
		return ""
	case strings.Contains(s, "claude"), strings.Contains(s, "anthropic"):
		return "anthropic"
	case strings.Contains(s, "openai"), strings.Contains(s, "gpt"):
		return "openai"
	default:
		return ""
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
