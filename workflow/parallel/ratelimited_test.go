package parallel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowrun/ratelimit"
)

// inFlightProbe tracks concurrent calls per provider.
type inFlightProbe struct {
	mu      sync.Mutex
	current map[string]int
	peak    map[string]int
}

func newProbe() *inFlightProbe {
	return &inFlightProbe{current: map[string]int{}, peak: map[string]int{}}
}

func (p *inFlightProbe) task(id, provider string, hold time.Duration) Task {
	return Task{ID: id, Provider: provider, Run: func(ctx context.Context) (map[string]any, error) {
		p.mu.Lock()
		p.current[provider]++
		if p.current[provider] > p.peak[provider] {
			p.peak[provider] = p.current[provider]
		}
		p.mu.Unlock()

		time.Sleep(hold)

		p.mu.Lock()
		p.current[provider]--
		p.mu.Unlock()
		return nil, nil
	}}
}

func TestRateLimited_ProviderCeilings(t *testing.T) {
	e := NewRateLimitedExecutor(RateLimitConfig{
		ProviderLimits: map[string]int{"alpha": 1, "beta": 2},
	}, nil)
	probe := newProbe()

	tasks := []Task{
		probe.task("a1", "alpha", 20*time.Millisecond),
		probe.task("a2", "alpha", 20*time.Millisecond),
		probe.task("a3", "alpha", 20*time.Millisecond),
		probe.task("b1", "beta", 20*time.Millisecond),
		probe.task("b2", "beta", 20*time.Millisecond),
	}
	results, err := e.RunGroup(context.Background(), tasks, Options{})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, TaskSuccess, r.Status, r.ID)
	}

	assert.Equal(t, 1, probe.peak["alpha"])
	assert.LessOrEqual(t, probe.peak["beta"], 2)

	stats := e.Stats()
	assert.Equal(t, 1, stats.Providers["alpha"].Peak)
	assert.Equal(t, int64(3), stats.Providers["alpha"].Acquired)
	assert.Equal(t, 0, stats.Providers["alpha"].InFlight)
	assert.Equal(t, 0, stats.Global.InFlight)
}

func TestRateLimited_GlobalCeiling(t *testing.T) {
	e := NewRateLimitedExecutor(RateLimitConfig{
		ProviderLimits: map[string]int{"anthropic": 5, "openai": 5},
		GlobalLimit:    2,
	}, nil)
	probe := newProbe()

	var tasks []Task
	for i := 0; i < 6; i++ {
		provider := "anthropic"
		if i%2 == 1 {
			provider = "openai"
		}
		tasks = append(tasks, probe.task(fmt.Sprintf("t%d", i), provider, 10*time.Millisecond))
	}
	_, err := e.RunGroup(context.Background(), tasks, Options{})
	require.NoError(t, err)
	assert.LessOrEqual(t, e.Stats().Global.Peak, 2)
}

func TestRateLimited_SaturatedProviderDoesNotStarveOthers(t *testing.T) {
	e := NewRateLimitedExecutor(RateLimitConfig{
		ProviderLimits: map[string]int{"alpha": 1, "beta": 2},
	}, nil)

	start := time.Now()
	var betaStarted time.Duration
	hold := func(id, provider string) Task {
		return Task{ID: id, Provider: provider, Run: func(ctx context.Context) (map[string]any, error) {
			time.Sleep(100 * time.Millisecond)
			return nil, nil
		}}
	}
	tasks := []Task{
		hold("a1", "alpha"),
		hold("a2", "alpha"),
		hold("a3", "alpha"),
		{ID: "b1", Provider: "beta", Run: func(ctx context.Context) (map[string]any, error) {
			betaStarted = time.Since(start)
			return nil, nil
		}},
	}

	results, err := e.RunGroup(context.Background(), tasks, Options{Concurrency: 2})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, TaskSuccess, r.Status, r.ID)
	}
	assert.Less(t, betaStarted, 80*time.Millisecond, "beta waited behind alpha's gate")
	assert.Equal(t, 1, e.Stats().Providers["alpha"].Peak)
}

func TestRateLimited_ConcurrencyOptionCapsGroup(t *testing.T) {
	e := NewRateLimitedExecutor(RateLimitConfig{
		ProviderLimits: map[string]int{"alpha": 4, "beta": 4},
	}, nil)

	var current, peak atomic.Int32
	var tasks []Task
	for i := 0; i < 8; i++ {
		provider := "alpha"
		if i%2 == 1 {
			provider = "beta"
		}
		tasks = append(tasks, Task{ID: fmt.Sprintf("t%d", i), Provider: provider, Run: func(ctx context.Context) (map[string]any, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil, nil
		}})
	}

	_, err := e.RunGroup(context.Background(), tasks, Options{Concurrency: 2})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, e.Stats().Global.InFlight)
}

func TestRateLimited_UnknownProviderUsesDefaultBucket(t *testing.T) {
	e := NewRateLimitedExecutor(RateLimitConfig{}, nil)
	results, err := e.RunGroup(context.Background(), []Task{
		okTask("x"),
		{ID: "y", Provider: "mistral", Run: func(ctx context.Context) (map[string]any, error) { return nil, nil }},
		{ID: "z", Metadata: map[string]string{"step_type": "claude_code"}, Run: func(ctx context.Context) (map[string]any, error) { return nil, nil }},
	}, Options{})
	require.NoError(t, err)

	m := byID(results)
	assert.Equal(t, DefaultProvider, m["x"].Provider)
	assert.Equal(t, DefaultProvider, m["y"].Provider)
	assert.Equal(t, "anthropic", m["z"].Provider)
	assert.Equal(t, int64(2), e.Stats().Providers[DefaultProvider].Acquired)
}

func TestRateLimited_DefaultLimits(t *testing.T) {
	e := NewRateLimitedExecutor(RateLimitConfig{}, nil)
	stats := e.Stats()
	assert.Equal(t, 5, stats.Providers["anthropic"].Limit)
	assert.Equal(t, 8, stats.Providers["openai"].Limit)
	assert.Equal(t, 10, stats.Providers[DefaultProvider].Limit)
	assert.Equal(t, 23, stats.Global.Limit)
	assert.Equal(t, []string{"anthropic", DefaultProvider, "openai"}, e.Providers())
}

func TestRateLimited_ReleasesOnFailureAndCancel(t *testing.T) {
	e := NewRateLimitedExecutor(RateLimitConfig{ProviderLimits: map[string]int{"p": 1}}, nil)

	tasks := []Task{
		{ID: "boom", Provider: "p", Run: func(ctx context.Context) (map[string]any, error) { panic("boom") }},
		{ID: "wait", Provider: "p", Run: func(ctx context.Context) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		failTask("f"),
	}
	_, err := e.RunGroup(context.Background(), tasks, Options{FailFast: true})
	require.NoError(t, err)

	stats := e.Stats()
	assert.Equal(t, 0, stats.Providers["p"].InFlight)
	assert.Equal(t, 1, stats.Providers["p"].Available)
	assert.Equal(t, 0, stats.Global.InFlight)
}

type denyingLimiter struct {
	denials atomic.Int32
	calls   atomic.Int32
}

func (d *denyingLimiter) TryAcquire(ctx context.Context, key string, cost int) (ratelimit.Result, error) {
	d.calls.Add(1)
	if d.denials.Add(-1) >= 0 {
		return ratelimit.Result{Allowed: false, RetryAfter: time.Second}, nil
	}
	return ratelimit.Result{Allowed: true}, nil
}

func TestRateLimited_WaitsForDistributedLimiter(t *testing.T) {
	lim := &denyingLimiter{}
	lim.denials.Store(2)
	e := NewRateLimitedExecutor(RateLimitConfig{}, nil, WithLimiter(lim))

	var slept []time.Duration
	var mu sync.Mutex
	e.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return nil
	}

	results, err := e.RunGroup(context.Background(), []Task{okTask("a")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, TaskSuccess, results[0].Status)
	assert.Equal(t, int32(3), lim.calls.Load())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, slept)
}

func TestRateLimited_LimiterWaitHonoursContext(t *testing.T) {
	lim := &denyingLimiter{}
	lim.denials.Store(1000)
	e := NewRateLimitedExecutor(RateLimitConfig{MinRetryWait: time.Millisecond}, nil, WithLimiter(lim))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	e.sleep = sleepCtx

	results, err := e.RunGroup(ctx, []Task{okTask("a")}, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, TaskSuccess, results[0].Status)
	assert.Equal(t, 0, e.Stats().Global.InFlight)
}

// providerDenier denies one provider forever, as a fail-closed limiter
// with a dead backend would.
type providerDenier struct{ denied string }

func (d providerDenier) TryAcquire(ctx context.Context, key string, cost int) (ratelimit.Result, error) {
	if key == d.denied {
		return ratelimit.Result{Allowed: false}, nil
	}
	return ratelimit.Result{Allowed: true}, nil
}

func TestRateLimited_LimiterDenialReleasesGates(t *testing.T) {
	e := NewRateLimitedExecutor(RateLimitConfig{
		ProviderLimits: map[string]int{"alpha": 1, "beta": 1},
		GlobalLimit:    1,
		MinRetryWait:   5 * time.Millisecond,
	}, nil, WithLimiter(providerDenier{denied: "alpha"}))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	var betaDone time.Duration
	results, err := e.RunGroup(ctx, []Task{
		{ID: "a", Provider: "alpha", Run: func(ctx context.Context) (map[string]any, error) { return nil, nil }},
		{ID: "b", Provider: "beta", Run: func(ctx context.Context) (map[string]any, error) {
			betaDone = time.Since(start)
			return nil, nil
		}},
	}, Options{})
	require.NoError(t, err)

	m := byID(results)
	assert.Equal(t, TaskSuccess, m["b"].Status)
	assert.NotEqual(t, TaskSuccess, m["a"].Status)
	assert.Less(t, betaDone, 200*time.Millisecond, "denied task kept the global gate while waiting")
	stats := e.Stats()
	assert.Equal(t, 0, stats.Global.InFlight)
	assert.Equal(t, 0, stats.Providers["alpha"].InFlight)
}

func TestInferProvider(t *testing.T) {
	tests := []struct {
		name string
		task Task
		want string
	}{
		{"explicit", Task{Provider: "OpenAI"}, "openai"},
		{"metadata provider", Task{Metadata: map[string]string{"provider": "anthropic", "step_type": "openai"}}, "anthropic"},
		{"claude type", Task{Metadata: map[string]string{"step_type": "claude_code"}}, "anthropic"},
		{"gpt type", Task{Metadata: map[string]string{"step_type": "gpt4_summary"}}, "openai"},
		{"handler identity", Task{Metadata: map[string]string{"step_type": "shell", "handler": "*handlers.AnthropicHandler"}}, "anthropic"},
		{"nothing", Task{Metadata: map[string]string{"step_type": "shell"}}, DefaultProvider},
		{"nil metadata", Task{}, DefaultProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferProvider(&tt.task))
		})
	}
}

// Feature: rate-limited execution, in-flight calls per provider never
// exceed that provider's gate.
func TestProperty_GateCeilingHolds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25

	properties := gopter.NewProperties(parameters)

	properties.Property("peak in-flight per provider <= limit", prop.ForAll(
		func(limit, tasks int) bool {
			e := NewRateLimitedExecutor(RateLimitConfig{ProviderLimits: map[string]int{"p": limit}}, nil)
			probe := newProbe()

			group := make([]Task, tasks)
			for i := range group {
				group[i] = probe.task(fmt.Sprintf("t%d", i), "p", time.Millisecond)
			}
			if _, err := e.RunGroup(context.Background(), group, Options{}); err != nil {
				return false
			}
			return probe.peak["p"] <= limit && e.Stats().Providers["p"].Peak <= limit
		},
		gen.IntRange(1, 4),
		gen.IntRange(1, 16),
	))

	properties.TestingRun(t)
}

func TestGate_AcquireRespectsContext(t *testing.T) {
	g := NewGate("g", 1)
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Acquire(ctx), context.DeadlineExceeded)

	g.Release()
	st := g.Stats()
	assert.Equal(t, 0, st.InFlight)
	assert.Equal(t, 1, st.Peak)
	assert.Equal(t, 0, st.Waiting)
	assert.Equal(t, int64(1), st.Acquired)
}
