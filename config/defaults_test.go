package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, EngineConfig{}, cfg.Engine)
	assert.NotEqual(t, ProvidersConfig{}, cfg.Providers)
	assert.NotEqual(t, RateLimitConfig{}, cfg.RateLimit)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, CheckpointConfig{}, cfg.Checkpoint)
	assert.NotEqual(t, BudgetConfig{}, cfg.Budget)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, MetricsConfig{}, cfg.Metrics)
	assert.False(t, cfg.Coordination.ForceEnabled)
}

func TestDefaultConfig_NeedsNoExternalServices(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.NeedsDatabase())
	assert.Equal(t, "none", cfg.RateLimit.Backend)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.False(t, cfg.Telemetry.Enabled)
}

// --- Individual Default*Config functions ---

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()
	assert.Empty(t, cfg.Strategy)
	assert.Empty(t, cfg.WorkerCommand)
	assert.Equal(t, time.Second, cfg.RetryInitialDelay)
	assert.Equal(t, 30*time.Second, cfg.RetryMaxDelay)
	assert.False(t, cfg.RetryJitter)
	assert.Equal(t, 5, cfg.CircuitFailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitRecoveryTimeout)
}

func TestDefaultProvidersConfig(t *testing.T) {
	cfg := DefaultProvidersConfig()
	assert.Equal(t, map[string]int{"anthropic": 5, "openai": 8, "default": 10}, cfg.Limits())
	assert.Zero(t, cfg.GlobalLimit)
}

func TestProvidersConfig_LimitsIncludeExtra(t *testing.T) {
	cfg := DefaultProvidersConfig()
	cfg.Extra = map[string]int{"gemini": 3, "openai": 99}

	limits := cfg.Limits()
	assert.Equal(t, 3, limits["gemini"])
	assert.Equal(t, 8, limits["openai"], "named fields win over extra")
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	assert.Equal(t, "none", cfg.Backend)
	assert.Equal(t, 60, cfg.Limit)
	assert.Equal(t, time.Minute, cfg.Window)
	assert.Equal(t, "flowrun:ratelimit:", cfg.KeyPrefix)
	assert.True(t, cfg.FailOpen)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2, cfg.MinIdleConns)
	assert.False(t, cfg.TLS)
}

func TestDefaultDatabaseConfig(t *testing.T) {
	cfg := DefaultDatabaseConfig()
	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, "flowrun.db", cfg.Name)
	assert.Equal(t, "flowrun", cfg.User)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
	assert.True(t, cfg.AutoMigrate)
}

func TestDefaultBudgetConfig(t *testing.T) {
	cfg := DefaultBudgetConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 1000000, cfg.DailyLimit)
	assert.Zero(t, cfg.HourlyLimit)
	assert.InDelta(t, 0.8, cfg.AlertThreshold, 0.001)
	assert.Equal(t, "cl100k_base", cfg.Encoding)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stderr"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "flowrun", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
}

func TestDefaultMetricsConfig(t *testing.T) {
	cfg := DefaultMetricsConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "flowrun", cfg.Namespace)
	assert.Empty(t, cfg.Addr)
}
