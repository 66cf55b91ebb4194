// 配置加载器与校验测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Providers.Anthropic)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: console

engine:
  strategy: pool
  retry_max_delay: 10s
  circuit_failure_threshold: 0

providers:
  anthropic: 2
  extra:
    gemini: 4
  global_limit: 6

rate_limit:
  backend: redis
  limit: 100
  window: 30s
  fail_open: false

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

checkpoint:
  backend: database

budget:
  enabled: true
  daily_limit: 5000
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	assert.Equal(t, "pool", cfg.Engine.Strategy)
	assert.Equal(t, 10*time.Second, cfg.Engine.RetryMaxDelay)
	assert.Equal(t, time.Second, cfg.Engine.RetryInitialDelay, "unset keys keep defaults")
	assert.Zero(t, cfg.Engine.CircuitFailureThreshold)

	assert.Equal(t, 2, cfg.Providers.Anthropic)
	assert.Equal(t, 8, cfg.Providers.OpenAI)
	assert.Equal(t, 4, cfg.Providers.Limits()["gemini"])
	assert.Equal(t, 6, cfg.Providers.GlobalLimit)

	assert.Equal(t, "redis", cfg.RateLimit.Backend)
	assert.Equal(t, 100, cfg.RateLimit.Limit)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.False(t, cfg.RateLimit.FailOpen)

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, "database", cfg.Checkpoint.Backend)
	assert.True(t, cfg.Budget.Enabled)
	assert.Equal(t, 5000, cfg.Budget.DailyLimit)
	assert.True(t, cfg.NeedsDatabase())
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("FLOWRUN_LOG_LEVEL", "warn")
	t.Setenv("FLOWRUN_LOG_OUTPUT_PATHS", "stdout, /tmp/flowrun.log")
	t.Setenv("FLOWRUN_ENGINE_STRATEGY", "cooperative")
	t.Setenv("FLOWRUN_ENGINE_CIRCUIT_RECOVERY_TIMEOUT", "2m")
	t.Setenv("FLOWRUN_PROVIDERS_OPENAI", "3")
	t.Setenv("FLOWRUN_RATE_LIMIT_BACKEND", "memory")
	t.Setenv("FLOWRUN_RATE_LIMIT_FAIL_OPEN", "false")
	t.Setenv("FLOWRUN_BUDGET_ALERT_THRESHOLD", "0.5")
	t.Setenv("FLOWRUN_REDIS_ADDR", "env-redis:6379")
	t.Setenv("FLOWRUN_REDIS_TLS", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"stdout", "/tmp/flowrun.log"}, cfg.Log.OutputPaths)
	assert.Equal(t, "cooperative", cfg.Engine.Strategy)
	assert.Equal(t, 2*time.Minute, cfg.Engine.CircuitRecoveryTimeout)
	assert.Equal(t, 3, cfg.Providers.OpenAI)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.False(t, cfg.RateLimit.FailOpen)
	assert.InDelta(t, 0.5, cfg.Budget.AlertThreshold, 0.001)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.TLS)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
providers:
  anthropic: 2
  openai: 4
`)
	t.Setenv("FLOWRUN_PROVIDERS_ANTHROPIC", "7")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Providers.Anthropic)
	assert.Equal(t, 4, cfg.Providers.OpenAI)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_LOG_LEVEL", "error")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv("FLOWRUN_RATE_LIMIT_WINDOW", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FLOWRUN_RATE_LIMIT_WINDOW")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("FLOWRUN_LOG_LEVEL", "verbose")

	_, err := NewLoader().
		WithValidator(func(c *Config) error { return c.Validate() }).
		Load()
	assert.ErrorContains(t, err, `invalid log level "verbose"`)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/flowrun.yaml").
		Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
engine:
  strategy: [invalid
  this is not valid yaml
`)
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "unknown strategy",
			modify:  func(c *Config) { c.Engine.Strategy = "threads" },
			wantErr: `invalid engine strategy "threads"`,
		},
		{
			name: "retry delays inverted",
			modify: func(c *Config) {
				c.Engine.RetryInitialDelay = time.Minute
				c.Engine.RetryMaxDelay = time.Second
			},
			wantErr: "retry_max_delay",
		},
		{
			name:    "zero provider limit",
			modify:  func(c *Config) { c.Providers.Anthropic = 0 },
			wantErr: "provider anthropic limit must be positive",
		},
		{
			name:    "unknown limiter backend",
			modify:  func(c *Config) { c.RateLimit.Backend = "etcd" },
			wantErr: `invalid rate_limit backend "etcd"`,
		},
		{
			name: "limiter without window",
			modify: func(c *Config) {
				c.RateLimit.Backend = "memory"
				c.RateLimit.Window = 0
			},
			wantErr: "rate_limit.window must be positive",
		},
		{
			name: "database driver checked only when needed",
			modify: func(c *Config) {
				c.Database.Driver = "oracle"
			},
		},
		{
			name: "unknown database driver",
			modify: func(c *Config) {
				c.Checkpoint.Backend = "database"
				c.Database.Driver = "oracle"
			},
			wantErr: `invalid database driver "oracle"`,
		},
		{
			name: "budget without daily limit",
			modify: func(c *Config) {
				c.Budget.Enabled = true
				c.Budget.DailyLimit = 0
			},
			wantErr: "budget.daily_limit must be positive",
		},
		{
			name:    "sample rate out of range",
			modify:  func(c *Config) { c.Telemetry.SampleRate = 1.5 },
			wantErr: "telemetry.sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name   string
		config DatabaseConfig
		dsn    string
	}{
		{
			name: "postgres",
			config: DatabaseConfig{
				Driver: "postgres", Host: "localhost", Port: 5432,
				User: "user", Password: "pass", Name: "dbname", SSLMode: "disable",
			},
			dsn: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql",
			config: DatabaseConfig{
				Driver: "mysql", Host: "localhost", Port: 3306,
				User: "user", Password: "pass", Name: "dbname",
			},
			dsn: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{
			name:   "sqlite",
			config: DatabaseConfig{Driver: "sqlite", Name: "/path/to/flowrun.db"},
			dsn:    "/path/to/flowrun.db",
		},
		{
			name:   "unknown driver",
			config: DatabaseConfig{Driver: "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.dsn, tt.config.DSN())
		})
	}
}

// --- MustLoad 测试 ---

func TestMustLoad(t *testing.T) {
	good := writeConfig(t, "log:\n  level: debug\n")
	assert.NotPanics(t, func() {
		assert.Equal(t, "debug", MustLoad(good).Log.Level)
	})

	bad := writeConfig(t, "log: [yaml")
	assert.Panics(t, func() { MustLoad(bad) })
}

func TestLoadFromEnv_Function(t *testing.T) {
	t.Setenv("FLOWRUN_METRICS_ADDR", ":9464")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
}
