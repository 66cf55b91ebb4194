// =============================================================================
// 📦 FlowRun 默认配置
// =============================================================================
// 所有配置项的默认值，不依赖外部服务即可运行
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log:          DefaultLogConfig(),
		Engine:       DefaultEngineConfig(),
		Providers:    DefaultProvidersConfig(),
		RateLimit:    DefaultRateLimitConfig(),
		Redis:        DefaultRedisConfig(),
		Database:     DefaultDatabaseConfig(),
		Checkpoint:   DefaultCheckpointConfig(),
		Budget:       DefaultBudgetConfig(),
		Coordination: CoordinationConfig{},
		Telemetry:    DefaultTelemetryConfig(),
		Metrics:      DefaultMetricsConfig(),
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultEngineConfig 重试 min(2^n, 30) 秒，连续 5 次失败熔断
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RetryInitialDelay:       time.Second,
		RetryMaxDelay:           30 * time.Second,
		CircuitFailureThreshold: 5,
		CircuitRecoveryTimeout:  30 * time.Second,
		CircuitHalfOpenProbes:   3,
		CircuitHalfOpenSuccess:  2,
	}
}

// DefaultProvidersConfig 返回默认 provider 并发上限
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		Anthropic: 5,
		OpenAI:    8,
		Default:   10,
	}
}

// DefaultRateLimitConfig 默认不启用分布式限流
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Backend:        "none",
		Limit:          60,
		Window:         time.Minute,
		KeyPrefix:      "flowrun:ratelimit:",
		FailOpen:       true,
		FailureBackoff: 5 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 默认使用本地 sqlite 文件
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "flowrun",
		Password:        "",
		Name:            "flowrun.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

// DefaultCheckpointConfig 默认检查点保存在内存中
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{Backend: "memory"}
}

// DefaultBudgetConfig 返回默认预算配置
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		Enabled:        false,
		DailyLimit:     1000000,
		AlertThreshold: 0.8,
		Encoding:       "cl100k_base",
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "flowrun",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "flowrun",
	}
}
