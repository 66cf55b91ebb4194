// =============================================================================
// 📦 FlowRun 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("flowrun.yaml").
//	    WithEnvPrefix("FLOWRUN").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix 环境变量默认前缀
const DefaultEnvPrefix = "FLOWRUN"

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 FlowRun 引擎的完整配置结构
type Config struct {
	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Engine 执行引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Providers 各 provider 的并发上限
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`

	// RateLimit 分布式限流配置
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`

	// Redis 连接配置（rate_limit.backend=redis 时使用）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置（检查点、预算、SQL 限流共用）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Checkpoint 检查点配置
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`

	// Budget 滚动 token 预算配置
	Budget BudgetConfig `yaml:"budget" env:"BUDGET"`

	// Coordination 稳定性门控配置
	Coordination CoordinationConfig `yaml:"coordination" env:"COORDINATION"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// EngineConfig 执行引擎配置
type EngineConfig struct {
	// 强制使用的分组策略: pool, cooperative, process；为空时按工作流 settings.strategy
	Strategy string `yaml:"strategy" env:"STRATEGY"`
	// process 策略启动的 worker 可执行文件，为空时重新执行当前二进制
	WorkerCommand string `yaml:"worker_command" env:"WORKER_COMMAND"`
	// 重试退避
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	RetryJitter       bool          `yaml:"retry_jitter" env:"RETRY_JITTER"`
	// 熔断器，failure_threshold<=0 表示禁用
	CircuitFailureThreshold int           `yaml:"circuit_failure_threshold" env:"CIRCUIT_FAILURE_THRESHOLD"`
	CircuitRecoveryTimeout  time.Duration `yaml:"circuit_recovery_timeout" env:"CIRCUIT_RECOVERY_TIMEOUT"`
	CircuitHalfOpenProbes   int           `yaml:"circuit_half_open_probes" env:"CIRCUIT_HALF_OPEN_PROBES"`
	CircuitHalfOpenSuccess  int           `yaml:"circuit_half_open_success" env:"CIRCUIT_HALF_OPEN_SUCCESS"`
}

// ProvidersConfig provider 并发上限
type ProvidersConfig struct {
	Anthropic int `yaml:"anthropic" env:"ANTHROPIC"`
	OpenAI    int `yaml:"openai" env:"OPENAI"`
	Default   int `yaml:"default" env:"DEFAULT"`
	// Extra 其他 provider 的上限，仅能通过 YAML 设置
	Extra map[string]int `yaml:"extra" env:"-"`
	// GlobalLimit 合计上限，<=0 表示各 provider 上限之和
	GlobalLimit int `yaml:"global_limit" env:"GLOBAL_LIMIT"`
}

// Limits 返回 provider → 并发上限
func (p ProvidersConfig) Limits() map[string]int {
	limits := make(map[string]int, len(p.Extra)+3)
	for k, v := range p.Extra {
		limits[k] = v
	}
	limits["anthropic"] = p.Anthropic
	limits["openai"] = p.OpenAI
	limits["default"] = p.Default
	return limits
}

// RateLimitConfig 分布式限流配置
type RateLimitConfig struct {
	// 后端: none, memory, redis, sql
	Backend string `yaml:"backend" env:"BACKEND"`
	// 每个窗口允许的调用数
	Limit int `yaml:"limit" env:"LIMIT"`
	// 窗口长度
	Window time.Duration `yaml:"window" env:"WINDOW"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 后端故障时放行（true）或拒绝（false）
	FailOpen bool `yaml:"fail_open" env:"FAIL_OPEN"`
	// 后端故障后多久内不再访问后端
	FailureBackoff time.Duration `yaml:"failure_backoff" env:"FAILURE_BACKOFF"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否使用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名，sqlite 时为文件路径
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 启动时执行 AutoMigrate（不使用 flowrun migrate 时）
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// CheckpointConfig 检查点配置
type CheckpointConfig struct {
	// 后端: none, memory, database
	Backend string `yaml:"backend" env:"BACKEND"`
}

// BudgetConfig 预算配置
type BudgetConfig struct {
	// 是否启用滚动预算
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 每日 token 上限
	DailyLimit int `yaml:"daily_limit" env:"DAILY_LIMIT"`
	// 每小时 token 上限，0 表示不限制
	HourlyLimit int `yaml:"hourly_limit" env:"HOURLY_LIMIT"`
	// 告警阈值（0-1）
	AlertThreshold float64 `yaml:"alert_threshold" env:"ALERT_THRESHOLD"`
	// 用量是否写入数据库
	Persist bool `yaml:"persist" env:"PERSIST"`
	// tiktoken 编码，为空时使用字符启发式估算
	Encoding string `yaml:"encoding" env:"ENCODING"`
}

// CoordinationConfig 稳定性门控配置
type CoordinationConfig struct {
	// 对所有工作流强制启用
	ForceEnabled bool `yaml:"force_enabled" env:"FORCE_ENABLED"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// /metrics 监听地址，为空时不启动 HTTP 端点
	Addr string `yaml:"addr" env:"ADDR"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  DefaultEnvPrefix,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段，键为 PREFIX_SECTION_FIELD
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration 按 "30s" 形式解析
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

var (
	validStrategies   = map[string]bool{"": true, "pool": true, "cooperative": true, "process": true}
	validLimiters     = map[string]bool{"none": true, "memory": true, "redis": true, "sql": true}
	validCheckpoints  = map[string]bool{"none": true, "memory": true, "database": true}
	validDrivers      = map[string]bool{"postgres": true, "mysql": true, "sqlite": true}
	validLogFormats   = map[string]bool{"json": true, "console": true}
	validLogLevelsSet = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevelsSet[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level %q", c.Log.Level))
	}
	if !validLogFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format %q", c.Log.Format))
	}

	if !validStrategies[c.Engine.Strategy] {
		errs = append(errs, fmt.Sprintf("invalid engine strategy %q", c.Engine.Strategy))
	}
	if c.Engine.RetryMaxDelay < c.Engine.RetryInitialDelay {
		errs = append(errs, "retry_max_delay must not be below retry_initial_delay")
	}

	for name, limit := range c.Providers.Limits() {
		if limit <= 0 {
			errs = append(errs, fmt.Sprintf("provider %s limit must be positive", name))
		}
	}

	if !validLimiters[c.RateLimit.Backend] {
		errs = append(errs, fmt.Sprintf("invalid rate_limit backend %q", c.RateLimit.Backend))
	} else if c.RateLimit.Backend != "none" {
		if c.RateLimit.Limit <= 0 {
			errs = append(errs, "rate_limit.limit must be positive")
		}
		if c.RateLimit.Window <= 0 {
			errs = append(errs, "rate_limit.window must be positive")
		}
	}

	if !validCheckpoints[c.Checkpoint.Backend] {
		errs = append(errs, fmt.Sprintf("invalid checkpoint backend %q", c.Checkpoint.Backend))
	}
	if c.NeedsDatabase() && !validDrivers[c.Database.Driver] {
		errs = append(errs, fmt.Sprintf("invalid database driver %q", c.Database.Driver))
	}

	if c.Budget.Enabled && c.Budget.DailyLimit <= 0 {
		errs = append(errs, "budget.daily_limit must be positive")
	}
	if c.Budget.AlertThreshold < 0 || c.Budget.AlertThreshold > 1 {
		errs = append(errs, "budget.alert_threshold must be between 0 and 1")
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// NeedsDatabase 报告是否有组件需要数据库连接
func (c *Config) NeedsDatabase() bool {
	return c.Checkpoint.Backend == "database" ||
		c.RateLimit.Backend == "sql" ||
		(c.Budget.Enabled && c.Budget.Persist)
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
