package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/budget"
	"github.com/BaSui01/flowrun/checkpoint"
	"github.com/BaSui01/flowrun/config"
	"github.com/BaSui01/flowrun/coordination"
	"github.com/BaSui01/flowrun/internal/database"
	"github.com/BaSui01/flowrun/internal/metrics"
	"github.com/BaSui01/flowrun/internal/server"
	"github.com/BaSui01/flowrun/internal/tlsutil"
	"github.com/BaSui01/flowrun/ratelimit"
	"github.com/BaSui01/flowrun/workflow"
	"github.com/BaSui01/flowrun/workflow/parallel"
)

// =============================================================================
// 🧩 引擎装配
// =============================================================================

// txRetries 数据库锁冲突时事务的重试次数
const txRetries = 3

// engine 一次命令运行所需的全部组件
type engine struct {
	cfg      *config.Config
	registry *workflow.Registry
	executor *workflow.Executor
	metrics  *metrics.Collector
	ledger   *budget.Ledger
	pool     *database.PoolManager
	logger   *zap.Logger

	closers []func(context.Context) error
}

// buildEngine 按配置装配执行器：限流后端、检查点、预算与熔断/重试参数
func buildEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (eng *engine, err error) {
	eng = &engine{
		cfg:      cfg,
		registry: workflow.NewRegistry(),
		logger:   logger,
	}
	defer func() {
		if err != nil {
			_ = eng.Close(context.Background())
		}
	}()

	if cfg.Metrics.Enabled {
		eng.metrics = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	if cfg.NeedsDatabase() {
		eng.pool, err = database.Open(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		eng.closers = append(eng.closers, func(context.Context) error { return eng.pool.Close() })
	}

	opts := []workflow.ExecutorOption{
		workflow.WithLogger(logger),
		workflow.WithMetrics(eng.metrics),
		workflow.WithCoordinatorFactory(func() coordination.Coordinator {
			return coordination.NewIntentLedger(logger)
		}),
		workflow.WithEstimator(budget.NewEstimator(cfg.Budget.Encoding, logger)),
		workflow.WithRetryPolicy(workflow.RetryPolicy{
			InitialDelay: cfg.Engine.RetryInitialDelay,
			MaxDelay:     cfg.Engine.RetryMaxDelay,
			Multiplier:   2.0,
			Jitter:       cfg.Engine.RetryJitter,
		}),
		workflow.WithCircuitBreaker(workflow.CircuitBreakerConfig{
			FailureThreshold:           cfg.Engine.CircuitFailureThreshold,
			RecoveryTimeout:            cfg.Engine.CircuitRecoveryTimeout,
			HalfOpenMaxProbes:          cfg.Engine.CircuitHalfOpenProbes,
			SuccessThresholdInHalfOpen: cfg.Engine.CircuitHalfOpenSuccess,
		}),
		workflow.WithErrorCallback(func(stepID, workflowID string, stepErr error) {
			logger.Error("step exhausted retries",
				zap.String("step_id", stepID),
				zap.String("workflow_id", workflowID),
				zap.Error(stepErr))
		}),
	}

	rl, err := eng.rateLimitedExecutor(ctx)
	if err != nil {
		return nil, err
	}
	opts = append(opts, workflow.WithRateLimitedExecutor(rl))

	cp, err := eng.checkpointer(ctx)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		opts = append(opts, workflow.WithCheckpointer(cp))
	}

	if cfg.Budget.Enabled {
		if eng.ledger, err = eng.budgetLedger(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, workflow.WithBudget(eng.ledger))
	}

	if cfg.Engine.WorkerCommand != "" {
		factory, err := workerCommandFactory(cfg.Engine.WorkerCommand)
		if err != nil {
			return nil, err
		}
		opts = append(opts, workflow.WithProcessCommand(factory))
	}

	eng.executor = workflow.NewExecutor(eng.registry, opts...)
	return eng, nil
}

// Close 逆序释放资源
func (e *engine) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}
	e.closers = nil
	return errors.Join(errs...)
}

// prepare 把配置中的强制项写入工作流设置
func (e *engine) prepare(def *workflow.Definition) {
	if e.cfg.Engine.Strategy != "" {
		def.Settings.Strategy = e.cfg.Engine.Strategy
	}
	if e.cfg.Coordination.ForceEnabled {
		def.Settings.CoordinationEnabled = true
	}
}

// =============================================================================
// 🚦 限流
// =============================================================================

func (e *engine) rateLimitedExecutor(ctx context.Context) (*parallel.RateLimitedExecutor, error) {
	rlOpts := []parallel.RateLimitedOption{parallel.WithGateMetrics(e.metrics)}

	backend, err := e.limiterBackend(ctx)
	if err != nil {
		return nil, err
	}
	if backend != nil {
		guarded := ratelimit.NewGuarded(backend, e.cfg.RateLimit.Backend,
			ratelimit.WithFailOpen(e.cfg.RateLimit.FailOpen),
			ratelimit.WithFailureBackoff(e.cfg.RateLimit.FailureBackoff),
			ratelimit.WithMetrics(e.metrics),
			ratelimit.WithLogger(e.logger),
		)
		rlOpts = append(rlOpts, parallel.WithLimiter(guarded))
	}

	return parallel.NewRateLimitedExecutor(parallel.RateLimitConfig{
		ProviderLimits: e.cfg.Providers.Limits(),
		GlobalLimit:    e.cfg.Providers.GlobalLimit,
	}, e.logger, rlOpts...), nil
}

func (e *engine) limiterBackend(ctx context.Context) (ratelimit.Limiter, error) {
	rc := e.cfg.RateLimit
	lc := ratelimit.Config{Limit: rc.Limit, Window: rc.Window, KeyPrefix: rc.KeyPrefix}

	switch rc.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return ratelimit.NewMemoryLimiter(lc, e.logger), nil
	case "redis":
		opts := &redis.Options{
			Addr:         e.cfg.Redis.Addr,
			Password:     e.cfg.Redis.Password,
			DB:           e.cfg.Redis.DB,
			PoolSize:     e.cfg.Redis.PoolSize,
			MinIdleConns: e.cfg.Redis.MinIdleConns,
		}
		if e.cfg.Redis.TLS {
			opts.TLSConfig = tlsutil.ClientConfig(e.cfg.Redis.Addr)
		}
		rdb := redis.NewClient(opts)
		e.closers = append(e.closers, func(context.Context) error { return rdb.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// Guarded 按 fail_open 处理后续故障
			e.logger.Warn("redis not reachable", zap.String("addr", e.cfg.Redis.Addr), zap.Error(err))
		}
		return ratelimit.NewRedisLimiter(rdb, lc, e.logger), nil
	case "sql":
		l := ratelimit.NewSQLLimiter(e.pool.DB(), lc, e.logger,
			ratelimit.WithTransactor(e.pool.TxRunner(txRetries)))
		if e.cfg.Database.AutoMigrate {
			if err := l.AutoMigrate(ctx); err != nil {
				return nil, err
			}
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported rate_limit backend %q", rc.Backend)
	}
}

// =============================================================================
// 💾 检查点与预算
// =============================================================================

func (e *engine) checkpointer(ctx context.Context) (workflow.Checkpointer, error) {
	switch e.cfg.Checkpoint.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return checkpoint.NewMemoryStore(e.logger), nil
	case "database":
		store := checkpoint.NewGormStore(e.pool.DB(), e.logger,
			checkpoint.WithTransactor(e.pool.TxRunner(txRetries)))
		if e.cfg.Database.AutoMigrate {
			if err := store.AutoMigrate(ctx); err != nil {
				return nil, err
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend %q", e.cfg.Checkpoint.Backend)
	}
}

func (e *engine) budgetLedger(ctx context.Context) (*budget.Ledger, error) {
	bc := e.cfg.Budget
	ledgerOpts := []budget.LedgerOption{
		budget.WithAlertHandler(func(a budget.Alert) {
			e.logger.Warn("token budget alert",
				zap.String("type", string(a.Type)),
				zap.String("message", a.Message),
				zap.Float64("current", a.Current),
				zap.Float64("threshold", a.Threshold))
		}),
	}
	if bc.Persist {
		store := budget.NewGormUsageStore(e.pool.DB())
		if e.cfg.Database.AutoMigrate {
			if err := store.AutoMigrate(ctx); err != nil {
				return nil, err
			}
		}
		ledgerOpts = append(ledgerOpts, budget.WithUsageStore(store))
	}

	ledger := budget.NewLedger(budget.LedgerConfig{
		DailyLimit:     bc.DailyLimit,
		HourlyLimit:    bc.HourlyLimit,
		AlertThreshold: bc.AlertThreshold,
	}, e.logger, ledgerOpts...)
	if err := ledger.Restore(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// =============================================================================
// ⚙️ worker 命令与指标端点
// =============================================================================

// workerCommandFactory 把 engine.worker_command 拆成 argv
func workerCommandFactory(command string) (parallel.CommandFactory, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse worker_command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("worker_command is empty")
	}
	return func(ctx context.Context) (*exec.Cmd, error) {
		return exec.CommandContext(ctx, argv[0], argv[1:]...), nil
	}, nil
}

// serveOps 启动 /metrics 与 /healthz，返回关闭函数
func (e *engine) serveOps(addr string) (func(context.Context) error, error) {
	var health server.HealthFunc
	if e.pool != nil {
		health = e.pool.Ping
	}
	cfg := server.DefaultConfig()
	cfg.Addr = addr
	m := server.NewManager(server.NewOpsHandler(health), cfg, e.logger)
	if err := m.Start(); err != nil {
		return nil, err
	}
	return m.Shutdown, nil
}
