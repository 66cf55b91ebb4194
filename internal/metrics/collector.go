// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有 Record 方法对 nil 接收者安全，
// 未配置指标时引擎可直接传 nil。
type Collector struct {
	// 工作流指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// 步骤指标
	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	tokensUsed    *prometheus.CounterVec
	circuitStates *prometheus.GaugeVec

	// 并行组指标
	groupsTotal  *prometheus.CounterVec
	groupSize    *prometheus.HistogramVec
	gateInFlight *prometheus.GaugeVec
	gateWaits    *prometheus.HistogramVec

	// 限流指标
	limiterDecisions *prometheus.CounterVec
	limiterErrors    *prometheus.CounterVec

	// 预算指标
	budgetRejections *prometheus.CounterVec

	// 协调指标
	coordinationPasses *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 工作流指标
	c.runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of workflow runs by final status",
		},
		[]string{"workflow", "status"},
	)

	c.runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		},
		[]string{"workflow"},
	)

	// 步骤指标
	c.stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Total number of step executions by final status",
		},
		[]string{"step_type", "status"},
	)

	c.stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step duration in seconds, retries included",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"step_type"},
	)

	c.stepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retry attempts",
		},
		[]string{"step_type"},
	)

	c.tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens reported by steps",
		},
		[]string{"workflow"},
	)

	c.circuitStates = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per step type (0 closed, 1 open, 2 half-open)",
		},
		[]string{"step_type"},
	)

	// 并行组指标
	c.groupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parallel_groups_total",
			Help:      "Total number of parallel groups executed",
		},
		[]string{"strategy"},
	)

	c.groupSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "parallel_group_size",
			Help:      "Number of tasks per parallel group",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		},
		[]string{"strategy"},
	)

	c.gateInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_in_flight",
			Help:      "Tasks currently holding an admission gate",
		},
		[]string{"gate"},
	)

	c.gateWaits = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_wait_seconds",
			Help:      "Time spent waiting for an admission gate",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"gate"},
	)

	// 限流指标
	c.limiterDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Distributed rate limiter decisions",
		},
		[]string{"backend", "decision"},
	)

	c.limiterErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_backend_errors_total",
			Help:      "Distributed rate limiter backend errors",
		},
		[]string{"backend"},
	)

	// 预算指标
	c.budgetRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_rejections_total",
			Help:      "Steps refused by the token budget check",
		},
		[]string{"scope"}, // scope: run, daily
	)

	c.coordinationPasses = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "coordination_passes",
			Help:      "Resolution passes used by the stability gate",
			Buckets:   prometheus.LinearBuckets(0, 1, 8),
		},
		[]string{"converged"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🔁 工作流与步骤指标记录
// =============================================================================

// RecordRun 记录一次工作流运行
func (c *Collector) RecordRun(workflow, status string, duration time.Duration, tokens int) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(workflow, status).Inc()
	c.runDuration.WithLabelValues(workflow).Observe(duration.Seconds())
	if tokens > 0 {
		c.tokensUsed.WithLabelValues(workflow).Add(float64(tokens))
	}
}

// RecordStep 记录步骤终态
func (c *Collector) RecordStep(stepType, status string, duration time.Duration, retries int) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(stepType, status).Inc()
	c.stepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
	if retries > 0 {
		c.stepRetries.WithLabelValues(stepType).Add(float64(retries))
	}
}

// RecordCircuitState 记录熔断器状态
func (c *Collector) RecordCircuitState(stepType string, state int) {
	if c == nil {
		return
	}
	c.circuitStates.WithLabelValues(stepType).Set(float64(state))
}

// =============================================================================
// ⚡ 并行与限流指标记录
// =============================================================================

// RecordGroup 记录一个并行组
func (c *Collector) RecordGroup(strategy string, size int) {
	if c == nil {
		return
	}
	c.groupsTotal.WithLabelValues(strategy).Inc()
	c.groupSize.WithLabelValues(strategy).Observe(float64(size))
}

// RecordGateAcquired 记录获得准入门的等待时间
func (c *Collector) RecordGateAcquired(gate string, wait time.Duration) {
	if c == nil {
		return
	}
	c.gateInFlight.WithLabelValues(gate).Inc()
	c.gateWaits.WithLabelValues(gate).Observe(wait.Seconds())
}

// RecordGateReleased 记录释放准入门
func (c *Collector) RecordGateReleased(gate string) {
	if c == nil {
		return
	}
	c.gateInFlight.WithLabelValues(gate).Dec()
}

// RecordLimiterDecision 记录限流决策
func (c *Collector) RecordLimiterDecision(backend string, allowed bool) {
	if c == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	c.limiterDecisions.WithLabelValues(backend, decision).Inc()
}

// RecordLimiterError 记录限流后端错误
func (c *Collector) RecordLimiterError(backend string) {
	if c == nil {
		return
	}
	c.limiterErrors.WithLabelValues(backend).Inc()
}

// =============================================================================
// 💰 预算与协调指标记录
// =============================================================================

// RecordBudgetRejection 记录预算拒绝
func (c *Collector) RecordBudgetRejection(scope string) {
	if c == nil {
		return
	}
	c.budgetRejections.WithLabelValues(scope).Inc()
}

// RecordCoordination 记录稳定性门的轮数
func (c *Collector) RecordCoordination(converged bool, passes int) {
	if c == nil {
		return
	}
	label := "false"
	if converged {
		label = "true"
	}
	c.coordinationPasses.WithLabelValues(label).Observe(float64(passes))
}
