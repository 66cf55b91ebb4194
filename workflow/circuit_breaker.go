package workflow

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/types"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，允许请求通过
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，同类型步骤直接失败
	CircuitOpen
	// CircuitHalfOpen 半开状态，允许有限探测
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	// FailureThreshold 连续失败次数阈值，<=0 表示禁用熔断
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout 熔断后等待恢复的时间
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// HalfOpenMaxProbes 半开状态允许的探测次数
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// SuccessThresholdInHalfOpen 半开状态下连续成功多少次后恢复
	SuccessThresholdInHalfOpen int `json:"success_threshold_in_half_open" yaml:"success_threshold_in_half_open"`
}

// DefaultCircuitBreakerConfig 默认熔断器配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:           5,
		RecoveryTimeout:            30 * time.Second,
		HalfOpenMaxProbes:          3,
		SuccessThresholdInHalfOpen: 2,
	}
}

// CircuitStateChangeFunc is called after a breaker changed state, outside
// the breaker lock.
type CircuitStateChangeFunc func(key string, from, to CircuitState)

// CircuitBreaker guards one step type.
type CircuitBreaker struct {
	key             string
	config          CircuitBreakerConfig
	state           CircuitState
	failures        int       // 连续失败次数
	successes       int       // 半开状态下连续成功次数
	lastFailureTime time.Time // 最后一次失败时间
	probeCount      int       // 半开状态下已探测次数
	onChange        CircuitStateChangeFunc
	now             func() time.Time
	logger          *zap.Logger
	mu              sync.Mutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(key string, config CircuitBreakerConfig, onChange CircuitStateChangeFunc, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		key:      key,
		config:   config,
		state:    CircuitClosed,
		onChange: onChange,
		now:      time.Now,
		logger:   logger.With(zap.String("breaker", key)),
	}
}

// Allow 检查是否允许执行；拒绝时返回 ErrCircuitOpen
func (cb *CircuitBreaker) Allow() error {
	if cb.config.FailureThreshold <= 0 {
		return nil
	}

	cb.mu.Lock()
	var changed func()
	defer func() {
		cb.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		elapsed := cb.now().Sub(cb.lastFailureTime)
		if elapsed >= cb.config.RecoveryTimeout {
			changed = cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probeCount = 1
			cb.successes = 0
			return nil
		}
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("circuit open for step type %s: %d consecutive failures, retry after %v",
				cb.key, cb.failures, cb.config.RecoveryTimeout-elapsed))

	case CircuitHalfOpen:
		if cb.probeCount < cb.config.HalfOpenMaxProbes {
			cb.probeCount++
			return nil
		}
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("circuit half-open for step type %s: max probes (%d) reached", cb.key, cb.config.HalfOpenMaxProbes))

	default:
		return types.NewError(types.ErrInternalError, fmt.Sprintf("unknown circuit state: %d", cb.state))
	}
}

// RecordSuccess 记录成功
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var changed func()
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThresholdInHalfOpen {
			changed = cb.transitionTo(CircuitClosed, fmt.Sprintf("%d consecutive successes in half-open", cb.successes))
			cb.failures = 0
			cb.successes = 0
		}
	}
	cb.mu.Unlock()
	if changed != nil {
		changed()
	}
}

// RecordFailure 记录失败
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var changed func()
	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.config.FailureThreshold > 0 && cb.failures >= cb.config.FailureThreshold {
			changed = cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}
	case CircuitHalfOpen:
		// 半开状态下任何失败都重新熔断
		cb.successes = 0
		changed = cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
	cb.mu.Unlock()
	if changed != nil {
		changed()
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changed func()
	if cb.state != CircuitClosed {
		changed = cb.transitionTo(CircuitClosed, "manual reset")
	}
	cb.failures = 0
	cb.successes = 0
	cb.probeCount = 0
	cb.mu.Unlock()
	if changed != nil {
		changed()
	}
}

// transitionTo 状态转换（必须在锁内调用），返回需要在锁外执行的回调
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) func() {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	if cb.onChange == nil {
		return nil
	}
	key, fn := cb.key, cb.onChange
	return func() { fn(key, oldState, newState) }
}

// CircuitBreakerRegistry 熔断器注册表，按步骤类型管理
type CircuitBreakerRegistry struct {
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	onChange CircuitStateChangeFunc
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewCircuitBreakerRegistry 创建熔断器注册表
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, onChange CircuitStateChangeFunc, logger *zap.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		onChange: onChange,
		logger:   logger,
	}
}

// GetOrCreate 获取或创建熔断器
func (r *CircuitBreakerRegistry) GetOrCreate(key string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[key]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查
	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	cb := NewCircuitBreaker(key, r.config, r.onChange, r.logger)
	r.breakers[key] = cb
	return cb
}

// States 获取所有熔断器状态
func (r *CircuitBreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]CircuitState, len(r.breakers))
	for key, cb := range r.breakers {
		states[key] = cb.State()
	}
	return states
}

// ResetAll 重置所有熔断器
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
