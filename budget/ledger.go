package budget

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LedgerConfig 配置滚动 token 预算
type LedgerConfig struct {
	DailyLimit     int     `json:"daily_limit" yaml:"daily_limit"`
	HourlyLimit    int     `json:"hourly_limit" yaml:"hourly_limit"` // 0 表示不限制
	AlertThreshold float64 `json:"alert_threshold" yaml:"alert_threshold"`
}

// DefaultLedgerConfig 返回默认值
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		DailyLimit:     1000000,
		AlertThreshold: 0.8,
	}
}

// UsageRecord 单条用量记录
type UsageRecord struct {
	StepID     string    `json:"step_id"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Tokens     int       `json:"tokens"`
	Timestamp  time.Time `json:"timestamp"`
}

// Status 当前预算状况
type Status struct {
	TokensUsedHour  int64   `json:"tokens_used_hour"`
	TokensUsedDay   int64   `json:"tokens_used_day"`
	DailyLimit      int     `json:"daily_limit"`
	HourlyLimit     int     `json:"hourly_limit"`
	DayUtilization  float64 `json:"day_utilization"`
	HourUtilization float64 `json:"hour_utilization"`
	RemainingToday  int64   `json:"remaining_today"`
}

// AlertType 预算提醒类型
type AlertType string

const (
	AlertHourThreshold AlertType = "token_hour_threshold"
	AlertDayThreshold  AlertType = "token_day_threshold"
	AlertLimitHit      AlertType = "limit_hit"
)

// Alert 预算提醒
type Alert struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Threshold float64   `json:"threshold"`
	Current   float64   `json:"current"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertHandler 处理预算提醒，同步调用，不应阻塞
type AlertHandler func(alert Alert)

// Ledger is the rolling token ledger behind the engine's daily budget
// check. The per-run ceiling is enforced by the engine itself.
type Ledger struct {
	config        LedgerConfig
	store         UsageStore
	alertHandlers []AlertHandler
	now           func() time.Time
	logger        *zap.Logger

	mu          sync.Mutex
	tokensHour  int64
	tokensDay   int64
	hourStart   time.Time
	dayStart    time.Time
	alertedHour bool
	alertedDay  bool
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithUsageStore persists every recorded usage.
func WithUsageStore(store UsageStore) LedgerOption {
	return func(l *Ledger) { l.store = store }
}

// WithAlertHandler registers an alert handler.
func WithAlertHandler(h AlertHandler) LedgerOption {
	return func(l *Ledger) { l.alertHandlers = append(l.alertHandlers, h) }
}

// NewLedger 创建预算账本
func NewLedger(config LedgerConfig, logger *zap.Logger, opts ...LedgerOption) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AlertThreshold <= 0 || config.AlertThreshold > 1 {
		config.AlertThreshold = DefaultLedgerConfig().AlertThreshold
	}
	l := &Ledger{
		config: config,
		now:    time.Now,
		logger: logger.With(zap.String("component", "budget")),
	}
	for _, opt := range opts {
		opt(l)
	}
	now := l.now()
	l.hourStart = now.Truncate(time.Hour)
	l.dayStart = now.Truncate(24 * time.Hour)
	return l
}

// Restore loads today's and this hour's totals from the usage store so a
// restarted process keeps counting from where it left off.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetWindowsLocked()

	day, err := l.store.SumSince(ctx, l.dayStart)
	if err != nil {
		return err
	}
	hour, err := l.store.SumSince(ctx, l.hourStart)
	if err != nil {
		return err
	}
	l.tokensDay, l.tokensHour = day, hour
	l.logger.Info("budget restored", zap.Int64("tokens_day", day), zap.Int64("tokens_hour", hour))
	return nil
}

// DailyLimit returns the configured daily ceiling.
func (l *Ledger) DailyLimit() int { return l.config.DailyLimit }

// CanAllocate reports whether estimatedTokens fit in every window.
func (l *Ledger) CanAllocate(estimatedTokens int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetWindowsLocked()

	est := int64(estimatedTokens)
	if l.config.DailyLimit > 0 && l.tokensDay+est > int64(l.config.DailyLimit) {
		l.fireLocked(Alert{
			Type:      AlertLimitHit,
			Message:   "Daily token limit would be exceeded",
			Threshold: 1,
			Current:   float64(l.tokensDay+est) / float64(l.config.DailyLimit),
			Timestamp: l.now(),
		})
		return false
	}
	if l.config.HourlyLimit > 0 && l.tokensHour+est > int64(l.config.HourlyLimit) {
		l.fireLocked(Alert{
			Type:      AlertLimitHit,
			Message:   "Hourly token limit would be exceeded",
			Threshold: 1,
			Current:   float64(l.tokensHour+est) / float64(l.config.HourlyLimit),
			Timestamp: l.now(),
		})
		return false
	}
	return true
}

// RecordUsage adds tokens used by a step.
func (l *Ledger) RecordUsage(stepID string, tokens int) {
	l.Record(UsageRecord{StepID: stepID, Tokens: tokens})
}

// Record adds a usage record and persists it when a store is configured.
// Store failures are logged; the in-memory totals are updated regardless.
func (l *Ledger) Record(rec UsageRecord) {
	if rec.Tokens <= 0 {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}

	l.mu.Lock()
	l.resetWindowsLocked()
	l.tokensHour += int64(rec.Tokens)
	l.tokensDay += int64(rec.Tokens)
	l.checkAlertsLocked()
	l.mu.Unlock()

	l.logger.Debug("usage recorded", zap.String("step_id", rec.StepID), zap.Int("tokens", rec.Tokens))

	if l.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.store.Append(ctx, rec); err != nil {
			l.logger.Warn("persist usage failed", zap.String("step_id", rec.StepID), zap.Error(err))
		}
	}
}

// Status 返回当前预算状况
func (l *Ledger) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetWindowsLocked()

	s := Status{
		TokensUsedHour: l.tokensHour,
		TokensUsedDay:  l.tokensDay,
		DailyLimit:     l.config.DailyLimit,
		HourlyLimit:    l.config.HourlyLimit,
	}
	if l.config.DailyLimit > 0 {
		s.DayUtilization = float64(l.tokensDay) / float64(l.config.DailyLimit)
		s.RemainingToday = max(0, int64(l.config.DailyLimit)-l.tokensDay)
	}
	if l.config.HourlyLimit > 0 {
		s.HourUtilization = float64(l.tokensHour) / float64(l.config.HourlyLimit)
	}
	return s
}

// Reset 重置所有计数器
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.tokensHour, l.tokensDay = 0, 0
	l.hourStart = now.Truncate(time.Hour)
	l.dayStart = now.Truncate(24 * time.Hour)
	l.alertedHour, l.alertedDay = false, false
}

func (l *Ledger) resetWindowsLocked() {
	now := l.now()

	// 重置小时窗口
	if hs := now.Truncate(time.Hour); hs.After(l.hourStart) {
		l.tokensHour = 0
		l.hourStart = hs
		l.alertedHour = false
	}

	// 重设日窗口
	if ds := now.Truncate(24 * time.Hour); ds.After(l.dayStart) {
		l.tokensDay = 0
		l.dayStart = ds
		l.alertedDay = false
	}
}

func (l *Ledger) checkAlertsLocked() {
	threshold := l.config.AlertThreshold

	if l.config.HourlyLimit > 0 && !l.alertedHour {
		util := float64(l.tokensHour) / float64(l.config.HourlyLimit)
		if util >= threshold {
			l.alertedHour = true
			l.fireLocked(Alert{
				Type:      AlertHourThreshold,
				Message:   "Hour token usage threshold exceeded",
				Threshold: threshold,
				Current:   util,
				Timestamp: l.now(),
			})
		}
	}

	if l.config.DailyLimit > 0 && !l.alertedDay {
		util := float64(l.tokensDay) / float64(l.config.DailyLimit)
		if util >= threshold {
			l.alertedDay = true
			l.fireLocked(Alert{
				Type:      AlertDayThreshold,
				Message:   "Day token usage threshold exceeded",
				Threshold: threshold,
				Current:   util,
				Timestamp: l.now(),
			})
		}
	}
}

func (l *Ledger) fireLocked(alert Alert) {
	l.logger.Warn("budget alert",
		zap.String("type", string(alert.Type)),
		zap.String("message", alert.Message),
		zap.Float64("threshold", alert.Threshold),
		zap.Float64("current", alert.Current))

	for _, handler := range l.alertHandlers {
		handler(alert)
	}
}
