package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var noon = time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)

func newLedgerAt(t *testing.T, cfg LedgerConfig, now *time.Time, opts ...LedgerOption) *Ledger {
	t.Helper()
	l := NewLedger(cfg, zaptest.NewLogger(t), opts...)
	l.now = func() time.Time { return *now }
	l.Reset()
	return l
}

func TestLedger_CanAllocate(t *testing.T) {
	now := noon
	l := newLedgerAt(t, LedgerConfig{DailyLimit: 5000}, &now)

	assert.Equal(t, 5000, l.DailyLimit())
	assert.True(t, l.CanAllocate(5000))

	l.RecordUsage("a", 4500)
	assert.True(t, l.CanAllocate(500))
	assert.False(t, l.CanAllocate(501))

	st := l.Status()
	assert.Equal(t, int64(4500), st.TokensUsedDay)
	assert.Equal(t, int64(500), st.RemainingToday)
	assert.InDelta(t, 0.9, st.DayUtilization, 1e-9)
}

func TestLedger_HourlyLimit(t *testing.T) {
	now := noon
	l := newLedgerAt(t, LedgerConfig{DailyLimit: 100000, HourlyLimit: 1000}, &now)

	l.RecordUsage("a", 900)
	assert.False(t, l.CanAllocate(200))

	now = now.Add(time.Hour)
	assert.True(t, l.CanAllocate(200))
	assert.Equal(t, int64(900), l.Status().TokensUsedDay)
}

func TestLedger_DayRollover(t *testing.T) {
	now := noon
	l := newLedgerAt(t, LedgerConfig{DailyLimit: 1000}, &now)

	l.RecordUsage("a", 1000)
	assert.False(t, l.CanAllocate(1))

	now = now.Add(24 * time.Hour)
	assert.True(t, l.CanAllocate(1000))
	assert.Equal(t, int64(0), l.Status().TokensUsedDay)
}

func TestLedger_IgnoresNonPositiveUsage(t *testing.T) {
	now := noon
	l := newLedgerAt(t, LedgerConfig{DailyLimit: 1000}, &now)
	l.RecordUsage("a", 0)
	l.RecordUsage("a", -5)
	assert.Equal(t, int64(0), l.Status().TokensUsedDay)
}

func TestLedger_Alerts(t *testing.T) {
	now := noon
	var mu sync.Mutex
	var alerts []Alert
	l := newLedgerAt(t, LedgerConfig{DailyLimit: 1000, AlertThreshold: 0.5}, &now,
		WithAlertHandler(func(a Alert) {
			mu.Lock()
			alerts = append(alerts, a)
			mu.Unlock()
		}))

	l.RecordUsage("a", 400)
	l.RecordUsage("b", 200)
	l.RecordUsage("c", 100)
	l.CanAllocate(1000)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertDayThreshold, alerts[0].Type)
	assert.Equal(t, AlertLimitHit, alerts[1].Type)
}

type brokenStore struct{}

func (brokenStore) Append(context.Context, UsageRecord) error { return errors.New("disk full") }
func (brokenStore) SumSince(context.Context, time.Time) (int64, error) {
	return 0, errors.New("disk full")
}

func TestLedger_StoreFailureDoesNotLoseCount(t *testing.T) {
	now := noon
	l := newLedgerAt(t, LedgerConfig{DailyLimit: 1000}, &now, WithUsageStore(brokenStore{}))

	l.RecordUsage("a", 300)
	assert.Equal(t, int64(300), l.Status().TokensUsedDay)
	assert.Error(t, l.Restore(context.Background()))
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestGormUsageStore_PersistAndRestore(t *testing.T) {
	ctx := context.Background()
	store := NewGormUsageStore(newTestDB(t))
	require.NoError(t, store.AutoMigrate(ctx))

	now := noon
	l := newLedgerAt(t, LedgerConfig{DailyLimit: 10000}, &now, WithUsageStore(store))
	l.Record(UsageRecord{StepID: "a", WorkflowID: "wf-1", Tokens: 1200, Timestamp: noon.Add(-3 * time.Hour)})
	l.RecordUsage("b", 800)

	total, err := store.SumSince(ctx, noon.Truncate(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2000), total)

	// 新进程从存储恢复
	restarted := newLedgerAt(t, LedgerConfig{DailyLimit: 10000}, &now, WithUsageStore(store))
	require.NoError(t, restarted.Restore(ctx))
	st := restarted.Status()
	assert.Equal(t, int64(2000), st.TokensUsedDay)
	assert.Equal(t, int64(800), st.TokensUsedHour)
}

func TestGormUsageStore_EmptySum(t *testing.T) {
	ctx := context.Background()
	store := NewGormUsageStore(newTestDB(t))
	require.NoError(t, store.AutoMigrate(ctx))

	total, err := store.SumSince(ctx, noon)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestEstimator_Fallback(t *testing.T) {
	e := NewEstimator("", nil)
	e.load = func(string) (*tiktoken.Tiktoken, error) { return nil, errors.New("offline") }

	assert.Equal(t, 0, e.EstimateTokens(""))
	assert.Equal(t, 1, e.EstimateTokens("abc"))
	assert.Equal(t, 3, e.EstimateTokens("hello world!"))
	assert.Equal(t, "heuristic", e.Name())
}

func TestEstimator_Tiktoken(t *testing.T) {
	e := NewEstimator(DefaultEncoding, nil)
	if err := e.init(); err != nil {
		t.Skipf("tiktoken data unavailable: %v", err)
	}
	n := e.EstimateTokens("The quick brown fox jumps over the lazy dog.")
	assert.Greater(t, n, 5)
	assert.Less(t, n, 20)
	assert.Equal(t, "tiktoken[cl100k_base]", e.Name())
}
