package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/BaSui01/flowrun/config"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

type probe struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func openMemory(t *testing.T) *PoolManager {
	t.Helper()
	pm, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })
	require.NoError(t, pm.DB().AutoMigrate(&probe{}))
	return pm
}

func TestOpen_SQLiteMemory(t *testing.T) {
	pm := openMemory(t)

	assert.Equal(t, "sqlite", pm.DB().Dialector.Name())
	assert.Equal(t, 1, pm.Stats().MaxOpenConnections)
	assert.NoError(t, pm.Ping(context.Background()))
}

func TestOpen_SQLiteFile(t *testing.T) {
	cfg := config.DefaultDatabaseConfig()
	cfg.Name = filepath.Join(t.TempDir(), "pool.db")
	cfg.MaxOpenConns = 4

	pm, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer pm.Close()

	assert.Equal(t, 4, pm.Stats().MaxOpenConnections)

	var fk int
	require.NoError(t, pm.DB().Raw("PRAGMA foreign_keys").Scan(&fk).Error)
	assert.Equal(t, 1, fk)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "oracle"}, nil)
	assert.ErrorContains(t, err, `unsupported database driver "oracle"`)

	_, err = Open(context.Background(), config.DatabaseConfig{Driver: "sqlite"}, nil)
	assert.ErrorContains(t, err, "sqlite database name is required")
}

func TestDialector(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql", "sqlite"} {
		cfg := config.DefaultDatabaseConfig()
		cfg.Driver = driver
		d, err := Dialector(cfg)
		require.NoError(t, err, driver)
		assert.Equal(t, driver, d.Name())
	}
}

func TestPoolConfigFrom(t *testing.T) {
	pc := PoolConfigFrom(config.DatabaseConfig{
		Driver:          "postgres",
		MaxOpenConns:    12,
		MaxIdleConns:    3,
		ConnMaxLifetime: time.Minute,
	})
	assert.Equal(t, 12, pc.MaxOpenConns)
	assert.Equal(t, 3, pc.MaxIdleConns)
	assert.Equal(t, time.Minute, pc.ConnMaxLifetime)
	assert.Equal(t, DefaultPoolConfig().HealthCheckInterval, pc.HealthCheckInterval)

	pc = PoolConfigFrom(config.DatabaseConfig{Driver: "sqlite", Name: "file::memory:?cache=shared", MaxOpenConns: 8})
	assert.Equal(t, 1, pc.MaxOpenConns)
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), nil)
	assert.Error(t, err)
}

func TestPoolManager_WithTransaction(t *testing.T) {
	pm := openMemory(t)
	ctx := context.Background()

	err := pm.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&probe{Name: "committed"}).Error
	})
	require.NoError(t, err)

	err = pm.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&probe{Name: "rolled-back"}).Error; err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	var names []string
	require.NoError(t, pm.DB().Model(&probe{}).Pluck("name", &names).Error)
	assert.Equal(t, []string{"committed"}, names)
}

func TestPoolManager_WithTransactionRetry(t *testing.T) {
	pm := openMemory(t)
	ctx := context.Background()

	attempts := 0
	err := pm.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		attempts++
		if attempts < 2 {
			return errors.New("database is locked (SQLITE_BUSY)")
		}
		return tx.Create(&probe{Name: "retried"}).Error
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	attempts = 0
	err = pm.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		attempts++
		return errors.New("constraint failed")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "non-retryable errors return immediately")
}

func TestPoolManager_TxRunner(t *testing.T) {
	pm := openMemory(t)
	run := pm.TxRunner(3)

	attempts := 0
	err := run(context.Background(), func(tx *gorm.DB) error {
		attempts++
		if attempts == 1 {
			return errors.New("database is locked")
		}
		return tx.Create(&probe{Name: "via runner"}).Error
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	var names []string
	require.NoError(t, pm.DB().Model(&probe{}).Where("name = ?", "via runner").Pluck("name", &names).Error)
	assert.Equal(t, []string{"via runner"}, names)
}

func TestPoolManager_Close(t *testing.T) {
	pm, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}, nil)
	require.NoError(t, err)

	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close(), "close is idempotent")

	assert.ErrorContains(t, pm.Ping(context.Background()), "pool is closed")
	assert.ErrorContains(t, pm.WithTransaction(context.Background(), func(*gorm.DB) error { return nil }), "pool is closed")
}

func TestPoolManager_HealthCheckStopsOnClose(t *testing.T) {
	db, err := gorm.Open(mustDialector(t), &gorm.Config{})
	require.NoError(t, err)

	pc := DefaultPoolConfig()
	pc.HealthCheckInterval = 10 * time.Millisecond
	pm, err := NewPoolManager(db, pc, zaptest.NewLogger(t))
	require.NoError(t, err)

	time.Sleep(35 * time.Millisecond)
	require.NoError(t, pm.Close())
	// 循环退出后不再写日志，zaptest 在测试结束后写日志会失败
	time.Sleep(25 * time.Millisecond)
}

func mustDialector(t *testing.T) gorm.Dialector {
	t.Helper()
	d, err := Dialector(config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"})
	require.NoError(t, err)
	return d
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Deadlock found when trying to get lock"), true},
		{errors.New("ERROR: could not serialize access (SQLSTATE 40001)"), true},
		{errors.New("Lock wait timeout exceeded"), true},
		{errors.New("driver: bad connection"), true},
		{errors.New("database is locked"), true},
		{errors.New("UNIQUE constraint failed"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetryableError(tt.err), "%v", tt.err)
	}
}
