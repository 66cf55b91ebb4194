package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RateLimitWindow is one row of the shared window table.
type RateLimitWindow struct {
	Key string `gorm:"column:bucket_key;primaryKey;size:255"`
	// WindowStart 窗口起点，Unix 毫秒
	WindowStart int64 `gorm:"not null"`
	Used        int   `gorm:"not null;default:0"`
	UpdatedAt   time.Time
}

// TableName pins the table created by the migrations.
func (RateLimitWindow) TableName() string { return "rate_limit_windows" }

// TxFunc runs fn in one transaction. database.PoolManager.TxRunner
// supplies one that retries on lock and serialization errors.
type TxFunc func(ctx context.Context, fn func(tx *gorm.DB) error) error

// SQLLimiter keeps windows in a relational table. Every acquisition runs
// in its own transaction; on postgres and mysql the row is locked.
type SQLLimiter struct {
	db     *gorm.DB
	tx     TxFunc
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// SQLOption configures SQLLimiter.
type SQLOption func(*SQLLimiter)

// WithTransactor replaces the plain gorm transaction.
func WithTransactor(tx TxFunc) SQLOption {
	return func(l *SQLLimiter) {
		if tx != nil {
			l.tx = tx
		}
	}
}

// NewSQLLimiter creates a gorm-backed limiter. The table must exist; see
// AutoMigrate or the bundled migrations.
func NewSQLLimiter(db *gorm.DB, cfg Config, logger *zap.Logger, opts ...SQLOption) *SQLLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &SQLLimiter{
		db:     db,
		cfg:    cfg.normalize(),
		now:    time.Now,
		logger: logger.With(zap.String("component", "ratelimit"), zap.String("backend", "sql")),
	}
	l.tx = func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		return l.db.WithContext(ctx).Transaction(fn)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AutoMigrate creates the window table when missing.
func (l *SQLLimiter) AutoMigrate(ctx context.Context) error {
	return l.db.WithContext(ctx).AutoMigrate(&RateLimitWindow{})
}

// TryAcquire implements Limiter.
func (l *SQLLimiter) TryAcquire(ctx context.Context, key string, cost int) (Result, error) {
	if cost <= 0 {
		return Result{}, ErrInvalidCost
	}
	now := l.now()
	if res, denied := denyOversized(l.cfg, cost, now); denied {
		return res, nil
	}

	start := windowStart(now, l.cfg.Window)
	startMs := start.UnixMilli()
	var res Result

	err := l.tx(ctx, func(tx *gorm.DB) error {
		// 重试时从干净的结果开始
		res = Result{Limit: l.cfg.Limit, ResetAt: start.Add(l.cfg.Window)}
		q := tx
		if tx.Dialector.Name() != "sqlite" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var row RateLimitWindow
		err := q.Where("bucket_key = ?", l.cfg.KeyPrefix+key).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = RateLimitWindow{Key: l.cfg.KeyPrefix + key, WindowStart: startMs}
		case err != nil:
			return err
		}

		// 窗口过期则重置
		if row.WindowStart != startMs {
			row.WindowStart = startMs
			row.Used = 0
		}

		if row.Used+cost > l.cfg.Limit {
			res.Used = row.Used
			res.Remaining = l.cfg.Limit - row.Used
			res.RetryAfter = res.ResetAt.Sub(now)
			return nil
		}

		row.Used += cost
		row.UpdatedAt = now
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		res.Allowed = true
		res.Used = row.Used
		res.Remaining = l.cfg.Limit - row.Used
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("sql rate limit: %w", err)
	}
	return res, nil
}
