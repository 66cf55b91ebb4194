package budget

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// UsageStore persists usage records.
type UsageStore interface {
	Append(ctx context.Context, rec UsageRecord) error
	SumSince(ctx context.Context, since time.Time) (int64, error)
}

// TokenUsage is the row written for every recorded usage.
type TokenUsage struct {
	ID         uint      `gorm:"primaryKey"`
	StepID     string    `gorm:"size:255;not null"`
	WorkflowID string    `gorm:"size:64;index"`
	Tokens     int       `gorm:"not null"`
	RecordedAt time.Time `gorm:"not null;index"`
}

// TableName pins the table created by the migrations.
func (TokenUsage) TableName() string { return "token_usage" }

// GormUsageStore stores usage in a relational database.
type GormUsageStore struct {
	db *gorm.DB
}

// NewGormUsageStore creates a store over db.
func NewGormUsageStore(db *gorm.DB) *GormUsageStore {
	return &GormUsageStore{db: db}
}

// AutoMigrate creates the usage table when missing.
func (s *GormUsageStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&TokenUsage{})
}

// Append implements UsageStore.
func (s *GormUsageStore) Append(ctx context.Context, rec UsageRecord) error {
	row := TokenUsage{
		StepID:     rec.StepID,
		WorkflowID: rec.WorkflowID,
		Tokens:     rec.Tokens,
		RecordedAt: rec.Timestamp.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append token usage: %w", err)
	}
	return nil
}

// SumSince implements UsageStore.
func (s *GormUsageStore) SumSince(ctx context.Context, since time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&TokenUsage{}).
		Where("recorded_at >= ?", since.UTC()).
		Select("COALESCE(SUM(tokens), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum token usage: %w", err)
	}
	return total, nil
}
