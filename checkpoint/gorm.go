package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/flowrun/workflow"
)

// =============================================================================
// 🗄️ 表模型
// =============================================================================

// WorkflowRunRow 工作流运行
type WorkflowRunRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	Name       string `gorm:"size:255;not null"`
	Status     string `gorm:"size:16;not null;index"`
	Config     string `gorm:"type:text"`
	Reason     string `gorm:"type:text"`
	LastStep   string `gorm:"size:255"`
	StartedAt  time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time
}

// TableName pins the table created by the migrations.
func (WorkflowRunRow) TableName() string { return "workflow_runs" }

// StageRow 一次已提交的步骤阶段
type StageRow struct {
	ID         uint   `gorm:"primaryKey"`
	WorkflowID string `gorm:"size:36;not null;index"`
	StepID     string `gorm:"size:255;not null"`
	Status     string `gorm:"size:16;not null"`
	Input      string `gorm:"type:text"`
	Output     string `gorm:"type:text"`
	Error      string `gorm:"type:text"`
	Tokens     int
	DurationMs int64
	CreatedAt  time.Time
}

// TableName pins the table created by the migrations.
func (StageRow) TableName() string { return "workflow_stages" }

// MarkRow 命名检查点
type MarkRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	WorkflowID string `gorm:"size:36;not null;index"`
	Name       string `gorm:"size:255;not null"`
	Snapshot   string `gorm:"type:text"`
	CreatedAt  time.Time
}

// TableName pins the table created by the migrations.
func (MarkRow) TableName() string { return "workflow_checkpoints" }

// =============================================================================
// 📦 GormStore
// =============================================================================

// GormStore persists runs in a relational database. The stage callback
// runs before the transaction opens; the stage row and the run's progress
// pointer are then committed together, so a crash mid-step leaves the
// store at the previous step boundary.
type GormStore struct {
	db     *gorm.DB
	tx     TxFunc
	logger *zap.Logger
}

// TxFunc runs fn in one transaction.
type TxFunc func(ctx context.Context, fn func(tx *gorm.DB) error) error

// GormOption configures GormStore.
type GormOption func(*GormStore)

// WithTransactor commits stages through tx, e.g. a retrying
// database.PoolManager.TxRunner.
func WithTransactor(tx TxFunc) GormOption {
	return func(s *GormStore) {
		if tx != nil {
			s.tx = tx
		}
	}
}

// NewGormStore creates a store over db.
func NewGormStore(db *gorm.DB, logger *zap.Logger, opts ...GormOption) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "checkpoint"), zap.String("backend", "gorm")),
	}
	s.tx = func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		return s.db.WithContext(ctx).Transaction(fn)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AutoMigrate creates the checkpoint tables when missing.
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&WorkflowRunRow{}, &StageRow{}, &MarkRow{})
}

// StartWorkflow implements workflow.Checkpointer.
func (s *GormStore) StartWorkflow(ctx context.Context, name string, config map[string]any) (string, error) {
	cfg, err := encode(config)
	if err != nil {
		return "", err
	}
	row := WorkflowRunRow{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    string(RunRunning),
		Config:    cfg,
		StartedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("start workflow: %w", err)
	}
	s.logger.Debug("workflow started", zap.String("workflow_id", row.ID), zap.String("name", name))
	return row.ID, nil
}

// Stage implements workflow.Checkpointer.
func (s *GormStore) Stage(ctx context.Context, workflowID, stepID string, input map[string]any, fn func(rec *workflow.StageRecord) error) error {
	if _, err := s.Run(ctx, workflowID); err != nil {
		return err
	}

	rec := &workflow.StageRecord{StepID: stepID, Input: input, Status: workflow.StepRunning}
	if err := fn(rec); err != nil {
		return err
	}

	in, err := encode(rec.Input)
	if err != nil {
		return err
	}
	out, err := encode(rec.Output)
	if err != nil {
		return err
	}
	row := StageRow{
		WorkflowID: workflowID,
		StepID:     stepID,
		Status:     string(rec.Status),
		Input:      in,
		Output:     out,
		Error:      rec.Error,
		Tokens:     rec.Tokens,
		DurationMs: rec.Duration.Milliseconds(),
	}

	return s.tx(ctx, func(tx *gorm.DB) error {
		// 每次尝试插入新副本，回滚后的自增 id 不会被带入重试
		attempt := row
		if err := tx.Create(&attempt).Error; err != nil {
			return fmt.Errorf("commit stage %s: %w", stepID, err)
		}
		res := tx.Model(&WorkflowRunRow{}).
			Where("id = ?", workflowID).
			Updates(map[string]any{"last_step": stepID, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return fmt.Errorf("advance workflow %s: %w", workflowID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
		}
		return nil
	})
}

// CompleteWorkflow implements workflow.Checkpointer.
func (s *GormStore) CompleteWorkflow(ctx context.Context, workflowID string) error {
	return s.finish(ctx, workflowID, RunCompleted, "")
}

// FailWorkflow implements workflow.Checkpointer.
func (s *GormStore) FailWorkflow(ctx context.Context, workflowID, reason string) error {
	return s.finish(ctx, workflowID, RunFailed, reason)
}

func (s *GormStore) finish(ctx context.Context, workflowID string, status RunStatus, reason string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&WorkflowRunRow{}).
		Where("id = ?", workflowID).
		Updates(map[string]any{"status": string(status), "reason": reason, "finished_at": now, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("finish workflow %s: %w", workflowID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	return nil
}

// LoadStages implements workflow.StageLoader.
func (s *GormStore) LoadStages(ctx context.Context, workflowID string) ([]workflow.StageRecord, error) {
	if _, err := s.Run(ctx, workflowID); err != nil {
		return nil, err
	}
	var rows []StageRow
	if err := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load stages: %w", err)
	}

	out := make([]workflow.StageRecord, 0, len(rows))
	for _, row := range rows {
		rec := workflow.StageRecord{
			StepID:   row.StepID,
			Status:   workflow.StepStatus(row.Status),
			Error:    row.Error,
			Tokens:   row.Tokens,
			Duration: time.Duration(row.DurationMs) * time.Millisecond,
		}
		if err := decode(row.Input, &rec.Input); err != nil {
			return nil, err
		}
		if err := decode(row.Output, &rec.Output); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Mark implements workflow.CheckpointMarker.
func (s *GormStore) Mark(ctx context.Context, workflowID, name string, snapshot map[string]any) (string, error) {
	if _, err := s.Run(ctx, workflowID); err != nil {
		return "", err
	}
	snap, err := encode(snapshot)
	if err != nil {
		return "", err
	}
	row := MarkRow{ID: uuid.NewString(), WorkflowID: workflowID, Name: name, Snapshot: snap}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("mark checkpoint: %w", err)
	}
	return row.ID, nil
}

// Run loads one stored run.
func (s *GormStore) Run(ctx context.Context, workflowID string) (*Run, error) {
	var row WorkflowRunRow
	err := s.db.WithContext(ctx).Where("id = ?", workflowID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}

	run := &Run{
		ID:         row.ID,
		Name:       row.Name,
		Status:     RunStatus(row.Status),
		Reason:     row.Reason,
		LastStep:   row.LastStep,
		StartedAt:  row.StartedAt,
		FinishedAt: row.FinishedAt,
	}
	if err := decode(row.Config, &run.Config); err != nil {
		return nil, err
	}
	return run, nil
}

// Marks returns the named checkpoints of a run in creation order.
func (s *GormStore) Marks(ctx context.Context, workflowID string) ([]Mark, error) {
	var rows []MarkRow
	if err := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	out := make([]Mark, 0, len(rows))
	for _, row := range rows {
		m := Mark{ID: row.ID, WorkflowID: row.WorkflowID, Name: row.Name, CreatedAt: row.CreatedAt}
		if err := decode(row.Snapshot, &m.Snapshot); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func encode(v map[string]any) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint payload: %w", err)
	}
	return string(b), nil
}

func decode(s string, v *map[string]any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decode checkpoint payload: %w", err)
	}
	return nil
}
