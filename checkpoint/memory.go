package checkpoint

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/workflow"
)

// MemoryStore keeps runs and stages in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*Run
	stages map[string][]workflow.StageRecord
	marks  map[string][]Mark
	logger *zap.Logger
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		runs:   make(map[string]*Run),
		stages: make(map[string][]workflow.StageRecord),
		marks:  make(map[string][]Mark),
		logger: logger.With(zap.String("component", "checkpoint"), zap.String("backend", "memory")),
	}
}

// StartWorkflow implements workflow.Checkpointer.
func (s *MemoryStore) StartWorkflow(ctx context.Context, name string, config map[string]any) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[id] = &Run{
		ID:        id,
		Name:      name,
		Status:    RunRunning,
		Config:    maps.Clone(config),
		StartedAt: time.Now(),
	}
	return id, nil
}

// Stage implements workflow.Checkpointer. The record is only stored when
// fn returns nil.
func (s *MemoryStore) Stage(ctx context.Context, workflowID, stepID string, input map[string]any, fn func(rec *workflow.StageRecord) error) error {
	if _, err := s.Run(ctx, workflowID); err != nil {
		return err
	}

	rec := &workflow.StageRecord{StepID: stepID, Input: maps.Clone(input), Status: workflow.StepRunning}
	if err := fn(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[workflowID]
	if !ok {
		return fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	committed := *rec
	committed.Output = maps.Clone(rec.Output)
	s.stages[workflowID] = append(s.stages[workflowID], committed)
	run.LastStep = stepID
	return nil
}

// CompleteWorkflow implements workflow.Checkpointer.
func (s *MemoryStore) CompleteWorkflow(ctx context.Context, workflowID string) error {
	return s.finish(workflowID, RunCompleted, "")
}

// FailWorkflow implements workflow.Checkpointer.
func (s *MemoryStore) FailWorkflow(ctx context.Context, workflowID, reason string) error {
	return s.finish(workflowID, RunFailed, reason)
}

func (s *MemoryStore) finish(workflowID string, status RunStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[workflowID]
	if !ok {
		return fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	now := time.Now()
	run.Status = status
	run.Reason = reason
	run.FinishedAt = &now
	s.logger.Debug("workflow finished", zap.String("workflow_id", workflowID), zap.String("status", string(status)))
	return nil
}

// LoadStages implements workflow.StageLoader.
func (s *MemoryStore) LoadStages(ctx context.Context, workflowID string) ([]workflow.StageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[workflowID]; !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	out := make([]workflow.StageRecord, len(s.stages[workflowID]))
	copy(out, s.stages[workflowID])
	return out, nil
}

// Mark implements workflow.CheckpointMarker.
func (s *MemoryStore) Mark(ctx context.Context, workflowID, name string, snapshot map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[workflowID]; !ok {
		return "", fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	m := Mark{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Name:       name,
		Snapshot:   maps.Clone(snapshot),
		CreatedAt:  time.Now(),
	}
	s.marks[workflowID] = append(s.marks[workflowID], m)
	return m.ID, nil
}

// Run returns a copy of a stored run.
func (s *MemoryStore) Run(ctx context.Context, workflowID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	cp := *run
	return &cp, nil
}

// Marks returns the named checkpoints of a run in creation order.
func (s *MemoryStore) Marks(ctx context.Context, workflowID string) ([]Mark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[workflowID]; !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	return append([]Mark(nil), s.marks[workflowID]...), nil
}
