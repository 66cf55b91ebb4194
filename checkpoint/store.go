package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/flowrun/workflow"
)

// ErrNotFound is returned for an unknown workflow run or checkpoint.
var ErrNotFound = errors.New("checkpoint: not found")

// RunStatus is the lifecycle state of a stored workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one stored workflow run.
type Run struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Status     RunStatus      `json:"status"`
	Config     map[string]any `json:"config,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	LastStep   string         `json:"last_step,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Mark is a named checkpoint recorded by the checkpoint step type.
type Mark struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Name       string         `json:"name"`
	Snapshot   map[string]any `json:"snapshot,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store is implemented by every checkpoint backend.
type Store interface {
	workflow.Checkpointer
	workflow.StageLoader
	workflow.CheckpointMarker
	Run(ctx context.Context, workflowID string) (*Run, error)
	Marks(ctx context.Context, workflowID string) ([]Mark, error)
}
