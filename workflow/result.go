package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/flowrun/coordination"
)

// StepStatus is the state of one step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// ExecutionStatus represents the overall status of a run
type ExecutionStatus string

const (
	// ExecutionSuccess: every step succeeded or was skipped by its condition
	ExecutionSuccess ExecutionStatus = "success"
	// ExecutionFailed: abort triggered or a fatal pre-run error
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionPartial: at least one step failed under on_failure=skip
	ExecutionPartial ExecutionStatus = "partial"
	// ExecutionPending: not finished; ResumeFrom names the resume point if any
	ExecutionPending ExecutionStatus = "pending"
)

// StepResult records one step.
type StepResult struct {
	StepID    string         `json:"step_id"`
	Status    StepStatus     `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Tokens    int            `json:"tokens_used"`
	Retries   int            `json:"retries"`
	// Err keeps the typed error for errors.Is / errors.As
	Err error `json:"-"`
}

// ExecutionResult is what a run hands back.
type ExecutionResult struct {
	WorkflowID   string                         `json:"workflow_id"`
	WorkflowName string                         `json:"workflow_name"`
	Status       ExecutionStatus                `json:"status"`
	Steps        []*StepResult                  `json:"steps"`
	Outputs      map[string]any                 `json:"outputs,omitempty"`
	TotalTokens  int                            `json:"total_tokens"`
	StartedAt    time.Time                      `json:"started_at"`
	CompletedAt  time.Time                      `json:"completed_at"`
	Error        string                         `json:"error,omitempty"`
	ResumeFrom   string                         `json:"resume_from,omitempty"`
	Coordination []coordination.StabilityReport `json:"coordination,omitempty"`
	// Err is the first causal error.
	Err error `json:"-"`

	mu sync.Mutex
}

func newExecutionResult(name string, now time.Time) *ExecutionResult {
	return &ExecutionResult{
		WorkflowName: name,
		Status:       ExecutionPending,
		Steps:        make([]*StepResult, 0),
		Outputs:      make(map[string]any),
		StartedAt:    now,
	}
}

// record appends a step result and adds its tokens.
func (r *ExecutionResult) record(sr *StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Steps = append(r.Steps, sr)
	r.TotalTokens += sr.Tokens
}

// fail sets the first causal error. A failed run stays failed.
func (r *ExecutionResult) fail(status ExecutionStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status != ExecutionFailed {
		r.Status = status
	}
	if r.Err == nil && err != nil {
		r.Err = err
		r.Error = err.Error()
	}
}

// pause stops the run with an explicit resume point.
func (r *ExecutionResult) pause(stepID string, err error) {
	r.mu.Lock()
	if r.Status != ExecutionFailed && r.ResumeFrom == "" {
		r.ResumeFrom = stepID
	}
	r.mu.Unlock()
	r.fail(ExecutionPending, err)
}

func (r *ExecutionResult) addCoordination(report coordination.StabilityReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Coordination = append(r.Coordination, report)
}

// failed reports whether a causal error was recorded.
func (r *ExecutionResult) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Err != nil
}

// Step returns the result for a step id.
func (r *ExecutionResult) Step(id string) (*StepResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sr := range r.Steps {
		if sr.StepID == id {
			return sr, true
		}
	}
	return nil, false
}

// Duration is the wall-clock time of the run.
func (r *ExecutionResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// tokensUsed reads the conventional tokens_used output key.
func tokensUsed(output map[string]any) int {
	if output == nil {
		return 0
	}
	return toInt(output["tokens_used"], 0)
}

// StepFailedError is the run-level error of a step that exhausted its
// retries. Message is the last attempt's error text.
type StepFailedError struct {
	StepID  string
	Message string
	Err     error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("Step '%s' failed: %s", e.StepID, e.Message)
}

func (e *StepFailedError) Unwrap() error { return e.Err }
