package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Handler executes one step type. Returning an error marks the attempt as
// failed; the engine decides whether to retry.
type Handler interface {
	Execute(ctx context.Context, step *StepSpec, ectx *ExecutionContext) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, step *StepSpec, ectx *ExecutionContext) (map[string]any, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, step *StepSpec, ectx *ExecutionContext) (map[string]any, error) {
	return f(ctx, step, ectx)
}

// NamedHandler lets a handler report its identity, used for provider
// inference when neither metadata nor the type name decide it.
type NamedHandler interface {
	Handler
	Name() string
}

// Registry maps step type tags to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a step type, replacing any previous one.
func (r *Registry) Register(stepType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[stepType] = h
}

// RegisterFunc is Register for plain functions.
func (r *Registry) RegisterFunc(stepType string, fn HandlerFunc) {
	r.Register(stepType, fn)
}

// registerIfAbsent keeps caller-supplied handlers over built-ins.
func (r *Registry) registerIfAbsent(stepType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[stepType]; !ok {
		r.handlers[stepType] = h
	}
}

// Lookup returns the handler for a step type.
func (r *Registry) Lookup(stepType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stepType]
	return h, ok
}

// Types lists registered step types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func handlerName(h Handler) string {
	if n, ok := h.(NamedHandler); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}

// =============================================================================
// Collaborator contracts
// =============================================================================

// StageRecord is the mutable holder a checkpoint stage yields to the engine.
type StageRecord struct {
	StepID   string         `json:"step_id"`
	Input    map[string]any `json:"input,omitempty"`
	Status   StepStatus     `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Tokens   int            `json:"tokens_used"`
	Duration time.Duration  `json:"duration"`
}

// Checkpointer persists run progress. Stage runs fn inside one transaction;
// if fn or the commit fails the store stays at the previous boundary.
type Checkpointer interface {
	StartWorkflow(ctx context.Context, name string, config map[string]any) (string, error)
	Stage(ctx context.Context, workflowID, stepID string, input map[string]any, fn func(rec *StageRecord) error) error
	CompleteWorkflow(ctx context.Context, workflowID string) error
	FailWorkflow(ctx context.Context, workflowID, reason string) error
}

// StageLoader is implemented by checkpointers that can replay committed
// stages for Resume.
type StageLoader interface {
	LoadStages(ctx context.Context, workflowID string) ([]StageRecord, error)
}

// CheckpointMarker records named checkpoints for the checkpoint step type.
type CheckpointMarker interface {
	Mark(ctx context.Context, workflowID, name string, snapshot map[string]any) (string, error)
}

// BudgetTracker is the rolling (daily) token ledger.
type BudgetTracker interface {
	CanAllocate(estimatedTokens int) bool
	RecordUsage(stepID string, tokens int)
	DailyLimit() int
}

// TokenEstimator estimates prompt tokens for the pre-dispatch budget check.
type TokenEstimator interface {
	EstimateTokens(text string) int
}
