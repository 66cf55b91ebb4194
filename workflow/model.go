package workflow

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// OnFailure decides what the run does once a step exhausted its retries.
type OnFailure string

const (
	// OnFailureAbort stops the whole run
	OnFailureAbort OnFailure = "abort"
	// OnFailureSkip keeps going without the step's outputs
	OnFailureSkip OnFailure = "skip"
	// OnFailureRetry stops the run and hands back an explicit resume point
	OnFailureRetry OnFailure = "retry"
)

// Built-in step types.
const (
	StepTypeClaudeCode  = "claude_code"
	StepTypeOpenAI      = "openai"
	StepTypeShell       = "shell"
	StepTypeParallel    = "parallel"
	StepTypeCheckpoint  = "checkpoint"
	StepTypeFanOut      = "fan_out"
	StepTypeFanIn       = "fan_in"
	StepTypeMapReduce   = "map_reduce"
	StepTypePassthrough = "passthrough"
)

// BuiltinStepTypes lists the tags accepted by the validator without a registry.
var BuiltinStepTypes = []string{
	StepTypeClaudeCode,
	StepTypeOpenAI,
	StepTypeShell,
	StepTypeParallel,
	StepTypeCheckpoint,
	StepTypeFanOut,
	StepTypeFanIn,
	StepTypeMapReduce,
	StepTypePassthrough,
}

// Strategy names for parallel groups.
const (
	StrategyPool        = "pool"
	StrategyCooperative = "cooperative"
	StrategyProcess     = "process"
)

// Defaults applied by the loader.
const (
	DefaultVersion             = "1.0"
	DefaultTokenBudget         = 100000
	DefaultWorkflowTimeoutSecs = 3600
	DefaultStepTimeoutSecs     = 300
	DefaultMaxRetries          = 3
	DefaultMaxParallelWorkers  = 4
	DefaultEstimatedTokens     = 1000
	DefaultMinStability        = 0.3
	DefaultMaxPasses           = 3
)

// =============================================================================
// Definition
// =============================================================================

// Condition is a field/operator/value predicate evaluated against the context.
type Condition struct {
	Field    string `yaml:"field" json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value" json:"value"`
}

// InputSpec declares one workflow input.
type InputSpec struct {
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// StringList accepts either a scalar or a sequence in YAML.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s == "" {
			*l = nil
			return nil
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list", node.Line)
	}
}

// StepSpec is one unit of work.
type StepSpec struct {
	ID             string         `yaml:"id" json:"id"`
	Type           string         `yaml:"type" json:"type"`
	Params         map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Condition      *Condition     `yaml:"condition,omitempty" json:"condition,omitempty"`
	OnFailure      OnFailure      `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	MaxRetries     int            `yaml:"max_retries" json:"max_retries"`
	TimeoutSeconds int            `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Outputs        []string       `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	DependsOn      StringList     `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// Timeout returns the per-attempt deadline, zero meaning none.
func (s *StepSpec) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Param returns a parameter or nil.
func (s *StepSpec) Param(key string) any {
	if s.Params == nil {
		return nil
	}
	return s.Params[key]
}

// Settings tune how a run is scheduled.
type Settings struct {
	AutoParallel             bool    `yaml:"auto_parallel" json:"auto_parallel"`
	MaxParallelWorkers       int     `yaml:"max_parallel_workers" json:"max_parallel_workers"`
	Strategy                 string  `yaml:"strategy" json:"strategy"`
	CoordinationEnabled      bool    `yaml:"coordination_enabled" json:"coordination_enabled"`
	CoordinationMinStability float64 `yaml:"coordination_min_stability" json:"coordination_min_stability"`
	CoordinationMaxPasses    int     `yaml:"coordination_max_passes" json:"coordination_max_passes"`
}

// Definition is a loaded workflow. Treat it as read-only once loaded.
type Definition struct {
	Name           string               `yaml:"name" json:"name"`
	Version        string               `yaml:"version" json:"version"`
	Description    string               `yaml:"description,omitempty" json:"description,omitempty"`
	TokenBudget    int                  `yaml:"token_budget" json:"token_budget"`
	TimeoutSeconds int                  `yaml:"timeout_seconds" json:"timeout_seconds"`
	Inputs         map[string]InputSpec `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs        []string             `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Steps          []StepSpec           `yaml:"steps" json:"steps"`
	Settings       Settings             `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// Timeout returns the run-level deadline, zero meaning none.
func (d *Definition) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Step looks a step up by id.
func (d *Definition) Step(id string) (*StepSpec, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StepIndex returns the position of a step, 0 when it is not found.
func (d *Definition) StepIndex(id string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return i
		}
	}
	return 0
}

// =============================================================================
// ExecutionContext
// =============================================================================

// ExecutionContext is the string-keyed state threaded through one run.
// Steps of one parallel group may read it concurrently; writes happen at
// group boundaries.
type ExecutionContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewExecutionContext creates a context seeded with initial values.
func NewExecutionContext(initial map[string]any) *ExecutionContext {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &ExecutionContext{values: values}
}

// Get returns a value by key.
func (c *ExecutionContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores a value.
func (c *ExecutionContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Merge stores every entry of values.
func (c *ExecutionContext) Merge(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.values[k] = v
	}
}

// Snapshot returns a shallow copy.
func (c *ExecutionContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Lookup resolves a dotted path ("build.artifact") through nested maps.
// An exact key match wins over path traversal.
func (c *ExecutionContext) Lookup(path string) (any, bool) {
	if v, ok := c.Get(path); ok {
		return v, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lookupPath(c.values, path)
}

func lookupPath(values map[string]any, path string) (any, bool) {
	var cur any = values
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		key := path[start:i]
		start = i + 1
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
