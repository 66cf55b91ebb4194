package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/flowrun/types"
)

// rawStep mirrors StepSpec with pointer fields so that omitted values can
// be told apart from explicit zeroes when defaults are applied.
type rawStep struct {
	ID             string         `yaml:"id"`
	Type           string         `yaml:"type"`
	Params         map[string]any `yaml:"params"`
	Condition      *Condition     `yaml:"condition"`
	OnFailure      *string        `yaml:"on_failure"`
	MaxRetries     *int           `yaml:"max_retries"`
	TimeoutSeconds *int           `yaml:"timeout_seconds"`
	Outputs        []string       `yaml:"outputs"`
	DependsOn      StringList     `yaml:"depends_on"`
}

type rawSettings struct {
	AutoParallel             bool     `yaml:"auto_parallel"`
	MaxParallelWorkers       *int     `yaml:"max_parallel_workers"`
	Strategy                 string   `yaml:"strategy"`
	CoordinationEnabled      bool     `yaml:"coordination_enabled"`
	CoordinationMinStability *float64 `yaml:"coordination_min_stability"`
	CoordinationMaxPasses    *int     `yaml:"coordination_max_passes"`
}

type rawDefinition struct {
	Name           string               `yaml:"name"`
	Version        string               `yaml:"version"`
	Description    string               `yaml:"description"`
	TokenBudget    *int                 `yaml:"token_budget"`
	TimeoutSeconds *int                 `yaml:"timeout_seconds"`
	Inputs         map[string]InputSpec `yaml:"inputs"`
	Outputs        []string             `yaml:"outputs"`
	Steps          []rawStep            `yaml:"steps"`
	Settings       rawSettings          `yaml:"settings"`
}

// LoadFile reads and parses a workflow definition (YAML or JSON).
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a definition and applies defaults. It does not validate;
// see ParseStrict.
func Parse(data []byte) (*Definition, error) {
	var raw rawDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, types.NewError(types.ErrValidation, "parse workflow definition").WithCause(err)
	}
	return raw.toDefinition(), nil
}

// ParseStrict parses and validates, returning every problem at once.
func ParseStrict(data []byte, reg *Registry) (*Definition, error) {
	def, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := ValidateDefinition(def, reg); err != nil {
		return nil, err
	}
	return def, nil
}

// DecodeStep converts a loosely typed map (e.g. a sub-step under a
// parallel step's params) into a StepSpec with defaults applied.
func DecodeStep(m map[string]any) (StepSpec, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return StepSpec{}, fmt.Errorf("encode step: %w", err)
	}
	var raw rawStep
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return StepSpec{}, fmt.Errorf("decode step: %w", err)
	}
	return raw.toStep(), nil
}

func (r *rawDefinition) toDefinition() *Definition {
	def := &Definition{
		Name:           r.Name,
		Version:        r.Version,
		Description:    r.Description,
		TokenBudget:    intOr(r.TokenBudget, DefaultTokenBudget),
		TimeoutSeconds: intOr(r.TimeoutSeconds, DefaultWorkflowTimeoutSecs),
		Inputs:         r.Inputs,
		Outputs:        r.Outputs,
		Settings: Settings{
			AutoParallel:             r.Settings.AutoParallel,
			MaxParallelWorkers:       intOr(r.Settings.MaxParallelWorkers, DefaultMaxParallelWorkers),
			Strategy:                 r.Settings.Strategy,
			CoordinationEnabled:      r.Settings.CoordinationEnabled,
			CoordinationMinStability: DefaultMinStability,
			CoordinationMaxPasses:    intOr(r.Settings.CoordinationMaxPasses, DefaultMaxPasses),
		},
	}
	if def.Version == "" {
		def.Version = DefaultVersion
	}
	if def.Settings.Strategy == "" {
		def.Settings.Strategy = StrategyCooperative
	}
	if r.Settings.CoordinationMinStability != nil {
		def.Settings.CoordinationMinStability = *r.Settings.CoordinationMinStability
	}
	def.Steps = make([]StepSpec, 0, len(r.Steps))
	for i := range r.Steps {
		def.Steps = append(def.Steps, r.Steps[i].toStep())
	}
	return def
}

func (r *rawStep) toStep() StepSpec {
	step := StepSpec{
		ID:             r.ID,
		Type:           r.Type,
		Params:         r.Params,
		Condition:      r.Condition,
		OnFailure:      OnFailureAbort,
		MaxRetries:     intOr(r.MaxRetries, DefaultMaxRetries),
		TimeoutSeconds: intOr(r.TimeoutSeconds, DefaultStepTimeoutSecs),
		Outputs:        r.Outputs,
		DependsOn:      r.DependsOn,
	}
	if r.OnFailure != nil {
		step.OnFailure = OnFailure(*r.OnFailure)
	}
	if step.Params == nil {
		step.Params = map[string]any{}
	}
	return step
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
