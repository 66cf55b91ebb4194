package workflow

import (
	"fmt"
	"sort"

	"github.com/BaSui01/flowrun/types"
)

// 合法的条件运算符
var validOperators = map[string]bool{
	OpEquals:      true,
	OpNotEquals:   true,
	OpContains:    true,
	OpGreaterThan: true,
	OpLessThan:    true,
}

var validOnFailure = map[OnFailure]bool{
	OnFailureAbort: true,
	OnFailureSkip:  true,
	OnFailureRetry: true,
}

var validStrategies = map[string]bool{
	StrategyPool:        true,
	StrategyCooperative: true,
	StrategyProcess:     true,
}

// Validate 校验工作流定义，累积全部错误而不是遇到第一个就返回。
// reg 为 nil 时只接受内置步骤类型。
func Validate(def *Definition, reg *Registry) []error {
	var errs []error
	if def == nil {
		return []error{fmt.Errorf("workflow definition is nil")}
	}

	// 基础字段
	if def.Name == "" {
		errs = append(errs, fmt.Errorf("workflow name is required"))
	}
	if len(def.Steps) == 0 {
		errs = append(errs, fmt.Errorf("workflow must have at least one step"))
	}
	if def.TokenBudget < 1000 {
		errs = append(errs, fmt.Errorf("token_budget must be at least 1000, got %d", def.TokenBudget))
	}
	if def.TimeoutSeconds < 60 {
		errs = append(errs, fmt.Errorf("timeout_seconds must be at least 60, got %d", def.TimeoutSeconds))
	}
	if def.Settings.Strategy != "" && !validStrategies[def.Settings.Strategy] {
		errs = append(errs, fmt.Errorf("invalid settings.strategy %q", def.Settings.Strategy))
	}
	if def.Settings.MaxParallelWorkers < 0 {
		errs = append(errs, fmt.Errorf("settings.max_parallel_workers must be >= 0"))
	}
	if s := def.Settings.CoordinationMinStability; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("settings.coordination_min_stability must be within [0, 1]"))
	}

	known := knownTypes(reg)

	// 收集所有步骤 ID
	ids := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		id := def.Steps[i].ID
		if id == "" {
			errs = append(errs, fmt.Errorf("step %d: id is required", i))
			continue
		}
		if ids[id] {
			errs = append(errs, fmt.Errorf("duplicate step ID: %s", id))
		}
		ids[id] = true
	}

	for i := range def.Steps {
		errs = append(errs, validateStep(&def.Steps[i], i, known)...)
	}

	// 引用完整性：depends_on 必须指向同一工作流中存在的步骤
	var dangling []string
	for i := range def.Steps {
		step := &def.Steps[i]
		for _, dep := range step.DependsOn {
			switch {
			case dep == step.ID:
				errs = append(errs, fmt.Errorf("step %s: cannot depend on itself", step.ID))
			case !ids[dep]:
				dangling = append(dangling, step.ID+" -> "+dep)
			}
		}
	}
	if len(dangling) > 0 {
		errs = append(errs, types.NewDanglingDependencyError(dangling))
	}

	// 未声明的 depends_on 已经报告过，这里只检测环
	if len(errs) == 0 {
		if _, err := GroupSteps(def.Steps); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

// ValidateDefinition wraps Validate into a single ValidationError. When the
// only problem is the dependency graph itself, the CycleError or
// DanglingDependencyError is returned as is.
func ValidateDefinition(def *Definition, reg *Registry) error {
	errs := Validate(def, reg)
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		if te, ok := types.AsError(errs[0]); ok && (te.Code == types.ErrCycle || te.Code == types.ErrDanglingDependency) {
			return te
		}
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return types.NewValidationError(msgs)
}

func validateStep(step *StepSpec, index int, known map[string]bool) []error {
	var errs []error
	label := step.ID
	if label == "" {
		label = fmt.Sprintf("#%d", index)
	}

	if step.Type == "" {
		errs = append(errs, fmt.Errorf("step %s: type is required", label))
	} else if !known[step.Type] {
		errs = append(errs, fmt.Errorf("step %s: unknown step type %q", label, step.Type))
	}
	if !validOnFailure[step.OnFailure] {
		errs = append(errs, fmt.Errorf("step %s: invalid on_failure %q (want abort, skip or retry)", label, step.OnFailure))
	}
	if step.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("step %s: max_retries must be >= 0", label))
	}
	if step.TimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("step %s: timeout_seconds must be at least 1", label))
	}
	if c := step.Condition; c != nil {
		if c.Field == "" {
			errs = append(errs, fmt.Errorf("step %s: condition.field is required", label))
		}
		if c.Operator == "" {
			errs = append(errs, fmt.Errorf("step %s: condition.operator is required", label))
		} else if !validOperators[c.Operator] {
			errs = append(errs, fmt.Errorf("step %s: invalid condition operator %q", label, c.Operator))
		}
	}
	return errs
}

func knownTypes(reg *Registry) map[string]bool {
	known := make(map[string]bool, len(BuiltinStepTypes))
	for _, t := range BuiltinStepTypes {
		known[t] = true
	}
	if reg != nil {
		for _, t := range reg.Types() {
			known[t] = true
		}
	}
	return known
}

// sortedKeys is shared by code that needs deterministic map iteration.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
