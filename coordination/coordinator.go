package coordination

import "context"

// Intent is what one parallel step announces before the group runs.
type Intent struct {
	StepID      string   `json:"step_id"`
	Role        string   `json:"role"`
	Description string   `json:"description"`
	Provides    []string `json:"provides,omitempty"`
	Requires    []string `json:"requires,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// GateOptions bounds one stability check.
type GateOptions struct {
	// MinStability 每个意图的最低稳定度
	MinStability float64
	// MaxPasses 最多解析轮数
	MaxPasses int
	// Satisfied 已由前面的组满足的名称（步骤 id 或上下文键）
	Satisfied []string
}

// StabilityReport is the outcome of a stability check.
type StabilityReport struct {
	Converged           bool               `json:"converged"`
	MeanStability       float64            `json:"mean_stability"`
	MinStability        float64            `json:"min_stability"`
	StepStabilities     map[string]float64 `json:"step_stabilities,omitempty"`
	UnresolvedConflicts []string           `json:"unresolved_conflicts,omitempty"`
	Passes              int                `json:"passes"`
}

// Coordinator is the stability gate around a parallel group.
type Coordinator interface {
	Enabled() bool
	Publish(intent Intent)
	CheckStability(ctx context.Context, opts GateOptions) StabilityReport
	Reset()
}

// Noop is the disabled coordinator.
type Noop struct{}

// Enabled implements Coordinator.
func (Noop) Enabled() bool { return false }

// Publish implements Coordinator.
func (Noop) Publish(Intent) {}

// CheckStability implements Coordinator.
func (Noop) CheckStability(context.Context, GateOptions) StabilityReport {
	return StabilityReport{Converged: true, MeanStability: 1, MinStability: 1}
}

// Reset implements Coordinator.
func (Noop) Reset() {}
