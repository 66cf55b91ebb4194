package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/flowrun/workflow/parallel"
)

// IsolatedStepKind is the worker request kind for one step attempt.
const IsolatedStepKind = "step"

// isolatedCall packs a step attempt for a worker process. The context
// snapshot must be JSON encodable.
func isolatedCall(step *StepSpec, ectx *ExecutionContext, workflowID string) (parallel.IsolatedCall, error) {
	stepMap, err := toJSONMap(step)
	if err != nil {
		return parallel.IsolatedCall{}, fmt.Errorf("encode step %s for worker: %w", step.ID, err)
	}
	values, err := toJSONMap(ectx.Snapshot())
	if err != nil {
		return parallel.IsolatedCall{}, fmt.Errorf("encode context for step %s: %w", step.ID, err)
	}
	return parallel.IsolatedCall{
		Kind: IsolatedStepKind,
		Payload: map[string]any{
			"step":        stepMap,
			"context":     values,
			"workflow_id": workflowID,
		},
	}, nil
}

// IsolatedStepWorker serves step attempts inside a worker process using
// the handlers of reg. The attempt's deadline is enforced by the parent,
// which kills the worker when it passes.
func IsolatedStepWorker(reg *Registry) map[string]parallel.WorkerFunc {
	return map[string]parallel.WorkerFunc{
		IsolatedStepKind: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			var step StepSpec
			if err := fromJSONMap(payload["step"], &step); err != nil {
				return nil, fmt.Errorf("decode step: %w", err)
			}
			h, ok := reg.Lookup(step.Type)
			if !ok {
				return nil, fmt.Errorf("Unknown step type: %s", step.Type)
			}
			values, _ := payload["context"].(map[string]any)
			workflowID, _ := payload["workflow_id"].(string)
			ctx = withRunInfo(ctx, RunInfo{WorkflowID: workflowID})
			return h.Execute(ctx, &step, NewExecutionContext(values))
		},
	}
}

func toJSONMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromJSONMap(v any, dst any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
