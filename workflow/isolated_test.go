package workflow

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowrun/workflow/parallel"
)

func workerRegistry() *Registry {
	reg := NewRegistry()
	reg.RegisterFunc("pid", func(_ context.Context, s *StepSpec, ectx *ExecutionContext) (map[string]any, error) {
		prefix, _ := ectx.Get("prefix")
		return map[string]any{
			"response": fmt.Sprintf("%v-%s", prefix, strings.ToUpper(s.ID)),
			"pid":      os.Getpid(),
		}, nil
	})
	return reg
}

// TestWorkerProcess is the child side of the isolation tests.
func TestWorkerProcess(t *testing.T) {
	if os.Getenv("FLOWRUN_TEST_WORKER") != "1" {
		return
	}
	reg := workerRegistry()
	NewExecutor(reg)
	if err := parallel.ServeWorker(context.Background(), os.Stdin, os.Stdout, IsolatedStepWorker(reg)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(0)
}

func workerCommand(ctx context.Context) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestWorkerProcess")
	cmd.Env = append(os.Environ(), "FLOWRUN_TEST_WORKER=1")
	return cmd, nil
}

func TestProcessStrategyIsolatesHandlers(t *testing.T) {
	def := testDefinition(true, step("a", "pid"), step("b", "pid"), step("c", "pid", "a", "b"))
	def.Settings.Strategy = StrategyProcess

	e, _ := newTestExecutor(t, workerRegistry(), WithProcessCommand(workerCommand))
	res := e.Execute(context.Background(), def, map[string]any{"prefix": "run"})

	require.Equal(t, ExecutionSuccess, res.Status, res.Error)
	for _, id := range []string{"a", "b", "c"} {
		sr, ok := res.Step(id)
		require.True(t, ok)
		assert.Equal(t, "run-"+strings.ToUpper(id), sr.Output["response"])
		// JSON 解码后数字为 float64
		assert.NotEqual(t, float64(os.Getpid()), sr.Output["pid"])
	}
}

func TestIsolatedStepWorker(t *testing.T) {
	s := &StepSpec{ID: "x", Type: "pid", Params: map[string]any{}, DependsOn: StringList{"a"}}
	call, err := isolatedCall(s, NewExecutionContext(map[string]any{"prefix": "p"}), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, IsolatedStepKind, call.Kind)

	workers := IsolatedStepWorker(workerRegistry())
	out, err := workers[IsolatedStepKind](context.Background(), call.Payload)
	require.NoError(t, err)
	assert.Equal(t, "p-X", out["response"])

	call.Payload["step"].(map[string]any)["type"] = "missing"
	_, err = workers[IsolatedStepKind](context.Background(), call.Payload)
	assert.ErrorContains(t, err, "Unknown step type: missing")
}

func TestIsolatedCallRejectsUnencodableContext(t *testing.T) {
	s := &StepSpec{ID: "x", Type: "pid"}
	_, err := isolatedCall(s, NewExecutionContext(map[string]any{"ch": make(chan int)}), "")
	assert.Error(t, err)
}
