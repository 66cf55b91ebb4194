package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greetWorkflow = `
name: greet
inputs:
  name:
    required: true
  times:
    default: 1
outputs: [greeting]
settings:
  auto_parallel: true
steps:
  - id: hello
    type: passthrough
    params:
      values:
        greeting: "hello ${name}"
    outputs: [greeting]
  - id: left
    type: passthrough
    depends_on: hello
  - id: right
    type: passthrough
    depends_on: hello
  - id: done
    type: checkpoint
    depends_on: [left, right]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// testConfig 关闭 Prometheus 指标（promauto 全局注册只能一次），日志写入临时文件
func testConfig(t *testing.T, extra string) string {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "flowrun.log")
	return writeFile(t, "flowrun.yaml", `
log:
  level: debug
  output_paths: ["`+logPath+`"]
metrics:
  enabled: false
`+extra)
}

func TestRun_Dispatch(t *testing.T) {
	ctx := context.Background()
	var out, errOut bytes.Buffer

	assert.Equal(t, 2, run(ctx, nil, &out, &errOut))
	assert.Contains(t, errOut.String(), "Usage:")

	errOut.Reset()
	assert.Equal(t, 2, run(ctx, []string{"explode"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command: explode")

	out.Reset()
	assert.Equal(t, 0, run(ctx, []string{"version"}, &out, &errOut))
	assert.Contains(t, out.String(), "FlowRun ")

	out.Reset()
	assert.Equal(t, 0, run(ctx, []string{"help"}, &out, &errOut))
	assert.Contains(t, out.String(), "migrate")
}

func TestRun_ExecutesWorkflow(t *testing.T) {
	wf := writeFile(t, "greet.yaml", greetWorkflow)
	cfg := testConfig(t, "checkpoint:\n  backend: memory\n")

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"run", wf, "--config", cfg, "--input", "name=flow", "--input", "times=3"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	var result struct {
		Status     string         `json:"status"`
		WorkflowID string         `json:"workflow_id"`
		Outputs    map[string]any `json:"outputs"`
		Steps      []struct {
			StepID string `json:"step_id"`
			Status string `json:"status"`
		} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, "success", result.Status)
	assert.NotEmpty(t, result.WorkflowID)
	assert.Equal(t, "hello flow", result.Outputs["greeting"])
	assert.Len(t, result.Steps, 4)
}

func TestRun_MissingRequiredInput(t *testing.T) {
	wf := writeFile(t, "greet.yaml", greetWorkflow)
	cfg := testConfig(t, "")

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"run", "--config", cfg, wf}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "workflow failed")
}

func TestRun_UsageErrors(t *testing.T) {
	var out, errOut bytes.Buffer
	ctx := context.Background()

	assert.Equal(t, 2, run(ctx, []string{"run"}, &out, &errOut))
	assert.Equal(t, 1, run(ctx, []string{"run", "x.yaml", "--resume-from", "s"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "--resume-from requires --workflow-id")
	assert.Equal(t, 2, run(ctx, []string{"run", "x.yaml", "--input", "novalue"}, &out, &errOut))
}

func TestValidate(t *testing.T) {
	good := writeFile(t, "good.yaml", greetWorkflow)
	bad := writeFile(t, "bad.yaml", `
name: broken
steps:
  - id: a
    type: teleport
    depends_on: ghost
`)

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, run(context.Background(), []string{"validate", good}, &out, &errOut))
	assert.Contains(t, out.String(), "ok   "+good+" (greet, 4 steps, 3 groups)")

	out.Reset()
	assert.Equal(t, 1, run(context.Background(), []string{"validate", good, bad}, &out, &errOut))
	assert.Contains(t, out.String(), "FAIL "+bad)
	assert.Contains(t, errOut.String(), "1 of 2 workflow(s) invalid")
}

func TestGraph(t *testing.T) {
	wf := writeFile(t, "greet.yaml", greetWorkflow)

	var out, errOut bytes.Buffer
	require.Equal(t, 0, run(context.Background(), []string{"graph", wf}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "greet: 4 steps in 3 groups")
	assert.Contains(t, out.String(), "group 0: hello")
	assert.Contains(t, out.String(), "group 2: done")
}

func TestMigrate_SQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "flowrun.db")
	cfg := testConfig(t, "database:\n  driver: sqlite\n  name: "+dbPath+"\n")
	ctx := context.Background()

	var out, errOut bytes.Buffer
	require.Equal(t, 0, run(ctx, []string{"migrate", "up", "--config", cfg}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "Current version: 2")

	out.Reset()
	require.Equal(t, 0, run(ctx, []string{"migrate", "steps", "-1", "--config", cfg}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "Rolling back 1 migration(s)...")

	out.Reset()
	require.Equal(t, 0, run(ctx, []string{"migrate", "reset", "--config", cfg}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "All migrations rolled back.")
}

func TestReorderFlags(t *testing.T) {
	got := reorderFlags([]string{"wf.yaml", "--input", "a=1", "--watch", "-1", "--config=c.yaml"})
	assert.Equal(t, []string{"--input", "a=1", "--watch", "--config=c.yaml", "--", "wf.yaml", "-1"}, got)
}

func TestInputFlag(t *testing.T) {
	f := inputFlag{}
	require.NoError(t, f.Set("count=3"))
	require.NoError(t, f.Set("dry=true"))
	require.NoError(t, f.Set("name=flow"))
	require.NoError(t, f.Set("pair=a: b"))
	require.NoError(t, f.Set("empty="))
	assert.Error(t, f.Set("=x"))

	assert.Equal(t, 3, f["count"])
	assert.Equal(t, true, f["dry"])
	assert.Equal(t, "flow", f["name"])
	assert.Equal(t, "a: b", f["pair"])
	assert.Equal(t, "", f["empty"])
}

func TestReadInputsFile(t *testing.T) {
	jsonPath := writeFile(t, "in.json", `{"topic": "go", "depth": 2}`)
	values, err := readInputsFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "go", values["topic"])
	assert.Equal(t, 2, values["depth"])

	_, err = readInputsFile(writeFile(t, "bad.yaml", "- [unterminated"))
	assert.Error(t, err)
}

func TestWorkerCommandFactory(t *testing.T) {
	factory, err := workerCommandFactory(`/usr/local/bin/flowrun worker --label "a b"`)
	require.NoError(t, err)
	cmd, err := factory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/local/bin/flowrun", "worker", "--label", "a b"}, cmd.Args)

	_, err = workerCommandFactory(`"unterminated`)
	assert.Error(t, err)
	_, err = workerCommandFactory("   ")
	assert.Error(t, err)
}
