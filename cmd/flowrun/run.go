package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/flowrun/internal/telemetry"
	"github.com/BaSui01/flowrun/workflow"
)

// =============================================================================
// ▶️ run 命令
// =============================================================================

func runWorkflow(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	inputsFile := fs.String("inputs", "", "YAML or JSON file with workflow inputs")
	workflowID := fs.String("workflow-id", "", "Stored run to resume")
	resumeFrom := fs.String("resume-from", "", "Resume at this step")
	strategy := fs.String("strategy", "", "Override settings.strategy")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	inputs := inputFlag{}
	fs.Var(inputs, "input", "Workflow input key=value, repeatable")
	if err := fs.Parse(reorderFlags(args)); err != nil {
		// flag 已把错误写到 stderr
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: flowrun run <workflow.yaml> [options]")
		return errUsage
	}
	if *resumeFrom != "" && *workflowID == "" {
		return fmt.Errorf("--resume-from requires --workflow-id")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *strategy != "" {
		cfg.Engine.Strategy = *strategy
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = *metricsAddr
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	providers, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	def, err := workflow.LoadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	values := map[string]any{}
	if *inputsFile != "" {
		if values, err = readInputsFile(*inputsFile); err != nil {
			return err
		}
	}
	for k, v := range inputs {
		values[k] = v
	}

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		shutdown, err := eng.serveOps(cfg.Metrics.Addr)
		if err != nil {
			return err
		}
		eng.closers = append(eng.closers, shutdown)
	}
	eng.prepare(def)

	logger.Info("starting workflow",
		zap.String("workflow", def.Name),
		zap.String("strategy", def.Settings.Strategy),
		zap.Int("steps", len(def.Steps)),
	)

	var result *workflow.ExecutionResult
	if *workflowID != "" {
		result = eng.executor.Resume(ctx, def, *workflowID, *resumeFrom, values)
	} else {
		result = eng.executor.Execute(ctx, def, values)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if result.Status != workflow.ExecutionSuccess {
		if result.ResumeFrom != "" {
			return fmt.Errorf("workflow %s: resume with --workflow-id %s --resume-from %s",
				result.Status, result.WorkflowID, result.ResumeFrom)
		}
		return fmt.Errorf("workflow %s: %s", result.Status, result.Error)
	}
	return nil
}

// inputFlag 收集重复的 --input key=value
type inputFlag map[string]any

func (f inputFlag) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

// Set 值按 YAML 标量解析，"3" 得到整数，"true" 得到布尔值
func (f inputFlag) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("input %q must be key=value", s)
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		v = raw
	}
	if _, isMap := v.(map[string]any); isMap {
		v = raw
	}
	f[key] = v
	return nil
}

// readInputsFile 读取输入文件，JSON 作为 YAML 的子集一并支持
func readInputsFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inputs: %w", err)
	}
	values := map[string]any{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse inputs %s: %w", path, err)
	}
	return values, nil
}

// reorderFlags 允许参数写在工作流文件之后；位置参数放在 "--" 之后，
// 负数不会被当成 flag
func reorderFlags(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			positional = append(positional, args[i+1:]...)
			i = len(args)
		case strings.HasPrefix(a, "-") && !isNumber(a):
			flags = append(flags, a)
			if !strings.Contains(a, "=") && i+1 < len(args) && !isBoolFlag(a) {
				flags = append(flags, args[i+1])
				i++
			}
		default:
			positional = append(positional, a)
		}
	}
	flags = append(flags, "--")
	return append(flags, positional...)
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

var boolFlags = map[string]bool{"watch": true, "all": true}

func isBoolFlag(a string) bool {
	return boolFlags[strings.TrimLeft(a, "-")]
}
