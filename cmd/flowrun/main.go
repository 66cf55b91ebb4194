// =============================================================================
// FlowRun 主入口
// =============================================================================
// 工作流执行、校验、数据库迁移与进程隔离 worker
//
// 使用方法:
//
//	flowrun run workflow.yaml --input repo=flowrun   # 执行工作流
//	flowrun run workflow.yaml --resume-from deploy --workflow-id <id>
//	flowrun validate workflow.yaml [--watch]         # 严格校验
//	flowrun graph workflow.yaml                      # 打印并行组
//	flowrun migrate up                               # 运行数据库迁移
//	flowrun worker                                   # 进程隔离 worker（由引擎启动）
//	flowrun version                                  # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/flowrun/config"
	"github.com/BaSui01/flowrun/internal/telemetry"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = ""
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// errUsage 参数错误，已打印用法
var errUsage = errors.New("usage error")

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	var err error
	switch args[0] {
	case "run":
		err = runWorkflow(ctx, args[1:], stdout, stderr)
	case "validate":
		err = runValidate(ctx, args[1:], stdout, stderr)
	case "graph":
		err = runGraph(args[1:], stdout, stderr)
	case "migrate":
		err = runMigrate(ctx, args[1:], stdout, stderr)
	case "worker":
		err = runWorker(ctx, os.Stdin, stdout)
	case "version":
		printVersion(stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		return 2
	default:
		fmt.Fprintf(stderr, "flowrun %s: %v\n", args[0], err)
		return 1
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	v := Version
	if v == "" {
		v = telemetry.BuildVersion()
	}
	fmt.Fprintf(w, "FlowRun %s\n", v)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `FlowRun - workflow scheduling and execution engine

Usage:
  flowrun <command> [options]

Commands:
  run       Execute (or resume) a workflow file
  validate  Strictly validate workflow files
  graph     Print the parallel groups of a workflow
  migrate   Database migration commands
  worker    Serve one isolated step over stdin/stdout
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>        Path to configuration file (YAML)
  --input key=value      Workflow input, repeatable
  --inputs <path>        YAML or JSON file with workflow inputs
  --workflow-id <id>     Stored run to resume
  --resume-from <step>   Resume at this step
  --strategy <name>      Override settings.strategy (pool, cooperative, process)
  --metrics-addr <addr>  Serve Prometheus metrics on this address

Options for 'validate':
  --watch                Re-validate whenever a file changes

Examples:
  flowrun run deploy.yaml --input env=staging
  flowrun validate --watch workflows/*.yaml
  flowrun migrate status --config /etc/flowrun/config.yaml
  flowrun version`)
}

// =============================================================================
// 🔧 配置与日志
// =============================================================================

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader().WithValidator(func(c *config.Config) error { return c.Validate() })
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	zapConfig.DisableCaller = !cfg.EnableCaller
	zapConfig.DisableStacktrace = !cfg.EnableStacktrace

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
