package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
)

// Shell 默认值
const (
	DefaultMaxOutputBytes = 64 * 1024
	truncatedMarker       = "\n... [OUTPUT TRUNCATED]"
	maxStderrInError      = 1000
)

// varPattern matches ${name} and ${name.path} references.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

// ShellHandler runs params.command with `sh -c`.
type ShellHandler struct {
	shell  string
	logger *zap.Logger
}

// NewShellHandler creates the shell step handler.
func NewShellHandler(logger *zap.Logger) *ShellHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShellHandler{shell: "sh", logger: logger.With(zap.String("component", "shell_handler"))}
}

// Name implements NamedHandler.
func (h *ShellHandler) Name() string { return "shell" }

// Execute implements Handler.
func (h *ShellHandler) Execute(ctx context.Context, step *StepSpec, ectx *ExecutionContext) (map[string]any, error) {
	command := stringParam(step.Params, "command", "")
	if command == "" {
		return nil, errors.New("shell step requires 'command' parameter")
	}

	escape := toBool(step.Param("escape_variables"), true)
	command = substituteVars(command, ectx.Snapshot(), func(s string) string {
		if escape {
			return shellquote.Join(s)
		}
		return s
	})
	if _, err := shellquote.Split(command); err != nil {
		return nil, fmt.Errorf("invalid shell command: %w", err)
	}

	// params.timeout 只能收紧步骤超时
	if secs := toInt(step.Param("timeout"), 0); secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.shell, "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// 子进程继承输出管道时，超时后不再等待其退出
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("command interrupted: %w", ctx.Err())
		case errors.As(err, &exitErr):
			code = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("run command: %w", err)
		}
	}

	limit := toInt(step.Param("max_output_bytes"), DefaultMaxOutputBytes)
	out := map[string]any{
		"stdout":     truncateOutput(stdout.String(), limit),
		"stderr":     truncateOutput(stderr.String(), limit),
		"returncode": code,
	}
	h.logger.Debug("command finished",
		zap.String("step_id", step.ID),
		zap.Int("returncode", code),
		zap.Duration("duration", time.Since(start)))

	if code != 0 && !toBool(step.Param("allow_failure"), false) {
		return nil, fmt.Errorf("Command failed with code %d: %s", code, truncateRunes(stderr.String(), maxStderrInError))
	}
	return out, nil
}

func truncateOutput(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + truncatedMarker
}

// substituteVars replaces ${name} with the context value. Unknown names
// are left untouched.
func substituteVars(text string, values map[string]any, quote func(string) string) string {
	return varPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := varPattern.FindStringSubmatch(m)[1]
		v, ok := lookupPath(values, name)
		if !ok {
			return m
		}
		s := stringify(v)
		if quote != nil {
			return quote(s)
		}
		return s
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, " ")
	default:
		return fmt.Sprint(t)
	}
}
