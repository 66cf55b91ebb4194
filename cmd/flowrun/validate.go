package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/config"
	"github.com/BaSui01/flowrun/workflow"
)

// =============================================================================
// ✅ validate / graph 命令
// =============================================================================

// builtinRegistry 只含内置步骤类型的注册表
func builtinRegistry() *workflow.Registry {
	reg := workflow.NewRegistry()
	workflow.NewExecutor(reg)
	return reg
}

func runValidate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	watch := fs.Bool("watch", false, "Re-validate whenever a file changes")
	if err := fs.Parse(reorderFlags(args)); err != nil {
		// flag 已把错误写到 stderr
		return errUsage
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: flowrun validate [--watch] <workflow.yaml>...")
		return errUsage
	}

	reg := builtinRegistry()
	failed := validateFiles(fs.Args(), reg, stdout)
	if !*watch {
		if failed > 0 {
			return fmt.Errorf("%d of %d workflow(s) invalid", failed, fs.NArg())
		}
		return nil
	}

	logger := initLogger(config.DefaultLogConfig())
	defer logger.Sync()

	watcher, err := config.NewFileWatcher(fs.Args(), config.WithWatcherLogger(logger))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "watching %d file(s), Ctrl-C to stop\n", len(watcher.Paths()))
	err = watcher.Run(ctx, func(events []config.FileEvent) {
		var changed []string
		for _, ev := range events {
			if ev.Op == config.FileOpRemove {
				fmt.Fprintf(stdout, "removed %s\n", ev.Path)
				continue
			}
			changed = append(changed, ev.Path)
		}
		if len(changed) > 0 {
			validateFiles(changed, reg, stdout)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		logger.Error("watch stopped", zap.Error(err))
	}
	return err
}

// validateFiles 逐个严格校验，返回失败数
func validateFiles(paths []string, reg *workflow.Registry, w io.Writer) int {
	failed := 0
	for _, path := range paths {
		def, err := loadStrict(path, reg)
		if err != nil {
			failed++
			fmt.Fprintf(w, "FAIL %s\n", path)
			for _, line := range strings.Split(err.Error(), "\n") {
				fmt.Fprintf(w, "  %s\n", line)
			}
			continue
		}
		groups, _ := workflow.GroupSteps(def.Steps)
		fmt.Fprintf(w, "ok   %s (%s, %d steps, %d groups)\n", path, def.Name, len(def.Steps), len(groups))
	}
	return failed
}

func loadStrict(path string, reg *workflow.Registry) (*workflow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return workflow.ParseStrict(data, reg)
}

func runGraph(args []string, stdout, stderr io.Writer) error {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: flowrun graph <workflow.yaml>")
		return errUsage
	}
	def, err := loadStrict(args[0], builtinRegistry())
	if err != nil {
		return err
	}
	groups, err := workflow.GroupSteps(def.Steps)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "%s: %d steps in %d groups\n", def.Name, len(def.Steps), len(groups))
	for _, g := range groups {
		fmt.Fprintf(stdout, "  group %d: %s\n", g.Index, strings.Join(g.StepIDs, ", "))
	}
	return nil
}
