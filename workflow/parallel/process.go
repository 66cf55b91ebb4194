package parallel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// WorkerRequest is written as one JSON document to a worker's stdin.
type WorkerRequest struct {
	TaskID  string         `json:"task_id"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// WorkerResponse is read back from the worker's stdout.
type WorkerResponse struct {
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// WorkerFunc serves one kind of isolated call inside a worker process.
type WorkerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// CommandFactory builds the command that runs one worker.
type CommandFactory func(ctx context.Context) (*exec.Cmd, error)

// SelfWorkerCommand re-executes the current binary with the "worker"
// subcommand.
func SelfWorkerCommand(ctx context.Context) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return exec.CommandContext(ctx, exe, "worker"), nil
}

// ProcessStrategy runs every task in its own worker process, giving
// CPU-bound handlers real isolation. Only tasks with an Isolated payload
// can run this way.
type ProcessStrategy struct {
	factory CommandFactory
	logger  *zap.Logger
}

// NewProcessStrategy creates a process strategy. A nil factory means
// SelfWorkerCommand.
func NewProcessStrategy(factory CommandFactory, logger *zap.Logger) *ProcessStrategy {
	if factory == nil {
		factory = SelfWorkerCommand
	}
	return &ProcessStrategy{
		factory: factory,
		logger:  nopIfNil(logger).With(zap.String("strategy", NameProcess)),
	}
}

// Name implements Strategy.
func (s *ProcessStrategy) Name() string { return NameProcess }

// RunGroup implements Strategy.
func (s *ProcessStrategy) RunGroup(ctx context.Context, tasks []Task, opts Options) ([]TaskResult, error) {
	d := newGroupDispatcher(effectiveConcurrency(opts, len(tasks)))
	return schedule(ctx, tasks, opts, d, s.runIsolated, s.logger)
}

func (s *ProcessStrategy) runIsolated(ctx context.Context, t *Task) (map[string]any, error) {
	if t.Isolated == nil {
		return nil, fmt.Errorf("task %s has no isolated payload and cannot run in a worker process", t.ID)
	}
	return s.Invoke(ctx, t.ID, *t.Isolated)
}

// Invoke runs one call in a fresh worker process and waits for its answer.
func (s *ProcessStrategy) Invoke(ctx context.Context, taskID string, call IsolatedCall) (map[string]any, error) {
	req, err := json.Marshal(WorkerRequest{TaskID: taskID, Kind: call.Kind, Payload: call.Payload})
	if err != nil {
		return nil, fmt.Errorf("encode worker request: %w", err)
	}

	cmd, err := s.factory(ctx)
	if err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(req)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug("starting worker", zap.String("task_id", taskID), zap.String("kind", call.Kind))
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var resp WorkerResponse
	if decErr := json.NewDecoder(&stdout).Decode(&resp); decErr != nil {
		if runErr != nil {
			return nil, fmt.Errorf("worker for %s exited: %w: %s", taskID, runErr, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("decode worker response for %s: %w", taskID, decErr)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if runErr != nil {
		return nil, fmt.Errorf("worker for %s exited: %w", taskID, runErr)
	}
	return resp.Output, nil
}

// ServeWorker answers a single request read from r and writes the response
// to w. Errors from the handler travel inside the response; the returned
// error only covers protocol failures.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer, handlers map[string]WorkerFunc) error {
	var req WorkerRequest
	if err := json.NewDecoder(bufio.NewReader(r)).Decode(&req); err != nil {
		return fmt.Errorf("decode worker request: %w", err)
	}

	var resp WorkerResponse
	if fn, ok := handlers[req.Kind]; !ok {
		resp.Error = fmt.Sprintf("no worker handler for kind %q", req.Kind)
	} else if out, err := safeWorker(ctx, fn, req.Payload); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Output = out
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("encode worker response: %w", err)
	}
	return nil
}

func safeWorker(ctx context.Context, fn WorkerFunc, payload map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v", r)
		}
	}()
	return fn(ctx, payload)
}
