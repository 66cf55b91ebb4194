package parallel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/types"
)

// dispatcher is how a strategy puts ready work onto its workers. dispatch
// may block while the strategy is at its concurrency ceiling.
type dispatcher interface {
	dispatch(work func()) error
	wait()
}

// execFunc runs the body of one task.
type execFunc func(ctx context.Context, t *Task) (map[string]any, error)

func runTaskBody(ctx context.Context, t *Task) (map[string]any, error) {
	if t.Run == nil {
		return nil, fmt.Errorf("task %s has no Run function", t.ID)
	}
	return t.Run(ctx)
}

type taskState int

const (
	stateWaiting taskState = iota
	stateDispatched
	stateFinished
)

// errPeerFailed is the cancellation cause recorded when fail_fast fires.
var errPeerFailed = errors.New("cancelled after a peer task failed")

// schedule is the ready-set loop shared by every strategy: a task is
// dispatched once each of its intra-group dependencies has succeeded;
// dependents of a failed or cancelled task are cancelled without running.
func schedule(ctx context.Context, tasks []Task, opts Options, d dispatcher, exec execFunc, logger *zap.Logger) ([]TaskResult, error) {
	index, err := validateTasks(tasks)
	if err != nil {
		return nil, err
	}

	n := len(tasks)
	results := make([]TaskResult, n)
	if n == 0 {
		return results, nil
	}

	groupCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	states := make([]taskState, n)
	done := make(chan int, n)

	work := func(i int) func() {
		return func() {
			results[i] = execute(groupCtx, &tasks[i], opts, exec, func() {
				// 先取消再释放并发槽位，排队中的任务会看到取消
				if opts.FailFast {
					cancel(errPeerFailed)
				}
			})
			done <- i
		}
	}

	finish := func(i int, status TaskStatus, cause error) {
		states[i] = stateFinished
		results[i] = TaskResult{ID: tasks[i].ID, Status: status, Err: cause, Provider: tasks[i].Provider}
		if cause != nil {
			results[i].Error = cause.Error()
		}
	}

	remaining := n
	for remaining > 0 {
		// 反复扫描直到没有状态变化：依赖取消会级联
		for changed := true; changed; {
			changed = false
			for i := range tasks {
				if states[i] != stateWaiting {
					continue
				}
				blocked := false
				var badDep string
				for _, dep := range tasks[i].DependsOn {
					j := index[dep]
					if states[j] != stateFinished {
						blocked = true
						break
					}
					if results[j].Status != TaskSuccess {
						badDep = dep
						break
					}
				}
				switch {
				case badDep != "":
					finish(i, TaskCancelled, fmt.Errorf("dependency %s did not succeed", badDep))
					remaining--
					changed = true
				case blocked:
				case groupCtx.Err() != nil:
					finish(i, TaskCancelled, cancelCause(groupCtx))
					remaining--
					changed = true
				default:
					states[i] = stateDispatched
					if err := d.dispatch(work(i)); err != nil {
						finish(i, TaskFailed, fmt.Errorf("dispatch task %s: %w", tasks[i].ID, err))
						remaining--
						changed = true
					}
				}
			}
		}

		if remaining == 0 {
			break
		}
		i := <-done
		states[i] = stateFinished
		remaining--
		if results[i].Status == TaskFailed {
			logger.Debug("task failed", zap.String("task_id", tasks[i].ID), zap.Error(results[i].Err))
		}
	}

	d.wait()
	return results, nil
}

// execute runs one task under the group context and classifies the outcome.
func execute(groupCtx context.Context, t *Task, opts Options, exec execFunc, onFailure func()) TaskResult {
	res := TaskResult{ID: t.ID, Provider: t.Provider}

	// 获得槽位后再检查一次：fail_fast 之后不得再有任务进入 running
	if groupCtx.Err() != nil {
		res.Status = TaskCancelled
		res.Err = cancelCause(groupCtx)
		res.Error = res.Err.Error()
		return res
	}

	taskCtx := groupCtx
	var cancelTask context.CancelFunc
	if opts.TaskTimeout > 0 {
		taskCtx, cancelTask = context.WithTimeout(groupCtx, opts.TaskTimeout)
		defer cancelTask()
	}

	start := time.Now()
	out, err := safeExec(taskCtx, t, exec)
	res.Duration = time.Since(start)

	switch {
	case err == nil:
		res.Status = TaskSuccess
		res.Output = out
	case groupCtx.Err() != nil:
		res.Status = TaskCancelled
		res.Err = fmt.Errorf("%w: %v", cancelCause(groupCtx), err)
	case opts.TaskTimeout > 0 && errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		res.Status = TaskFailed
		res.Err = types.NewTimeoutError(t.ID, opts.TaskTimeout).WithCause(err)
	default:
		res.Status = TaskFailed
		res.Err = err
	}
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	if res.Status == TaskFailed {
		onFailure()
	}
	return res
}

func safeExec(ctx context.Context, t *Task, exec execFunc) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.ID, r)
		}
	}()
	return exec(ctx, t)
}

func cancelCause(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// validateTasks rejects duplicate ids, unknown dependencies and cycles
// before anything starts.
func validateTasks(tasks []Task) (map[string]int, error) {
	index := make(map[string]int, len(tasks))
	for i := range tasks {
		id := tasks[i].ID
		if id == "" {
			return nil, types.NewError(types.ErrValidation, fmt.Sprintf("task %d has no id", i))
		}
		if _, dup := index[id]; dup {
			return nil, types.NewError(types.ErrValidation, "duplicate task id: "+id)
		}
		index[id] = i
	}

	var dangling []string
	indegree := make([]int, len(tasks))
	dependents := make([][]int, len(tasks))
	for i := range tasks {
		for _, dep := range tasks[i].DependsOn {
			j, ok := index[dep]
			if !ok {
				dangling = append(dangling, tasks[i].ID+" -> "+dep)
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}
	if len(dangling) > 0 {
		return nil, types.NewDanglingDependencyError(dangling)
	}

	// Kahn 检测组内环
	queue := make([]int, 0, len(tasks))
	for i := range tasks {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	seen := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		seen++
		for _, k := range dependents[i] {
			indegree[k]--
			if indegree[k] == 0 {
				queue = append(queue, k)
			}
		}
	}
	if seen < len(tasks) {
		var stuck []string
		for i := range tasks {
			if indegree[i] > 0 {
				stuck = append(stuck, tasks[i].ID)
			}
		}
		return nil, types.NewCycleError(stuck)
	}
	return index, nil
}

func effectiveConcurrency(opts Options, n int) int {
	if opts.Concurrency <= 0 || opts.Concurrency > n {
		return n
	}
	return opts.Concurrency
}
