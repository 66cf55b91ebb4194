package parallel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TaskStatus 任务最终状态
type TaskStatus string

const (
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
	// TaskCancelled 因 fail_fast、依赖失败或上游取消而未完成，区别于 failed
	TaskCancelled TaskStatus = "cancelled"
)

// IsolatedCall describes work that can be shipped to a worker process.
type IsolatedCall struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Task 并行组中的一个任务
type Task struct {
	ID string
	// DependsOn 组内依赖，只有依赖全部成功后才会启动
	DependsOn []string
	// Provider 显式指定的外部提供方，留空时按 Metadata 推断
	Provider string
	Metadata map[string]string
	// Isolated 供 process 策略使用；其它策略调用 Run
	Isolated *IsolatedCall
	Run      func(ctx context.Context) (map[string]any, error)
}

// TaskResult 任务结果
type TaskResult struct {
	ID       string         `json:"id"`
	Status   TaskStatus     `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Err      error          `json:"-"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
	Provider string         `json:"provider,omitempty"`
}

// Options 控制一次 RunGroup
type Options struct {
	// Concurrency 全局并发上限，<=0 表示与任务数相同
	Concurrency int
	// TaskTimeout 单任务超时，0 表示不限制
	TaskTimeout time.Duration
	// FailFast 首个失败后取消尚未开始或尚未完成的任务
	FailFast bool
}

// Strategy runs one group of mutually independent (or intra-group
// dependent) tasks. The returned slice is in input order. The error is
// reserved for structural problems (duplicate ids, cycles, unknown
// dependencies); task failures are reported per result.
type Strategy interface {
	Name() string
	RunGroup(ctx context.Context, tasks []Task, opts Options) ([]TaskResult, error)
}

// Strategy names.
const (
	NamePool        = "pool"
	NameCooperative = "cooperative"
	NameProcess     = "process"
	NameRateLimited = "rate_limited"
)

// New returns a strategy by name. The process strategy re-executes the
// current binary with the "worker" argument.
func New(name string, logger *zap.Logger) (Strategy, error) {
	switch name {
	case NamePool:
		return NewPoolStrategy(logger), nil
	case NameCooperative, "":
		return NewCooperativeStrategy(logger), nil
	case NameProcess:
		return NewProcessStrategy(nil, logger), nil
	default:
		return nil, fmt.Errorf("unknown parallel strategy %q", name)
	}
}

// Summary counts results by status.
type Summary struct {
	Successful []string `json:"successful"`
	Failed     []string `json:"failed"`
	Cancelled  []string `json:"cancelled"`
}

// Summarize splits task ids by status, keeping input order.
func Summarize(results []TaskResult) Summary {
	s := Summary{Successful: []string{}, Failed: []string{}, Cancelled: []string{}}
	for _, r := range results {
		switch r.Status {
		case TaskSuccess:
			s.Successful = append(s.Successful, r.ID)
		case TaskFailed:
			s.Failed = append(s.Failed, r.ID)
		case TaskCancelled:
			s.Cancelled = append(s.Cancelled, r.ID)
		}
	}
	return s
}

func nopIfNil(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
