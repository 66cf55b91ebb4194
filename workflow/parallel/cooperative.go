package parallel

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CooperativeStrategy runs each group as goroutines under an errgroup
// limit. It is the default strategy.
type CooperativeStrategy struct {
	logger *zap.Logger
}

// NewCooperativeStrategy creates a cooperative strategy.
func NewCooperativeStrategy(logger *zap.Logger) *CooperativeStrategy {
	return &CooperativeStrategy{logger: nopIfNil(logger).With(zap.String("strategy", NameCooperative))}
}

// Name implements Strategy.
func (s *CooperativeStrategy) Name() string { return NameCooperative }

// RunGroup implements Strategy.
func (s *CooperativeStrategy) RunGroup(ctx context.Context, tasks []Task, opts Options) ([]TaskResult, error) {
	return s.run(ctx, tasks, opts, runTaskBody)
}

func (s *CooperativeStrategy) run(ctx context.Context, tasks []Task, opts Options, exec execFunc) ([]TaskResult, error) {
	return schedule(ctx, tasks, opts, newGroupDispatcher(effectiveConcurrency(opts, len(tasks))), exec, s.logger)
}

// groupDispatcher blocks in dispatch while the limit is reached. Task
// errors are carried in results, so the errgroup itself never fails.
type groupDispatcher struct {
	g *errgroup.Group
}

func newGroupDispatcher(limit int) *groupDispatcher {
	g := &errgroup.Group{}
	if limit > 0 {
		g.SetLimit(limit)
	}
	return &groupDispatcher{g: g}
}

func (d *groupDispatcher) dispatch(work func()) error {
	d.g.Go(func() error {
		work()
		return nil
	})
	return nil
}

func (d *groupDispatcher) wait() { _ = d.g.Wait() }
