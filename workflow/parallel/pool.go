package parallel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/internal/pool"
)

// PoolStrategy runs each group on a bounded worker pool. It suits
// handlers that block on I/O.
type PoolStrategy struct {
	idleTimeout time.Duration
	logger      *zap.Logger
}

// NewPoolStrategy creates a pool strategy.
func NewPoolStrategy(logger *zap.Logger) *PoolStrategy {
	return &PoolStrategy{
		idleTimeout: pool.DefaultConfig().IdleTimeout,
		logger:      nopIfNil(logger).With(zap.String("strategy", NamePool)),
	}
}

// Name implements Strategy.
func (s *PoolStrategy) Name() string { return NamePool }

// RunGroup implements Strategy.
func (s *PoolStrategy) RunGroup(ctx context.Context, tasks []Task, opts Options) ([]TaskResult, error) {
	workers := effectiveConcurrency(opts, len(tasks))
	if workers == 0 {
		workers = 1
	}
	p := pool.New(pool.Config{
		MaxWorkers:  workers,
		QueueSize:   len(tasks),
		IdleTimeout: s.idleTimeout,
	})
	d := &poolDispatcher{ctx: ctx, pool: p}
	defer p.Close()

	results, err := schedule(ctx, tasks, opts, d, runTaskBody, s.logger)
	if err == nil {
		st := p.Stats()
		s.logger.Debug("group finished",
			zap.Int("tasks", len(tasks)),
			zap.Int("workers", workers),
			zap.Int("peak_active", st.PeakActive))
	}
	return results, err
}

type poolDispatcher struct {
	ctx  context.Context
	pool *pool.WorkerPool
}

func (d *poolDispatcher) dispatch(work func()) error {
	// 队列容量等于任务数，Submit 不会因为满而失败
	return d.pool.Submit(d.ctx, func(context.Context) error {
		work()
		return nil
	})
}

func (d *poolDispatcher) wait() { d.pool.Close() }
