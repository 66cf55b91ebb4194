// Package pool provides a bounded worker pool used by the pool parallel strategy.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Job is one unit of work. The context is the one given at submission.
type Job func(ctx context.Context) error

// WorkerPool runs jobs on at most MaxWorkers goroutines. Workers are spawned
// lazily and retire after IdleTimeout without work.
type WorkerPool struct {
	maxWorkers  int
	queue       chan job
	workerCount atomic.Int32
	activeCount atomic.Int32
	peakActive  atomic.Int32
	closed      atomic.Bool
	closeMu     sync.RWMutex
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

type job struct {
	fn  Job
	ctx context.Context
}

// Config configures the pool.
type Config struct {
	MaxWorkers   int           `json:"max_workers" yaml:"max_workers"`
	QueueSize    int           `json:"queue_size" yaml:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	PanicHandler func(any)     `json:"-" yaml:"-"`
}

// DefaultConfig returns defaults sized for one parallel group.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  4,
		QueueSize:   64,
		IdleTimeout: 60 * time.Second,
	}
}

// New creates a worker pool.
func New(config Config) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 60 * time.Second
	}
	return &WorkerPool{
		maxWorkers:   config.MaxWorkers,
		queue:        make(chan job, config.QueueSize),
		idleTimeout:  config.IdleTimeout,
		panicHandler: config.PanicHandler,
	}
}

// Submit enqueues a job without blocking. It fails with ErrPoolFull when
// the queue has no room.
func (p *WorkerPool) Submit(ctx context.Context, fn Job) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	select {
	case p.queue <- job{fn: fn, ctx: ctx}:
		p.ensureWorker()
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// SubmitWait enqueues a job, waiting for queue room until ctx is done.
// It does not wait for the job itself.
func (p *WorkerPool) SubmitWait(ctx context.Context, fn Job) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	p.ensureWorker()
	select {
	case p.queue <- job{fn: fn, ctx: ctx}:
		p.ensureWorker()
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
}

func (p *WorkerPool) ensureWorker() {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return
		}
		// 只在有排队任务时扩容
		if current > 0 && cap(p.queue) > 0 && len(p.queue) == 0 {
			return
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}

			active := p.activeCount.Add(1)
			for {
				peak := p.peakActive.Load()
				if active <= peak || p.peakActive.CompareAndSwap(peak, active) {
					break
				}
			}
			err := p.run(j)
			p.activeCount.Add(-1)

			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// 空闲超时：至少保留一个 worker
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *WorkerPool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("job panicked")
		}
	}()
	return j.fn(j.ctx)
}

// Close stops accepting jobs, drains the queue and waits for workers.
func (p *WorkerPool) Close() {
	p.closeMu.Lock()
	if p.closed.Swap(true) {
		p.closeMu.Unlock()
		return
	}
	close(p.queue)
	p.closeMu.Unlock()
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:    int(p.workerCount.Load()),
		Active:     int(p.activeCount.Load()),
		PeakActive: int(p.peakActive.Load()),
		Queued:     len(p.queue),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Workers    int   `json:"workers"`
	Active     int   `json:"active"`
	PeakActive int   `json:"peak_active"`
	Queued     int   `json:"queued"`
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Rejected   int64 `json:"rejected"`
}
