package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsAllJobs(t *testing.T) {
	p := New(Config{MaxWorkers: 3, QueueSize: 10})

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	p.Close()

	assert.Equal(t, int32(10), count.Load())
	stats := p.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Completed)
}

func TestWorkerPool_RespectsMaxWorkers(t *testing.T) {
	p := New(Config{MaxWorkers: 2, QueueSize: 8})

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			defer wg.Done()
			n := running.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	wg.Wait()
	p.Close()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.LessOrEqual(t, p.Stats().PeakActive, 2)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }))

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)
	close(block)
}

func TestWorkerPool_PanicIsRecovered(t *testing.T) {
	var recovered atomic.Value
	p := New(Config{MaxWorkers: 1, QueueSize: 2, PanicHandler: func(r any) { recovered.Store(r) }})

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	p.Close()

	assert.Equal(t, "boom", recovered.Load())
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestWorkerPool_SubmitAfterClose(t *testing.T) {
	p := New(DefaultConfig())
	p.Close()
	assert.ErrorIs(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }), ErrPoolClosed)
	assert.ErrorIs(t, p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil }), ErrPoolClosed)
}
