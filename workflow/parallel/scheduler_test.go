package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/BaSui01/flowrun/types"
)

func okTask(id string, deps ...string) Task {
	return Task{ID: id, DependsOn: deps, Run: func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"id": id}, nil
	}}
}

func failTask(id string, deps ...string) Task {
	return Task{ID: id, DependsOn: deps, Run: func(ctx context.Context) (map[string]any, error) {
		return nil, errors.New(id + " broke")
	}}
}

// localStrategies are the in-process strategies sharing the scheduler.
func localStrategies(t *testing.T) []Strategy {
	log := zaptest.NewLogger(t)
	return []Strategy{NewPoolStrategy(log), NewCooperativeStrategy(log)}
}

func byID(results []TaskResult) map[string]TaskResult {
	m := make(map[string]TaskResult, len(results))
	for _, r := range results {
		m[r.ID] = r
	}
	return m
}

func TestRunGroup_AllSucceed(t *testing.T) {
	for _, s := range localStrategies(t) {
		t.Run(s.Name(), func(t *testing.T) {
			results, err := s.RunGroup(context.Background(),
				[]Task{okTask("a"), okTask("b"), okTask("c")}, Options{Concurrency: 2})
			require.NoError(t, err)
			require.Len(t, results, 3)
			for i, id := range []string{"a", "b", "c"} {
				assert.Equal(t, id, results[i].ID)
				assert.Equal(t, TaskSuccess, results[i].Status)
				assert.Equal(t, id, results[i].Output["id"])
			}
		})
	}
}

func TestRunGroup_IntraGroupDependencies(t *testing.T) {
	for _, s := range localStrategies(t) {
		t.Run(s.Name(), func(t *testing.T) {
			var mu sync.Mutex
			var order []string
			rec := func(id string, deps ...string) Task {
				return Task{ID: id, DependsOn: deps, Run: func(ctx context.Context) (map[string]any, error) {
					mu.Lock()
					order = append(order, id)
					mu.Unlock()
					return nil, nil
				}}
			}

			tasks := []Task{rec("d", "b", "c"), rec("b", "a"), rec("c", "a"), rec("a")}
			results, err := s.RunGroup(context.Background(), tasks, Options{Concurrency: 4})
			require.NoError(t, err)
			for _, r := range results {
				assert.Equal(t, TaskSuccess, r.Status, r.ID)
			}

			pos := map[string]int{}
			for i, id := range order {
				pos[id] = i
			}
			assert.Less(t, pos["a"], pos["b"])
			assert.Less(t, pos["a"], pos["c"])
			assert.Less(t, pos["b"], pos["d"])
			assert.Less(t, pos["c"], pos["d"])
		})
	}
}

func TestRunGroup_FailedDependencyCancelsDependents(t *testing.T) {
	for _, s := range localStrategies(t) {
		t.Run(s.Name(), func(t *testing.T) {
			var ran atomic.Bool
			tasks := []Task{
				failTask("a"),
				{ID: "b", DependsOn: []string{"a"}, Run: func(ctx context.Context) (map[string]any, error) {
					ran.Store(true)
					return nil, nil
				}},
				okTask("c", "b"),
				okTask("x"),
			}
			results, err := s.RunGroup(context.Background(), tasks, Options{})
			require.NoError(t, err)

			m := byID(results)
			assert.Equal(t, TaskFailed, m["a"].Status)
			assert.Equal(t, TaskCancelled, m["b"].Status)
			assert.Equal(t, TaskCancelled, m["c"].Status)
			assert.Equal(t, TaskSuccess, m["x"].Status)
			assert.False(t, ran.Load())
		})
	}
}

func TestRunGroup_StructuralErrors(t *testing.T) {
	s := NewCooperativeStrategy(nil)

	_, err := s.RunGroup(context.Background(), []Task{okTask("a", "ghost")}, Options{})
	assert.True(t, types.IsCode(err, types.ErrDanglingDependency))

	_, err = s.RunGroup(context.Background(), []Task{okTask("a", "b"), okTask("b", "a")}, Options{})
	assert.True(t, types.IsCode(err, types.ErrCycle))

	_, err = s.RunGroup(context.Background(), []Task{okTask("a"), okTask("a")}, Options{})
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestRunGroup_EmptyGroup(t *testing.T) {
	results, err := NewPoolStrategy(nil).RunGroup(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunGroup_TaskTimeout(t *testing.T) {
	for _, s := range localStrategies(t) {
		t.Run(s.Name(), func(t *testing.T) {
			slow := Task{ID: "slow", Run: func(ctx context.Context) (map[string]any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}}
			results, err := s.RunGroup(context.Background(), []Task{slow, okTask("fast")},
				Options{TaskTimeout: 20 * time.Millisecond})
			require.NoError(t, err)

			m := byID(results)
			assert.Equal(t, TaskFailed, m["slow"].Status)
			assert.True(t, types.IsCode(m["slow"].Err, types.ErrTimeout))
			assert.Equal(t, TaskSuccess, m["fast"].Status)
		})
	}
}

func TestRunGroup_PanicBecomesFailure(t *testing.T) {
	for _, s := range localStrategies(t) {
		t.Run(s.Name(), func(t *testing.T) {
			p := Task{ID: "p", Run: func(ctx context.Context) (map[string]any, error) { panic("kaboom") }}
			results, err := s.RunGroup(context.Background(), []Task{p}, Options{})
			require.NoError(t, err)
			assert.Equal(t, TaskFailed, results[0].Status)
			assert.Contains(t, results[0].Error, "kaboom")
		})
	}
}

func TestRunGroup_FailFastCancelsRunningPeers(t *testing.T) {
	for _, s := range localStrategies(t) {
		t.Run(s.Name(), func(t *testing.T) {
			blocker := Task{ID: "blocker", Run: func(ctx context.Context) (map[string]any, error) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(5 * time.Second):
					return nil, nil
				}
			}}
			failing := Task{ID: "bad", Run: func(ctx context.Context) (map[string]any, error) {
				time.Sleep(10 * time.Millisecond)
				return nil, errors.New("bad")
			}}

			start := time.Now()
			results, err := s.RunGroup(context.Background(), []Task{blocker, failing}, Options{FailFast: true})
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 2*time.Second)

			m := byID(results)
			assert.Equal(t, TaskFailed, m["bad"].Status)
			assert.Equal(t, TaskCancelled, m["blocker"].Status)
			assert.ErrorIs(t, m["blocker"].Err, errPeerFailed)
		})
	}
}

func TestRunGroup_WithoutFailFastPeersContinue(t *testing.T) {
	results, err := NewCooperativeStrategy(nil).RunGroup(context.Background(),
		[]Task{failTask("bad"), okTask("good")}, Options{Concurrency: 1})
	require.NoError(t, err)
	m := byID(results)
	assert.Equal(t, TaskFailed, m["bad"].Status)
	assert.Equal(t, TaskSuccess, m["good"].Status)
}

func TestRunGroup_ConcurrencyCeiling(t *testing.T) {
	for _, s := range localStrategies(t) {
		t.Run(s.Name(), func(t *testing.T) {
			var running, peak atomic.Int32
			tasks := make([]Task, 12)
			for i := range tasks {
				tasks[i] = Task{ID: fmt.Sprintf("t%d", i), Run: func(ctx context.Context) (map[string]any, error) {
					n := running.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					running.Add(-1)
					return nil, nil
				}}
			}
			_, err := s.RunGroup(context.Background(), tasks, Options{Concurrency: 3})
			require.NoError(t, err)
			assert.LessOrEqual(t, peak.Load(), int32(3))
			assert.Greater(t, peak.Load(), int32(0))
		})
	}
}

func TestRunGroup_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := NewCooperativeStrategy(nil).RunGroup(ctx, []Task{okTask("a"), okTask("b", "a")}, Options{})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, TaskCancelled, r.Status, r.ID)
	}
}

// With one worker and fail_fast, no task after the first failure in
// dispatch order is ever started.
func TestProperty_FailFastStopsLaterTasks(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(rt, "n")
		failAt := rapid.IntRange(0, n-1).Draw(rt, "failAt")
		usePool := rapid.Bool().Draw(rt, "usePool")

		var started sync.Map
		tasks := make([]Task, n)
		for i := 0; i < n; i++ {
			i := i
			tasks[i] = Task{ID: fmt.Sprintf("t%d", i), Run: func(ctx context.Context) (map[string]any, error) {
				started.Store(i, true)
				if i == failAt {
					return nil, errors.New("fail")
				}
				return nil, nil
			}}
		}

		var s Strategy = NewCooperativeStrategy(nil)
		if usePool {
			s = NewPoolStrategy(nil)
		}
		results, err := s.RunGroup(context.Background(), tasks, Options{Concurrency: 1, FailFast: true})
		require.NoError(rt, err)

		for i, r := range results {
			_, ran := started.Load(i)
			switch {
			case i < failAt:
				assert.Equal(rt, TaskSuccess, r.Status)
			case i == failAt:
				assert.Equal(rt, TaskFailed, r.Status)
			default:
				assert.Equal(rt, TaskCancelled, r.Status)
				assert.False(rt, ran, "task %d started after failure", i)
			}
		}
	})
}

func TestSummarize(t *testing.T) {
	s := Summarize([]TaskResult{
		{ID: "a", Status: TaskSuccess},
		{ID: "b", Status: TaskFailed},
		{ID: "c", Status: TaskCancelled},
		{ID: "d", Status: TaskSuccess},
	})
	assert.Equal(t, []string{"a", "d"}, s.Successful)
	assert.Equal(t, []string{"b"}, s.Failed)
	assert.Equal(t, []string{"c"}, s.Cancelled)
}

func TestNew(t *testing.T) {
	for _, name := range []string{NamePool, NameCooperative, NameProcess, ""} {
		s, err := New(name, nil)
		require.NoError(t, err, name)
		assert.NotNil(t, s)
	}
	_, err := New("threads", nil)
	assert.Error(t, err)
}
