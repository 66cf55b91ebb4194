package coordination

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func TestNoop(t *testing.T) {
	var c Coordinator = Noop{}
	assert.False(t, c.Enabled())
	c.Publish(Intent{StepID: "a"})

	report := c.CheckStability(context.Background(), GateOptions{MinStability: 0.9, MaxPasses: 3})
	assert.True(t, report.Converged)
	assert.Equal(t, 0, report.Passes)
	assert.Nil(t, report.StepStabilities)
}

func TestLedger_EmptyConverges(t *testing.T) {
	l := NewIntentLedger(nil)
	report := l.CheckStability(context.Background(), GateOptions{MinStability: 0.3, MaxPasses: 3})
	assert.True(t, report.Converged)
	assert.Equal(t, 0, report.Passes)
}

func TestLedger_IndependentIntentsAreStable(t *testing.T) {
	l := NewIntentLedger(zaptest.NewLogger(t))
	l.Publish(Intent{StepID: "b", Provides: []string{"summary"}, Requires: []string{"a"}})
	l.Publish(Intent{StepID: "c", Provides: []string{"report"}, Requires: []string{"a"}})

	report := l.CheckStability(context.Background(), GateOptions{MinStability: 0.3, MaxPasses: 3, Satisfied: []string{"a"}})
	assert.True(t, report.Converged)
	assert.Equal(t, 1, report.Passes)
	assert.Equal(t, 1.0, report.MinStability)
	assert.Equal(t, 1.0, report.MeanStability)
	assert.Empty(t, report.UnresolvedConflicts)
}

func TestLedger_UnmetRequirementsLowerStability(t *testing.T) {
	l := NewIntentLedger(nil)
	l.Publish(Intent{StepID: "b", Requires: []string{"a", "missing"}})

	report := l.CheckStability(context.Background(), GateOptions{MinStability: 0.8, MaxPasses: 3, Satisfied: []string{"a"}})
	assert.InDelta(t, 0.75, report.StepStabilities["b"], 1e-9)
	assert.False(t, report.Converged)
	assert.Equal(t, 1, report.Passes)
}

func TestLedger_RequirementProvidedByPeer(t *testing.T) {
	l := NewIntentLedger(nil)
	l.Publish(Intent{StepID: "x", Provides: []string{"schema"}})
	l.Publish(Intent{StepID: "y", Requires: []string{"schema"}})

	report := l.CheckStability(context.Background(), GateOptions{MinStability: 1, MaxPasses: 1})
	assert.True(t, report.Converged)
	assert.Equal(t, 1.0, report.StepStabilities["y"])
}

func TestLedger_CollisionResolvedByYield(t *testing.T) {
	l := NewIntentLedger(nil)
	l.Publish(Intent{StepID: "writer_b", Provides: []string{"result"}})
	l.Publish(Intent{StepID: "writer_a", Provides: []string{"result"}})

	report := l.CheckStability(context.Background(), GateOptions{MinStability: 0.9, MaxPasses: 3})
	assert.True(t, report.Converged)
	assert.Equal(t, 2, report.Passes)
	assert.Empty(t, report.UnresolvedConflicts)

	// 平局时 id 较大的一方让出
	assert.True(t, l.yielded["writer_b"]["result"])
	assert.False(t, l.yielded["writer_a"]["result"])
}

func TestLedger_LowerStabilityYields(t *testing.T) {
	l := NewIntentLedger(nil)
	l.Publish(Intent{StepID: "a", Provides: []string{"out"}, Requires: []string{"ghost"}})
	l.Publish(Intent{StepID: "b", Provides: []string{"out"}})

	l.CheckStability(context.Background(), GateOptions{MinStability: 0.3, MaxPasses: 3})
	assert.True(t, l.yielded["a"]["out"])
	assert.False(t, l.yielded["b"]["out"])
}

func TestLedger_SinglePassReportsConflict(t *testing.T) {
	l := NewIntentLedger(nil)
	l.Publish(Intent{StepID: "a", Provides: []string{"out"}})
	l.Publish(Intent{StepID: "b", Provides: []string{"out"}})

	report := l.CheckStability(context.Background(), GateOptions{MinStability: 0.6, MaxPasses: 1})
	assert.False(t, report.Converged)
	assert.Equal(t, 1, report.Passes)
	assert.Equal(t, []string{"out: a, b"}, report.UnresolvedConflicts)
	assert.Equal(t, 0.5, report.MinStability)
}

func TestLedger_Reset(t *testing.T) {
	l := NewIntentLedger(nil)
	l.Publish(Intent{StepID: "a", Provides: []string{"out"}})
	l.Publish(Intent{StepID: "b", Provides: []string{"out"}})
	l.CheckStability(context.Background(), GateOptions{MaxPasses: 3})
	l.Reset()

	assert.Empty(t, l.Intents())
	assert.Empty(t, l.yielded)
}

func TestLedger_RepublishReplaces(t *testing.T) {
	l := NewIntentLedger(nil)
	l.Publish(Intent{StepID: "a", Description: "first"})
	l.Publish(Intent{StepID: "a", Description: "second"})

	intents := l.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, "second", intents[0].Description)
}

// Any set of intents: the gate terminates within MaxPasses and the
// stabilities stay within [0, 1].
func TestProperty_GateTerminatesAndIsBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		names := []string{"a", "b", "c", "d"}
		l := NewIntentLedger(nil)
		for i := 0; i < n; i++ {
			provides := rapid.SliceOfDistinct(rapid.SampledFrom(names), rapid.ID[string]).Draw(rt, fmt.Sprintf("provides_%d", i))
			requires := rapid.SliceOfDistinct(rapid.SampledFrom(names), rapid.ID[string]).Draw(rt, fmt.Sprintf("requires_%d", i))
			l.Publish(Intent{StepID: fmt.Sprintf("s%d", i), Provides: provides, Requires: requires})
		}
		maxPasses := rapid.IntRange(1, 5).Draw(rt, "maxPasses")

		report := l.CheckStability(context.Background(), GateOptions{MinStability: 0.3, MaxPasses: maxPasses})
		assert.GreaterOrEqual(rt, report.Passes, 1)
		assert.LessOrEqual(rt, report.Passes, maxPasses)
		assert.Len(rt, report.StepStabilities, n)
		for id, s := range report.StepStabilities {
			assert.GreaterOrEqual(rt, s, 0.0, id)
			assert.LessOrEqual(rt, s, 1.0, id)
		}
		if maxPasses >= 2 {
			// 一轮解析足以消除所有冲突
			assert.Empty(rt, report.UnresolvedConflicts)
		}
	})
}
