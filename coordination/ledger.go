package coordination

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	requirePenalty   = 0.5
	collisionPenalty = 0.5
)

// IntentLedger is an in-memory intent ledger. Stability of an intent is
// 1.0 minus 0.5 times the fraction of unmet requirements, minus 0.5 when
// one of its provided names collides with a peer that has not yielded.
// Each pass makes the weaker side of every collision yield.
type IntentLedger struct {
	mu      sync.Mutex
	intents map[string]Intent
	order   []string
	// yielded[step][name] 表示该步骤放弃提供 name，改为消费对方的结果
	yielded map[string]map[string]bool
	logger  *zap.Logger
}

// NewIntentLedger creates an empty ledger.
func NewIntentLedger(logger *zap.Logger) *IntentLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntentLedger{
		intents: make(map[string]Intent),
		yielded: make(map[string]map[string]bool),
		logger:  logger.With(zap.String("component", "coordination")),
	}
}

// Enabled implements Coordinator.
func (l *IntentLedger) Enabled() bool { return true }

// Publish implements Coordinator. A later intent for the same step
// replaces the earlier one.
func (l *IntentLedger) Publish(intent Intent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.intents[intent.StepID]; !ok {
		l.order = append(l.order, intent.StepID)
	}
	l.intents[intent.StepID] = intent
	delete(l.yielded, intent.StepID)
}

// Intents returns published intents in publish order.
func (l *IntentLedger) Intents() []Intent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Intent, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.intents[id])
	}
	return out
}

// Reset implements Coordinator.
func (l *IntentLedger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intents = make(map[string]Intent)
	l.yielded = make(map[string]map[string]bool)
	l.order = nil
}

// CheckStability implements Coordinator. It always terminates within
// opts.MaxPasses passes.
func (l *IntentLedger) CheckStability(ctx context.Context, opts GateOptions) StabilityReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	if opts.MaxPasses <= 0 {
		opts.MaxPasses = 1
	}
	if len(l.intents) == 0 {
		return StabilityReport{Converged: true, MeanStability: 1, MinStability: 1}
	}

	satisfied := make(map[string]bool, len(opts.Satisfied))
	for _, name := range opts.Satisfied {
		satisfied[name] = true
	}

	var (
		stab      map[string]float64
		conflicts []conflict
		passes    int
	)
	for passes = 1; passes <= opts.MaxPasses; passes++ {
		stab, conflicts = l.evaluate(satisfied)
		if len(conflicts) == 0 || passes == opts.MaxPasses || ctx.Err() != nil {
			break
		}
		l.resolve(stab, conflicts)
	}

	report := StabilityReport{
		StepStabilities: stab,
		Passes:          passes,
		MinStability:    1,
	}
	sum := 0.0
	for _, s := range stab {
		sum += s
		if s < report.MinStability {
			report.MinStability = s
		}
	}
	report.MeanStability = sum / float64(len(stab))
	for _, c := range conflicts {
		report.UnresolvedConflicts = append(report.UnresolvedConflicts, c.String())
	}
	report.Converged = report.MinStability >= opts.MinStability

	l.logger.Debug("stability check",
		zap.Bool("converged", report.Converged),
		zap.Float64("min_stability", report.MinStability),
		zap.Int("passes", report.Passes),
		zap.Int("unresolved", len(report.UnresolvedConflicts)))
	return report
}

// conflict is one provided name claimed by several steps.
type conflict struct {
	name  string
	steps []string
}

func (c conflict) String() string {
	return c.name + ": " + strings.Join(c.steps, ", ")
}

func (l *IntentLedger) provides(stepID string) []string {
	var out []string
	for _, name := range l.intents[stepID].Provides {
		if !l.yielded[stepID][name] {
			out = append(out, name)
		}
	}
	return out
}

// evaluate computes stability per step and the open collisions.
func (l *IntentLedger) evaluate(satisfied map[string]bool) (map[string]float64, []conflict) {
	providers := make(map[string][]string)
	for _, id := range l.order {
		for _, name := range l.provides(id) {
			providers[name] = append(providers[name], id)
		}
	}

	var conflicts []conflict
	colliding := make(map[string]bool)
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		steps := providers[name]
		if len(steps) < 2 {
			continue
		}
		sorted := append([]string(nil), steps...)
		sort.Strings(sorted)
		conflicts = append(conflicts, conflict{name: name, steps: sorted})
		for _, id := range steps {
			colliding[id] = true
		}
	}

	stab := make(map[string]float64, len(l.intents))
	for _, id := range l.order {
		intent := l.intents[id]
		requires := append([]string(nil), intent.Requires...)
		for name := range l.yielded[id] {
			requires = append(requires, name)
		}

		s := 1.0
		if len(requires) > 0 {
			unmet := 0
			for _, req := range requires {
				if satisfied[req] {
					continue
				}
				if peerProvides(providers[req], id) {
					continue
				}
				unmet++
			}
			s -= requirePenalty * float64(unmet) / float64(len(requires))
		}
		if colliding[id] {
			s -= collisionPenalty
		}
		if s < 0 {
			s = 0
		}
		stab[id] = s
	}
	return stab, conflicts
}

func peerProvides(providers []string, self string) bool {
	for _, p := range providers {
		if p != self {
			return true
		}
	}
	return false
}

// resolve keeps the strongest claimant of each collision. Ties go to the
// lexicographically smaller step id; the others yield the name.
func (l *IntentLedger) resolve(stab map[string]float64, conflicts []conflict) {
	for _, c := range conflicts {
		winner := c.steps[0]
		for _, id := range c.steps[1:] {
			if stab[id] > stab[winner] {
				winner = id
			}
		}
		for _, id := range c.steps {
			if id == winner {
				continue
			}
			if l.yielded[id] == nil {
				l.yielded[id] = make(map[string]bool)
			}
			l.yielded[id][c.name] = true
			l.logger.Debug("intent yielded",
				zap.String("step_id", id),
				zap.String("name", c.name),
				zap.String("winner", winner))
		}
	}
}
