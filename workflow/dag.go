package workflow

import (
	"sort"

	"github.com/BaSui01/flowrun/types"
)

// DependencyGraph is the depends_on relation over step ids.
type DependencyGraph struct {
	// order keeps the declaration order of steps for deterministic output
	order []string
	// deps[id] = ids id waits for
	deps map[string][]string
	// edges[id] = ids that wait for id
	edges map[string][]string
}

// ParallelGroup is a set of mutually independent steps whose dependencies
// are all satisfied by earlier groups.
type ParallelGroup struct {
	Index   int      `json:"index"`
	StepIDs []string `json:"step_ids"`
}

// BuildGraph builds the graph and rejects dependencies on unknown ids.
func BuildGraph(steps []StepSpec) (*DependencyGraph, error) {
	return buildGraph(steps, nil)
}

// buildGraph treats ids listed in satisfied as already completed. Resume
// uses this for steps that ran before the resume point.
func buildGraph(steps []StepSpec, satisfied map[string]bool) (*DependencyGraph, error) {
	g := &DependencyGraph{
		order: make([]string, 0, len(steps)),
		deps:  make(map[string][]string, len(steps)),
		edges: make(map[string][]string, len(steps)),
	}
	for i := range steps {
		id := steps[i].ID
		g.order = append(g.order, id)
		g.deps[id] = nil
	}

	var dangling []string
	for i := range steps {
		step := &steps[i]
		for _, dep := range step.DependsOn {
			if satisfied[dep] {
				continue
			}
			if _, ok := g.deps[dep]; !ok {
				dangling = append(dangling, step.ID+" -> "+dep)
				continue
			}
			g.deps[step.ID] = append(g.deps[step.ID], dep)
			g.edges[dep] = append(g.edges[dep], step.ID)
		}
	}
	if len(dangling) > 0 {
		return nil, types.NewDanglingDependencyError(dangling)
	}
	return g, nil
}

// Dependencies returns the ids a step waits for.
func (g *DependencyGraph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the ids waiting for a step.
func (g *DependencyGraph) Dependents(id string) []string {
	return append([]string(nil), g.edges[id]...)
}

// Len returns the number of nodes.
func (g *DependencyGraph) Len() int {
	return len(g.order)
}

// Groups partitions the graph with Kahn-style leveling: each pass collects
// every unscheduled step whose dependencies all sit in earlier groups. A
// pass that finds nothing while steps remain means a cycle.
func (g *DependencyGraph) Groups() ([]ParallelGroup, error) {
	position := make(map[string]int, len(g.order))
	for i, id := range g.order {
		position[id] = i
	}

	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.deps[id])
	}

	var groups []ParallelGroup
	var ready []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	scheduled := 0
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		group := ParallelGroup{Index: len(groups), StepIDs: ready}
		groups = append(groups, group)
		scheduled += len(ready)

		var next []string
		for _, id := range ready {
			for _, dependent := range g.edges[id] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		ready = next
	}

	if scheduled < len(g.order) {
		var stuck []string
		for _, id := range g.order {
			if indegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, types.NewCycleError(stuck)
	}
	return groups, nil
}

// TopologicalOrder flattens Groups.
func (g *DependencyGraph) TopologicalOrder() ([]string, error) {
	groups, err := g.Groups()
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, len(g.order))
	for _, grp := range groups {
		order = append(order, grp.StepIDs...)
	}
	return order, nil
}

// GroupSteps builds the graph for steps and returns its parallel groups.
func GroupSteps(steps []StepSpec) ([]ParallelGroup, error) {
	g, err := BuildGraph(steps)
	if err != nil {
		return nil, err
	}
	return g.Groups()
}
