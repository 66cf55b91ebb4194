package parallel

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is a counting admission gate with instrumentation.
type Gate struct {
	name     string
	limit    int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	peak     atomic.Int64
	waiting  atomic.Int64
	acquired atomic.Int64
}

// NewGate creates a gate admitting at most limit holders.
func NewGate(name string, limit int) *Gate {
	if limit <= 0 {
		limit = 1
	}
	return &Gate{name: name, limit: int64(limit), sem: semaphore.NewWeighted(int64(limit))}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return err
	}
	g.acquired.Add(1)
	n := g.inFlight.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

// Release frees one slot.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// Name returns the gate name.
func (g *Gate) Name() string { return g.name }

// Stats snapshots the gate counters.
func (g *Gate) Stats() GateStats {
	in := g.inFlight.Load()
	return GateStats{
		Limit:     int(g.limit),
		InFlight:  int(in),
		Available: int(g.limit - in),
		Peak:      int(g.peak.Load()),
		Waiting:   int(g.waiting.Load()),
		Acquired:  g.acquired.Load(),
	}
}

// GateStats is a point-in-time view of a gate.
type GateStats struct {
	Limit     int   `json:"limit"`
	InFlight  int   `json:"in_flight"`
	Available int   `json:"available"`
	Peak      int   `json:"peak"`
	Waiting   int   `json:"waiting"`
	Acquired  int64 `json:"acquired"`
}
