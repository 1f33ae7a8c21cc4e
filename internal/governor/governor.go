// Package governor bounds how many pipeline tasks run at once.
package governor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/markdown-crawler/internal/metrics"
)

// Stats is a snapshot of permit accounting. Acquired equals Released once every
// task has finished.
type Stats struct {
	Budget   int   `json:"budget"`
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
	InFlight int64 `json:"in_flight"`
}

// Governor is a fixed-size permit pool. A zero budget admits every task.
type Governor struct {
	budget   int
	sem      *semaphore.Weighted
	acquired atomic.Int64
	released atomic.Int64
}

// New creates a Governor with budget permits.
func New(budget int) (*Governor, error) {
	if budget < 0 {
		return nil, fmt.Errorf("concurrency budget must be >= 0, got %d", budget)
	}
	g := &Governor{budget: budget}
	if budget > 0 {
		g.sem = semaphore.NewWeighted(int64(budget))
	}
	return g, nil
}

// Acquire blocks until a permit is free or ctx ends.
func (g *Governor) Acquire(ctx context.Context) (*Permit, error) {
	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquire permit: %w", err)
		}
	} else if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire permit: %w", err)
	}
	g.acquired.Add(1)
	metrics.IncPermits()
	return &Permit{g: g}, nil
}

// Stats returns the current permit accounting.
func (g *Governor) Stats() Stats {
	acquired := g.acquired.Load()
	released := g.released.Load()
	return Stats{
		Budget:   g.budget,
		Acquired: acquired,
		Released: released,
		InFlight: acquired - released,
	}
}

func (g *Governor) release() {
	if g.sem != nil {
		g.sem.Release(1)
	}
	g.released.Add(1)
	metrics.DecPermits()
}

// Permit is one unit of concurrency budget.
type Permit struct {
	g    *Governor
	once sync.Once
}

// Release returns the permit to the pool. Extra calls are no-ops.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.g.release)
}
