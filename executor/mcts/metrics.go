package mcts

import "time"

// PlanStats describes one finished plan call.
type PlanStats struct {
	Turn        int
	Simulations int
	Budget      int
	Nodes       int
	MaxDepth    int
	Fallbacks   int // actions whose prior fell back to uniform
	Cancelled   bool
	Duration    time.Duration
}

// Collector receives PlanStats. Implementations must be safe for concurrent
// use when shared between engines.
type Collector interface {
	ObservePlan(PlanStats)
}

type nopCollector struct{}

func (nopCollector) ObservePlan(PlanStats) {}
