package balancer

import (
	"sync"
	"sync/atomic"

	"github.com/maximhq/connpool/schemas"
)

// RoundRobin cycles through the candidate set in order.
type RoundRobin struct {
	cursor atomic.Uint64
}

// NewRoundRobin starts its cursor at the first candidate.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

// Name reports StrategyRoundRobin.
func (r *RoundRobin) Name() schemas.PoolStrategy { return schemas.StrategyRoundRobin }

// Select returns the candidate after the previously selected one.
func (r *RoundRobin) Select(candidates []schemas.ConnectionHandle) (schemas.ConnectionHandle, error) {
	if len(candidates) == 0 {
		return nil, schemas.ErrNoEligibleConnection
	}
	next := r.cursor.Add(1) - 1
	return candidates[next%uint64(len(candidates))], nil
}

// Update is a no-op; round-robin ignores outcomes.
func (r *RoundRobin) Update(schemas.ConnectionHandle, schemas.RequestOutcome) {}

// WeightedRoundRobin is the smooth weighted round-robin sequence: each
// selection adds every candidate's weight to its running score, picks the
// highest score and subtracts the total weight from it. Selection frequency
// matches the weight ratio exactly over every full cycle.
type WeightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]float64
}

// NewWeightedRoundRobin creates a balancer with every score at zero.
func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{current: make(map[string]float64)}
}

// Name reports StrategyWeightedRoundRobin.
func (w *WeightedRoundRobin) Name() schemas.PoolStrategy {
	return schemas.StrategyWeightedRoundRobin
}

// Select advances the smooth weighted sequence by one step.
func (w *WeightedRoundRobin) Select(candidates []schemas.ConnectionHandle) (schemas.ConnectionHandle, error) {
	if len(candidates) == 0 {
		return nil, schemas.ErrNoEligibleConnection
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var best schemas.ConnectionHandle
	var total float64
	for _, c := range candidates {
		weight := c.Weight()
		if weight <= 0 {
			weight = 1
		}
		w.current[c.ID()] += weight
		total += weight
		if best == nil || w.current[c.ID()] > w.current[best.ID()] {
			best = c
		}
	}
	w.current[best.ID()] -= total

	if len(w.current) > 2*len(candidates) {
		w.prune(candidates)
	}
	return best, nil
}

// prune drops scores of connections that left the candidate set.
func (w *WeightedRoundRobin) prune(candidates []schemas.ConnectionHandle) {
	live := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		live[c.ID()] = struct{}{}
	}
	for id := range w.current {
		if _, ok := live[id]; !ok {
			delete(w.current, id)
		}
	}
}

// Update is a no-op; weights are static.
func (w *WeightedRoundRobin) Update(schemas.ConnectionHandle, schemas.RequestOutcome) {}
