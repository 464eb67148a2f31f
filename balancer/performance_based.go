package balancer

import (
	"github.com/maximhq/connpool/schemas"
)

// selfReporting is implemented by handles that carry their own counters.
type selfReporting interface {
	AvgLatencyMs() float64
	ErrorRate() float64
	RequestCount() int64
}

// PerformanceBased is epsilon-greedy: with probability epsilon it picks a
// random candidate, otherwise the one with the lowest latency-and-error score.
// Connections without samples score best so they get measured.
type PerformanceBased struct {
	source  PerformanceSource
	epsilon float64
	rng     *lockedRand
}

// NewPerformanceBased ranks by opts.Performance when set, otherwise by the
// figures the connections report themselves. An out-of-range Epsilon uses
// DefaultEpsilon.
func NewPerformanceBased(opts Options) *PerformanceBased {
	epsilon := opts.Epsilon
	if epsilon <= 0 || epsilon > 1 {
		epsilon = DefaultEpsilon
	}
	return &PerformanceBased{
		source:  opts.Performance,
		epsilon: epsilon,
		rng:     newLockedRand(opts.Seed),
	}
}

// Name reports StrategyPerformanceBased.
func (p *PerformanceBased) Name() schemas.PoolStrategy { return schemas.StrategyPerformanceBased }

// Select picks the candidate with the best performance score.
func (p *PerformanceBased) Select(candidates []schemas.ConnectionHandle) (schemas.ConnectionHandle, error) {
	if len(candidates) == 0 {
		return nil, schemas.ErrNoEligibleConnection
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	if p.rng.Float64() < p.epsilon {
		return candidates[p.rng.Intn(len(candidates))], nil
	}

	best := candidates[0]
	bestScore := p.score(best)
	for _, c := range candidates[1:] {
		if score := p.score(c); score < bestScore {
			best, bestScore = c, score
		}
	}
	return best, nil
}

// score is lower-is-better.
func (p *PerformanceBased) score(c schemas.ConnectionHandle) float64 {
	var latency, errorRate float64
	var samples int
	switch {
	case p.source != nil:
		latency, errorRate, samples = p.source.ConnectionPerformance(c.Provider(), c.ID())
	default:
		if r, ok := c.(selfReporting); ok {
			latency, errorRate, samples = r.AvgLatencyMs(), r.ErrorRate(), int(r.RequestCount())
		}
	}
	if samples == 0 {
		return 0
	}
	score := (latency + 1) * (1 + 10*errorRate)
	if c.Status() == schemas.ConnectionStatusDegraded {
		score *= 2
	}
	return score
}

// Update is a no-op; scores are read at selection time.
func (p *PerformanceBased) Update(schemas.ConnectionHandle, schemas.RequestOutcome) {}
