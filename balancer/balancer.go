// Package balancer implements the connection selection strategies.
package balancer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/maximhq/connpool/schemas"
)

// DefaultEpsilon is the exploration probability of the performance strategy.
const DefaultEpsilon = 0.1

// PerformanceSource reports observed performance of a connection.
type PerformanceSource interface {
	ConnectionPerformance(provider, connectionID string) (avgLatencyMs float64, errorRate float64, samples int)
}

// Options configures strategy construction.
type Options struct {
	// Performance feeds the performance-based strategy. When nil, handles
	// that report their own counters are used instead.
	Performance PerformanceSource
	Epsilon     float64
	// Seed makes random choices reproducible. 0 seeds from the clock.
	Seed int64
}

// New builds the strategy for a pool.
func New(strategy schemas.PoolStrategy, opts Options) (schemas.LoadBalancer, error) {
	switch strategy {
	case schemas.StrategyRoundRobin, "":
		return NewRoundRobin(), nil
	case schemas.StrategyWeightedRoundRobin:
		return NewWeightedRoundRobin(), nil
	case schemas.StrategyHealthBased:
		return NewHealthBased(), nil
	case schemas.StrategyPerformanceBased:
		return NewPerformanceBased(opts), nil
	}
	return nil, schemas.NewConfigurationError("", "strategy", "unknown strategy "+string(strategy))
}

// lockedRand is a math/rand source safe for concurrent use.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &lockedRand{rng: rand.New(rand.NewSource(seed))}
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}
