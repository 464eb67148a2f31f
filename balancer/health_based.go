package balancer

import (
	"sync"

	"github.com/maximhq/connpool/schemas"
)

// HealthBased round-robins over healthy candidates. DEGRADED connections and
// connections that just reported a failure are skipped unless nothing else
// is eligible. A failure keeps a connection out for one full cycle.
type HealthBased struct {
	mu        sync.Mutex
	cursor    uint64
	lastSize  int
	penalties map[string]int
}

// NewHealthBased creates a balancer with no penalties.
func NewHealthBased() *HealthBased {
	return &HealthBased{penalties: make(map[string]int)}
}

// Name reports StrategyHealthBased.
func (h *HealthBased) Name() schemas.PoolStrategy { return schemas.StrategyHealthBased }

// Select rotates through candidates that are neither degraded nor penalized,
// falling back to every candidate when none qualify.
func (h *HealthBased) Select(candidates []schemas.ConnectionHandle) (schemas.ConnectionHandle, error) {
	if len(candidates) == 0 {
		return nil, schemas.ErrNoEligibleConnection
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSize = len(candidates)

	preferred := make([]schemas.ConnectionHandle, 0, len(candidates))
	for _, c := range candidates {
		if c.Status() == schemas.ConnectionStatusDegraded || h.penalties[c.ID()] > 0 {
			continue
		}
		preferred = append(preferred, c)
	}
	if len(preferred) == 0 {
		preferred = candidates
	}

	for id, remaining := range h.penalties {
		if remaining <= 1 {
			delete(h.penalties, id)
		} else {
			h.penalties[id] = remaining - 1
		}
	}

	chosen := preferred[h.cursor%uint64(len(preferred))]
	h.cursor++
	return chosen, nil
}

// Update penalizes a failed connection for the next round of selections. A
// success clears the penalty.
func (h *HealthBased) Update(conn schemas.ConnectionHandle, outcome schemas.RequestOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if outcome.Success {
		delete(h.penalties, conn.ID())
		return
	}
	h.penalties[conn.ID()] = max(h.lastSize, 1)
}
