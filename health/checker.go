// Package health tracks per-connection health and replaces connections that
// stop working.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/maximhq/connpool/pool"
	"github.com/maximhq/connpool/schemas"
	"golang.org/x/sync/errgroup"
)

// Prober actively checks a connection.
type Prober interface {
	Probe(ctx context.Context, conn *pool.Connection) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, conn *pool.Connection) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, conn *pool.Connection) error { return f(ctx, conn) }

// TransportProber probes through the connection's own transport.
type TransportProber struct{}

// Probe pings the upstream through conn.
func (TransportProber) Probe(ctx context.Context, conn *pool.Connection) error {
	return conn.Ping(ctx)
}

type connHealth struct {
	state               schemas.HealthState
	consecutiveFailures int
	lastTransition      time.Time
	seq                 uint64 // bumped on every state change
}

type watch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Checker runs the HEALTHY -> DEGRADED -> UNHEALTHY state machine for every
// connection of the pools it is told about. One failure degrades a
// connection, FailureThreshold consecutive failures make it unhealthy, and a
// success resets a degraded connection. Unhealthy connections stay unhealthy
// until replaced.
type Checker struct {
	config schemas.HealthCheckConfig
	prober Prober
	logger schemas.Logger

	mu      sync.Mutex
	states  map[*pool.Pool]map[string]*connHealth
	watches map[*pool.Pool]*watch
	stopped bool
}

// New creates a Checker. A nil prober uses TransportProber.
func New(config schemas.HealthCheckConfig, prober Prober, logger schemas.Logger) (*Checker, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	if prober == nil {
		prober = TransportProber{}
	}
	if logger == nil {
		logger = schemas.NoopLogger{}
	}
	return &Checker{
		config:  config,
		prober:  prober,
		logger:  logger,
		states:  make(map[*pool.Pool]map[string]*connHealth),
		watches: make(map[*pool.Pool]*watch),
	}, nil
}

// Config returns the effective configuration.
func (c *Checker) Config() schemas.HealthCheckConfig { return c.config }

// Watch starts periodic health checks of p. Watching a pool twice is a no-op.
func (c *Checker) Watch(p *pool.Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if _, ok := c.watches[p]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{cancel: cancel, done: make(chan struct{})}
	c.watches[p] = w
	go c.loop(ctx, p, w.done)
}

func (c *Checker) loop(ctx context.Context, p *pool.Pool, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := c.CheckPoolHealth(ctx, p)
			c.logger.Debug("health check for %s: %s (%d healthy, %d degraded, %d unhealthy)",
				report.Provider, report.Status, report.HealthyConnections, report.DegradedConnections, report.UnhealthyConnections)
		}
	}
}

// Unwatch stops periodic checks of p and waits for an in-progress check.
func (c *Checker) Unwatch(p *pool.Pool) {
	c.mu.Lock()
	w, ok := c.watches[p]
	delete(c.watches, p)
	c.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
}

// ForgetConnection drops the state of a closed connection.
func (c *Checker) ForgetConnection(p *pool.Pool, connectionID string) {
	c.drop(p, connectionID)
}

// Forget unwatches p and drops its connection states.
func (c *Checker) Forget(p *pool.Pool) {
	c.Unwatch(p)
	c.mu.Lock()
	delete(c.states, p)
	c.mu.Unlock()
}

// Watching reports whether p has a running check loop.
func (c *Checker) Watching(p *pool.Pool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watches[p]
	return ok
}

// RecordSuccess feeds a successful request or probe.
func (c *Checker) RecordSuccess(p *pool.Pool, connectionID string) {
	c.transition(p, connectionID, true)
}

// RecordFailure feeds a failed request or probe.
func (c *Checker) RecordFailure(p *pool.Pool, connectionID string) {
	c.transition(p, connectionID, false)
}

// State returns the current state of a connection. Unknown connections are
// healthy.
func (c *Checker) State(p *pool.Pool, connectionID string) schemas.HealthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[p][connectionID]; ok {
		return st.state
	}
	return schemas.HealthStateHealthy
}

// ConsecutiveFailures returns the current failure streak of a connection.
func (c *Checker) ConsecutiveFailures(p *pool.Pool, connectionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[p][connectionID]; ok {
		return st.consecutiveFailures
	}
	return 0
}

func (c *Checker) transition(p *pool.Pool, connectionID string, success bool) schemas.HealthState {
	c.mu.Lock()
	conns, ok := c.states[p]
	if !ok {
		conns = make(map[string]*connHealth)
		c.states[p] = conns
	}
	st, ok := conns[connectionID]
	if !ok {
		st = &connHealth{state: schemas.HealthStateHealthy}
		conns[connectionID] = st
	}
	if st.state == schemas.HealthStateUnhealthy {
		c.mu.Unlock()
		return schemas.HealthStateUnhealthy
	}

	previous := st.state
	if success {
		st.consecutiveFailures = 0
		st.state = schemas.HealthStateHealthy
	} else {
		st.consecutiveFailures++
		if st.consecutiveFailures >= c.config.FailureThreshold {
			st.state = schemas.HealthStateUnhealthy
		} else {
			st.state = schemas.HealthStateDegraded
		}
	}
	state, failures := st.state, st.consecutiveFailures
	if state == previous {
		c.mu.Unlock()
		return state
	}
	st.lastTransition = time.Now()
	st.seq++
	seq := st.seq
	c.mu.Unlock()

	// SetHealth publishes pool events synchronously, so it runs without c.mu.
	c.apply(p, connectionID, state, seq)
	if state == schemas.HealthStateUnhealthy {
		c.logger.Warn("connection %s for provider %s is unhealthy after %d consecutive failures", connectionID, p.Provider(), failures)
	}
	return state
}

// apply pushes state to the pool, then re-applies whatever is newer until the
// pool holds the latest state, so racing transitions cannot leave a stale one.
func (c *Checker) apply(p *pool.Pool, connectionID string, state schemas.HealthState, seq uint64) {
	for {
		if err := p.SetHealth(connectionID, state); err != nil {
			c.logger.Debug("could not apply health %s to %s/%s: %v", state, p.Provider(), connectionID, err)
			return
		}
		c.mu.Lock()
		st, ok := c.states[p][connectionID]
		if !ok || st.seq == seq {
			c.mu.Unlock()
			return
		}
		state, seq = st.state, st.seq
		c.mu.Unlock()
	}
}

// CheckPoolHealth probes every connection of p, applies the resulting
// transitions, replaces unhealthy connections and refills the pool to its
// minimum. It works from a snapshot of the connections.
func (c *Checker) CheckPoolHealth(ctx context.Context, p *pool.Pool) schemas.HealthReport {
	conns := p.Connections()

	if c.config.Probing() && len(conns) > 0 {
		results := make([]error, len(conns))
		var g errgroup.Group
		g.SetLimit(c.config.ProbeConcurrency)
		for i, conn := range conns {
			if conn.HealthState() == schemas.HealthStateUnhealthy {
				continue
			}
			g.Go(func() error {
				probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
				defer cancel()
				results[i] = c.prober.Probe(probeCtx, conn)
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return p.HealthReport()
		}
		for i, conn := range conns {
			if conn.HealthState() == schemas.HealthStateUnhealthy {
				continue
			}
			if results[i] != nil {
				c.logger.Debug("probe failed for %s/%s: %v", p.Provider(), conn.ID(), results[i])
				c.RecordFailure(p, conn.ID())
			} else {
				c.RecordSuccess(p, conn.ID())
			}
		}
	}

	var replaced []string
	for _, conn := range p.Connections() {
		if conn.HealthState() != schemas.HealthStateUnhealthy {
			continue
		}
		_, err := p.Replace(ctx, conn.ID())
		c.drop(p, conn.ID())
		if err != nil {
			c.logger.Error("failed to replace unhealthy connection %s for provider %s: %v", conn.ID(), p.Provider(), err)
			continue
		}
		replaced = append(replaced, conn.ID())
	}

	if err := p.EnsureMinimum(ctx); err != nil {
		c.logger.Error("failed to refill pool %s to its minimum: %v", p.Provider(), err)
	}

	report := p.HealthReport()
	report.Replaced = replaced
	return report
}

func (c *Checker) drop(p *pool.Pool, connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states[p], connectionID)
}

// Stop ends every check loop. It is idempotent.
func (c *Checker) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	pools := make([]*pool.Pool, 0, len(c.watches))
	for p := range c.watches {
		pools = append(pools, p)
	}
	c.mu.Unlock()

	for _, p := range pools {
		c.Unwatch(p)
	}
}
