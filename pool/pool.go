// Package pool manages the live connections of one upstream provider.
package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maximhq/connpool/balancer"
	"github.com/maximhq/connpool/schemas"
)

// rateLimitPollInterval is how often waiters re-check when the only thing
// blocking them is a connection rate limiter.
const rateLimitPollInterval = 10 * time.Millisecond

// MetricsRecorder receives one record per released lease.
type MetricsRecorder interface {
	RecordRequest(provider, connectionID string, outcome schemas.RequestOutcome)
}

// HealthObserver receives request outcomes and is told when a connection
// closes or a pool stops.
type HealthObserver interface {
	RecordSuccess(p *Pool, connectionID string)
	RecordFailure(p *Pool, connectionID string)
	ForgetConnection(p *Pool, connectionID string)
	Forget(p *Pool)
}

// EventListener receives pool lifecycle events. Listeners run synchronously
// on the goroutine that caused the event, outside the pool lock.
type EventListener func(event schemas.ConnectionEvent)

// Options carries a pool's collaborators. Only Dialer is required.
type Options struct {
	Dialer   Dialer
	Balancer schemas.LoadBalancer
	Metrics  MetricsRecorder
	Health   HealthObserver
	Logger   schemas.Logger
}

// Pool holds between MinConnections and MaxConnections live connections for
// one provider and hands them out through a load-balancing strategy.
type Pool struct {
	provider string
	config   schemas.PoolConfig
	configs  []schemas.ConnectionConfig

	dialer   Dialer
	balancer schemas.LoadBalancer
	metrics  MetricsRecorder
	health   HealthObserver
	logger   schemas.Logger

	mu            sync.Mutex
	conns         []*Connection // stable order, used by round-robin strategies
	reserved      int           // slots currently being dialed
	pendingShrink int
	nextConfig    int
	notify        chan struct{}
	started       bool
	closed        bool

	listenersMu sync.RWMutex
	listeners   []EventListener

	acquireAttempts    atomic.Int64
	exhaustedAcquires  atomic.Int64
	totalRequests      atomic.Int64
	successfulRequests atomic.Int64

	stopOnce sync.Once
}

// New creates a pool. No connections are created until Start.
func New(provider string, config schemas.PoolConfig, configs []schemas.ConnectionConfig, opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = schemas.NoopLogger{}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = NewHTTPDialer()
	}
	return &Pool{
		provider: provider,
		config:   config,
		configs:  slices.Clone(configs),
		dialer:   dialer,
		balancer: opts.Balancer,
		metrics:  opts.Metrics,
		health:   opts.Health,
		logger:   logger,
		notify:   make(chan struct{}),
	}
}

// Provider returns the provider name.
func (p *Pool) Provider() string { return p.provider }

// Config returns the effective pool config. Defaults are applied by Start.
func (p *Pool) Config() schemas.PoolConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// Subscribe registers a lifecycle event listener.
func (p *Pool) Subscribe(listener EventListener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners = append(p.listeners, listener)
}

func (p *Pool) publish(eventType schemas.ConnectionEventType, connectionID string, metadata map[string]any) {
	p.listenersMu.RLock()
	listeners := p.listeners
	p.listenersMu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	event := schemas.ConnectionEvent{
		Type:         eventType,
		Provider:     p.provider,
		ConnectionID: connectionID,
		Timestamp:    time.Now(),
		Metadata:     metadata,
	}
	for _, listener := range listeners {
		listener(event)
	}
}

// validate applies defaults and checks the configuration.
func (p *Pool) validate() error {
	if p.provider == "" {
		return schemas.NewConfigurationError("", "provider", "must not be empty")
	}
	if len(p.configs) == 0 {
		return schemas.NewConfigurationError(p.provider, "connections", "at least one connection config is required")
	}
	if err := p.config.CheckAndSetDefaults(p.provider); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(p.configs))
	for i := range p.configs {
		if err := p.configs[i].CheckAndSetDefaults(p.provider); err != nil {
			return err
		}
		if _, dup := seen[p.configs[i].ID]; dup {
			return schemas.NewConfigurationError(p.provider, "connections.id", "duplicate connection id "+p.configs[i].ID)
		}
		seen[p.configs[i].ID] = struct{}{}
	}
	if p.balancer == nil {
		var perf balancer.PerformanceSource
		if source, ok := p.metrics.(balancer.PerformanceSource); ok {
			perf = source
		}
		lb, err := balancer.New(p.config.Strategy, balancer.Options{Performance: perf})
		if err != nil {
			return err
		}
		p.balancer = lb
	}
	return nil
}

// Start validates the configuration and creates MinConnections connections.
// Calling Start on a started pool is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return schemas.ErrPoolClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	if err := p.validate(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.started = true
	minConns := p.config.MinConnections
	p.mu.Unlock()

	if _, err := p.grow(ctx, minConns); err != nil {
		p.Stop()
		return fmt.Errorf("failed to start pool for provider %s: %w", p.provider, err)
	}
	p.logger.Info("started pool for provider %s with %d connections (strategy %s)", p.provider, minConns, p.balancer.Name())
	return nil
}

// Acquire hands out an eligible connection, waiting up to timeout for one to
// become available. A non-positive timeout uses the configured AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	if timeout <= 0 {
		timeout = p.Config().AcquireTimeout
	}
	p.acquireAttempts.Add(1)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, schemas.ErrPoolClosed
		}
		candidates, rateLimited := p.candidatesLocked(time.Now())
		notify := p.notify
		p.mu.Unlock()

		if len(candidates) > 0 {
			chosen, err := p.balancer.Select(candidates)
			if err == nil {
				if conn, ok := chosen.(*Connection); ok {
					lease, err := p.tryLease(waitCtx, conn)
					if err != nil {
						return nil, p.acquireError(ctx, err, timeout)
					}
					if lease != nil {
						return lease, nil
					}
					// Lost a race for the connection; re-evaluate.
					continue
				}
			}
		}

		var poll *time.Timer
		var pollC <-chan time.Time
		if rateLimited {
			poll = time.NewTimer(rateLimitPollInterval)
			pollC = poll.C
		}
		select {
		case <-notify:
		case <-pollC:
		case <-waitCtx.Done():
			if poll != nil {
				poll.Stop()
			}
			return nil, p.acquireError(ctx, waitCtx.Err(), timeout)
		}
		if poll != nil {
			poll.Stop()
		}
	}
}

func (p *Pool) acquireError(callerCtx context.Context, err error, timeout time.Duration) error {
	if errors.Is(err, schemas.ErrPoolClosed) {
		return err
	}
	if errors.Is(callerCtx.Err(), context.Canceled) {
		return fmt.Errorf("acquire for provider %s canceled: %w", p.provider, callerCtx.Err())
	}
	p.exhaustedAcquires.Add(1)
	p.publish(schemas.EventPoolExhausted, "", map[string]any{"timeout_ms": timeout.Milliseconds()})
	return &schemas.PoolExhaustedError{
		Provider: p.provider,
		Timeout:  timeout,
		Cause:    schemas.ErrNoEligibleConnection,
	}
}

// candidatesLocked copies the currently eligible connections.
func (p *Pool) candidatesLocked(now time.Time) ([]schemas.ConnectionHandle, bool) {
	candidates := make([]schemas.ConnectionHandle, 0, len(p.conns))
	rateLimited := false
	for _, conn := range p.conns {
		ok, limited := conn.eligible(now)
		if ok {
			candidates = append(candidates, conn)
		}
		rateLimited = rateLimited || limited
	}
	return candidates, rateLimited
}

// tryLease re-validates the selected connection and marks it leased. A nil
// lease with a nil error means the connection is no longer eligible.
func (p *Pool) tryLease(ctx context.Context, conn *Connection) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.closed {
		return nil, schemas.ErrPoolClosed
	}
	now := time.Now()
	if ok, _ := conn.eligible(now); !ok {
		return nil, nil
	}
	if conn.limiter != nil && !conn.limiter.AllowN(now, 1) {
		return nil, nil
	}
	conn.inFlight.Add(1)
	conn.lastUsed.Store(now.UnixNano())
	return &Lease{conn: conn, pool: p, acquiredAt: now}, nil
}

func (p *Pool) release(lease *Lease, outcome schemas.RequestOutcome) error {
	if lease.pool != p {
		return schemas.ErrConnectionNotFound
	}
	if !lease.released.CompareAndSwap(false, true) {
		return schemas.ErrLeaseReleased
	}
	conn := lease.conn

	var retired *Connection
	p.mu.Lock()
	conn.inFlight.Add(-1)
	conn.lastUsed.Store(time.Now().UnixNano())
	conn.recordOutcome(outcome)
	if p.pendingShrink > 0 && conn.inFlight.Load() == 0 && !conn.closed.Load() && len(p.conns) > p.config.MinConnections {
		if p.removeLocked(conn) {
			p.pendingShrink--
			retired = conn
		}
	}
	p.broadcastLocked()
	p.mu.Unlock()

	p.totalRequests.Add(1)
	if outcome.Success {
		p.successfulRequests.Add(1)
	}

	// Outcomes are recorded before a retired connection closes so its
	// closed event is the last thing observers see for it.
	p.balancer.Update(conn, outcome)
	if p.metrics != nil {
		p.metrics.RecordRequest(p.provider, conn.id, outcome)
	}
	if p.health != nil && retired == nil && !conn.closed.Load() {
		if outcome.Success {
			p.health.RecordSuccess(p, conn.id)
		} else {
			p.health.RecordFailure(p, conn.id)
		}
	}

	if retired != nil {
		p.closeConnection(retired, "scale_down")
	}
	return nil
}

// Scale moves the pool toward target connections, clamped to the configured
// bounds. Shrinking closes least-recently-used idle connections first and
// defers the rest until their leases are released.
func (p *Pool) Scale(ctx context.Context, target int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return schemas.ErrPoolClosed
	}
	target = max(p.config.MinConnections, min(target, p.config.MaxConnections))
	current := len(p.conns) + p.reserved

	if target >= current {
		p.pendingShrink = 0
		p.mu.Unlock()
		if target == current {
			return nil
		}
		created, err := p.grow(ctx, target-current)
		p.publish(schemas.EventPoolScaled, "", map[string]any{"from": current, "to": current + created})
		return err
	}

	excess := current - target
	idle := make([]*Connection, 0, len(p.conns))
	for _, conn := range p.conns {
		if conn.inFlight.Load() == 0 {
			idle = append(idle, conn)
		}
	}
	sort.SliceStable(idle, func(i, j int) bool {
		return idle[i].lastUsed.Load() < idle[j].lastUsed.Load()
	})
	victims := idle[:min(excess, len(idle))]
	for _, conn := range victims {
		p.removeLocked(conn)
	}
	p.pendingShrink = excess - len(victims)
	pending := p.pendingShrink
	p.broadcastLocked()
	p.mu.Unlock()

	for _, conn := range victims {
		p.closeConnection(conn, "scale_down")
	}
	p.publish(schemas.EventPoolScaled, "", map[string]any{"from": current, "to": target, "deferred": pending})
	p.logger.Debug("scaled pool %s from %d to %d (%d closures deferred)", p.provider, current, target, pending)
	return nil
}

// EnsureMinimum refills the pool up to MinConnections, e.g. after a failed
// replacement left a slot empty.
func (p *Pool) EnsureMinimum(ctx context.Context) error {
	p.mu.Lock()
	if p.closed || !p.started {
		p.mu.Unlock()
		return nil
	}
	missing := p.config.MinConnections - len(p.conns) - p.reserved
	p.mu.Unlock()
	if missing <= 0 {
		return nil
	}
	_, err := p.grow(ctx, missing)
	return err
}

// Replace closes the connection with the given id and dials a fresh one from
// the same config into the same slot. If dialing keeps failing the slot is
// left empty and the creation error is returned.
func (p *Pool) Replace(ctx context.Context, connectionID string) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, schemas.ErrPoolClosed
	}
	idx := p.indexLocked(connectionID)
	if idx < 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", schemas.ErrConnectionNotFound, connectionID)
	}
	old := p.conns[idx]
	p.conns = slices.Delete(p.conns, idx, idx+1)
	p.reserved++
	p.mu.Unlock()

	p.closeConnection(old, "replaced")

	conn, err := p.dial(ctx, old.config)

	p.mu.Lock()
	p.reserved--
	if err != nil {
		p.mu.Unlock()
		p.logger.Error("failed to replace connection %s for provider %s: %v", connectionID, p.provider, err)
		p.publish(schemas.EventConnectionCreationFailed, connectionID, map[string]any{"config_id": old.config.ID, "error": err.Error()})
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		conn.close()
		return nil, schemas.ErrPoolClosed
	}
	p.conns = slices.Insert(p.conns, min(idx, len(p.conns)), conn)
	p.broadcastLocked()
	p.mu.Unlock()

	p.logger.Info("replaced connection %s with %s for provider %s", connectionID, conn.id, p.provider)
	p.publish(schemas.EventConnectionReplaced, conn.id, map[string]any{"replaced": connectionID, "config_id": conn.config.ID})
	return conn, nil
}

// SetHealth records the HealthChecker's verdict on a connection.
func (p *Pool) SetHealth(connectionID string, state schemas.HealthState) error {
	p.mu.Lock()
	idx := p.indexLocked(connectionID)
	if idx < 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", schemas.ErrConnectionNotFound, connectionID)
	}
	conn := p.conns[idx]
	previous := conn.HealthState()
	conn.setHealth(state)
	p.broadcastLocked()
	p.mu.Unlock()

	if previous != state {
		p.publish(schemas.EventConnectionHealthChanged, connectionID, map[string]any{"from": string(previous), "to": string(state)})
	}
	return nil
}

// Connection looks up a live connection by id.
func (p *Pool) Connection(connectionID string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.indexLocked(connectionID)
	if idx < 0 {
		return nil, false
	}
	return p.conns[idx], true
}

// Connections returns a snapshot of the live connections in slot order.
func (p *Pool) Connections() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.conns)
}

// Stop closes every connection and wakes all waiters. It is idempotent.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		conns := p.conns
		p.conns = nil
		p.broadcastLocked()
		p.mu.Unlock()

		if p.health != nil {
			p.health.Forget(p)
		}
		for _, conn := range conns {
			p.closeConnection(conn, "pool_stopped")
		}
		p.logger.Info("stopped pool for provider %s", p.provider)
	})
}

// Closed reports whether Stop has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() schemas.PoolStats {
	p.mu.Lock()
	conns := slices.Clone(p.conns)
	stats := schemas.PoolStats{
		Provider:       p.provider,
		Strategy:       p.config.Strategy,
		Mode:           p.config.Mode,
		MinConnections: p.config.MinConnections,
		MaxConnections: p.config.MaxConnections,
		PendingShrink:  p.pendingShrink,
		Closed:         p.closed,
	}
	p.mu.Unlock()

	stats.TotalConnections = len(conns)
	stats.Connections = make([]schemas.ConnectionStats, 0, len(conns))
	var latencySum float64
	var latencyConns int
	for _, conn := range conns {
		cs := conn.Stats()
		stats.Connections = append(stats.Connections, cs)
		switch cs.Status {
		case schemas.ConnectionStatusIdle:
			stats.IdleConnections++
		case schemas.ConnectionStatusActive:
			stats.ActiveConnections++
		case schemas.ConnectionStatusDegraded:
			stats.DegradedConnections++
		case schemas.ConnectionStatusUnhealthy:
			stats.UnhealthyConnections++
		}
		stats.InFlight += cs.InFlight
		if conn.config.MaxInFlight > 0 {
			stats.Capacity += conn.config.MaxInFlight
		} else {
			stats.Capacity++
		}
		if cs.RequestCount > 0 {
			latencySum += cs.AvgLatencyMs
			latencyConns++
		}
	}
	if latencyConns > 0 {
		stats.AvgLatencyMs = latencySum / float64(latencyConns)
	}
	stats.TotalRequests = p.totalRequests.Load()
	stats.SuccessfulRequests = p.successfulRequests.Load()
	stats.FailedRequests = stats.TotalRequests - stats.SuccessfulRequests
	stats.AcquireAttempts = p.acquireAttempts.Load()
	stats.ExhaustedAcquires = p.exhaustedAcquires.Load()
	stats.Timestamp = time.Now()
	return stats
}

// HealthReport summarises connection health without probing.
func (p *Pool) HealthReport() schemas.HealthReport {
	conns := p.Connections()
	report := schemas.HealthReport{
		Provider:         p.provider,
		TotalConnections: len(conns),
		Timestamp:        time.Now(),
	}
	for _, conn := range conns {
		switch conn.HealthState() {
		case schemas.HealthStateUnhealthy:
			report.UnhealthyConnections++
		case schemas.HealthStateDegraded:
			report.DegradedConnections++
		default:
			report.HealthyConnections++
		}
	}
	report.Status = schemas.ClassifyHealth(report.HealthyConnections, report.DegradedConnections, report.UnhealthyConnections)
	return report
}

// grow dials up to n new connections without exceeding MaxConnections and
// returns how many were added.
func (p *Pool) grow(ctx context.Context, n int) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, schemas.ErrPoolClosed
	}
	n = min(n, p.config.MaxConnections-len(p.conns)-p.reserved)
	if n <= 0 {
		p.mu.Unlock()
		return 0, nil
	}
	configs := p.pickConfigsLocked(n)
	p.reserved += n
	p.mu.Unlock()

	created := 0
	var errs []error
	for i, cfg := range configs {
		conn, err := p.dial(ctx, cfg)

		p.mu.Lock()
		p.reserved--
		if err == nil && p.closed {
			// Release the reservations of the remaining dials too.
			p.reserved -= len(configs) - i - 1
			p.mu.Unlock()
			conn.close()
			return created, schemas.ErrPoolClosed
		}
		if err == nil {
			p.conns = append(p.conns, conn)
			p.broadcastLocked()
		}
		p.mu.Unlock()

		if err != nil {
			errs = append(errs, err)
			p.logger.Error("failed to create connection for provider %s: %v", p.provider, err)
			p.publish(schemas.EventConnectionCreationFailed, "", map[string]any{"config_id": cfg.ID, "error": err.Error()})
			continue
		}
		created++
		p.publish(schemas.EventConnectionCreated, conn.id, map[string]any{"config_id": cfg.ID})
	}
	return created, errors.Join(errs...)
}

// dial creates a connection, retrying with exponential backoff.
func (p *Pool) dial(ctx context.Context, cfg schemas.ConnectionConfig) (*Connection, error) {
	var lastErr error
	for attempt := 0; attempt < p.config.CreateRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt-1, p.config.RetryBackoffInitial, p.config.RetryBackoffMax)
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%w: provider %s connection %s: %w", schemas.ErrConnectionCreation, p.provider, cfg.ID, ctx.Err())
			}
		}
		transport, err := p.dialer.Dial(ctx, p.provider, cfg)
		if err == nil {
			return newConnection(p.provider, cfg, transport), nil
		}
		lastErr = err
		if errors.Is(err, schemas.ErrConfiguration) {
			break
		}
		p.logger.Debug("dial attempt %d for %s/%s failed: %v", attempt+1, p.provider, cfg.ID, err)
	}
	return nil, fmt.Errorf("%w: provider %s connection %s: %w", schemas.ErrConnectionCreation, p.provider, cfg.ID, lastErr)
}

// pickConfigsLocked chooses the configs for n new connections according to
// the load-balancing mode.
func (p *Pool) pickConfigsLocked(n int) []schemas.ConnectionConfig {
	picked := make([]schemas.ConnectionConfig, 0, n)
	if p.config.Mode != schemas.ModeWeightedDistribution {
		for range n {
			picked = append(picked, p.configs[p.nextConfig%len(p.configs)])
			p.nextConfig++
		}
		return picked
	}

	counts := make(map[string]int, len(p.configs))
	total := 0
	for _, conn := range p.conns {
		counts[conn.config.ID]++
		total++
	}
	var weightSum float64
	for _, cfg := range p.configs {
		weightSum += cfg.EffectiveWeight()
	}
	for range n {
		total++
		best := 0
		bestDeficit := 0.0
		for i, cfg := range p.configs {
			deficit := cfg.EffectiveWeight()/weightSum*float64(total) - float64(counts[cfg.ID])
			if i == 0 || deficit > bestDeficit {
				best, bestDeficit = i, deficit
			}
		}
		counts[p.configs[best].ID]++
		picked = append(picked, p.configs[best])
	}
	return picked
}

func (p *Pool) closeConnection(conn *Connection, reason string) {
	if err := conn.close(); err != nil {
		p.logger.Warn("error closing connection %s for provider %s: %v", conn.id, p.provider, err)
	}
	if p.health != nil {
		p.health.ForgetConnection(p, conn.id)
	}
	p.publish(schemas.EventConnectionClosed, conn.id, map[string]any{"reason": reason})
}

func (p *Pool) indexLocked(connectionID string) int {
	return slices.IndexFunc(p.conns, func(c *Connection) bool { return c.id == connectionID })
}

func (p *Pool) removeLocked(conn *Connection) bool {
	idx := slices.Index(p.conns, conn)
	if idx < 0 {
		return false
	}
	p.conns = slices.Delete(p.conns, idx, idx+1)
	return true
}

// broadcastLocked wakes every goroutine waiting in Acquire.
func (p *Pool) broadcastLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}
