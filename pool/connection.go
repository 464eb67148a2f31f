package pool

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maximhq/connpool/schemas"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

const latencyEWMAAlpha = 0.2

const (
	healthHealthy uint32 = iota
	healthDegraded
	healthUnhealthy
)

// Connection is one live upstream handle owned by a Pool. Lifecycle fields
// are written only by the owning pool while it holds its lock; readers use
// the atomic accessors.
type Connection struct {
	id        string
	provider  string
	config    schemas.ConnectionConfig
	transport Transport
	limiter   *rate.Limiter
	createdAt time.Time

	inFlight     atomic.Int32
	health       atomic.Uint32
	closed       atomic.Bool
	lastUsed     atomic.Int64 // unix nanos
	requestCount atomic.Int64
	errorCount   atomic.Int64
	avgLatency   atomic.Uint64 // float64 bits, milliseconds
}

func newConnection(provider string, config schemas.ConnectionConfig, transport Transport) *Connection {
	now := time.Now()
	conn := &Connection{
		id:        config.ID + "-" + uuid.NewString()[:8],
		provider:  provider,
		config:    config,
		transport: transport,
		createdAt: now,
	}
	if config.RateLimit != nil {
		every := config.RateLimit.Per / time.Duration(config.RateLimit.MaxRequests)
		conn.limiter = rate.NewLimiter(rate.Every(every), config.RateLimit.MaxRequests)
	}
	conn.lastUsed.Store(now.UnixNano())
	return conn
}

// ID is unique for the lifetime of the process.
func (c *Connection) ID() string { return c.id }

// ConfigID names the ConnectionConfig the connection was dialed from.
func (c *Connection) ConfigID() string { return c.config.ID }

// Provider names the owning pool's provider.
func (c *Connection) Provider() string { return c.provider }

// Weight is the config's effective weight.
func (c *Connection) Weight() float64 { return c.config.EffectiveWeight() }

// Config returns the config the connection was dialed from.
func (c *Connection) Config() schemas.ConnectionConfig { return c.config }

// Transport returns the dialed transport.
func (c *Connection) Transport() Transport { return c.transport }

// CreatedAt is when the dial succeeded.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// InFlight counts outstanding leases.
func (c *Connection) InFlight() int { return int(c.inFlight.Load()) }

// LastUsed is the last acquire or release time.
func (c *Connection) LastUsed() time.Time { return time.Unix(0, c.lastUsed.Load()) }

// Status derives the lifecycle state.
func (c *Connection) Status() schemas.ConnectionStatus {
	if c.closed.Load() {
		return schemas.ConnectionStatusClosed
	}
	switch c.health.Load() {
	case healthUnhealthy:
		return schemas.ConnectionStatusUnhealthy
	case healthDegraded:
		return schemas.ConnectionStatusDegraded
	}
	if c.inFlight.Load() > 0 {
		return schemas.ConnectionStatusActive
	}
	return schemas.ConnectionStatusIdle
}

// HealthState returns the health state last set by the pool.
func (c *Connection) HealthState() schemas.HealthState {
	switch c.health.Load() {
	case healthUnhealthy:
		return schemas.HealthStateUnhealthy
	case healthDegraded:
		return schemas.HealthStateDegraded
	}
	return schemas.HealthStateHealthy
}

// Do sends a request through the connection's transport.
func (c *Connection) Do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	return c.transport.Do(ctx, req, resp)
}

// Ping probes the upstream through the connection's transport.
func (c *Connection) Ping(ctx context.Context) error {
	return c.transport.Ping(ctx)
}

// Stats snapshots the connection.
func (c *Connection) Stats() schemas.ConnectionStats {
	return schemas.ConnectionStats{
		ID:           c.id,
		ConfigID:     c.config.ID,
		Provider:     c.provider,
		Status:       c.Status(),
		Weight:       c.Weight(),
		InFlight:     c.InFlight(),
		RequestCount: c.requestCount.Load(),
		ErrorCount:   c.errorCount.Load(),
		AvgLatencyMs: c.avgLatencyMs(),
		CreatedAt:    c.createdAt,
		LastUsed:     c.LastUsed(),
	}
}

func (c *Connection) avgLatencyMs() float64 {
	return math.Float64frombits(c.avgLatency.Load())
}

// eligible reports whether the connection may take another lease now.
func (c *Connection) eligible(now time.Time) (ok bool, rateLimited bool) {
	if !c.Status().Eligible() {
		return false, false
	}
	if c.config.MaxInFlight > 0 && int(c.inFlight.Load()) >= c.config.MaxInFlight {
		return false, false
	}
	if c.limiter != nil && c.limiter.TokensAt(now) < 1 {
		return false, true
	}
	return true, false
}

func (c *Connection) setHealth(state schemas.HealthState) {
	switch state {
	case schemas.HealthStateUnhealthy:
		c.health.Store(healthUnhealthy)
	case schemas.HealthStateDegraded:
		c.health.Store(healthDegraded)
	default:
		c.health.Store(healthHealthy)
	}
}

// recordOutcome updates running counters. Caller holds the pool lock.
func (c *Connection) recordOutcome(outcome schemas.RequestOutcome) {
	n := c.requestCount.Add(1)
	if !outcome.Success {
		c.errorCount.Add(1)
	}
	latencyMs := float64(outcome.Latency) / float64(time.Millisecond)
	avg := latencyMs
	if n > 1 {
		avg = latencyEWMAAlpha*latencyMs + (1-latencyEWMAAlpha)*c.avgLatencyMs()
	}
	c.avgLatency.Store(math.Float64bits(avg))
}

func (c *Connection) close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}

// AvgLatencyMs is the exponentially weighted mean latency of released leases.
func (c *Connection) AvgLatencyMs() float64 { return c.avgLatencyMs() }

// RequestCount is the number of released leases.
func (c *Connection) RequestCount() int64 { return c.requestCount.Load() }

// ErrorRate is failures over released leases.
func (c *Connection) ErrorRate() float64 {
	n := c.requestCount.Load()
	if n == 0 {
		return 0
	}
	return float64(c.errorCount.Load()) / float64(n)
}
