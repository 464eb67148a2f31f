package schemas

import (
	"strings"
	"time"
)

// PoolStrategy selects the load-balancing strategy of a pool.
type PoolStrategy string

const (
	StrategyRoundRobin         PoolStrategy = "round_robin"
	StrategyWeightedRoundRobin PoolStrategy = "weighted_round_robin"
	StrategyHealthBased        PoolStrategy = "health_based"
	StrategyPerformanceBased   PoolStrategy = "performance_based"
)

// ParsePoolStrategy accepts either the canonical lowercase name or the
// upper-case constant form (e.g. "ROUND_ROBIN").
func ParsePoolStrategy(s string) (PoolStrategy, bool) {
	strategy := PoolStrategy(strings.ToLower(strings.TrimSpace(s)))
	switch strategy {
	case StrategyRoundRobin, StrategyWeightedRoundRobin, StrategyHealthBased, StrategyPerformanceBased:
		return strategy, true
	}
	return "", false
}

// LoadBalancingMode governs how pool slots map onto connection configs.
type LoadBalancingMode string

const (
	// ModeAPIKeyRotation rotates through configs when creating connections.
	ModeAPIKeyRotation LoadBalancingMode = "api_key_rotation"
	// ModeWeightedDistribution keeps the per-config connection count
	// proportional to config weight.
	ModeWeightedDistribution LoadBalancingMode = "weighted_distribution"
)

// PoolConfig configures one provider's pool.
type PoolConfig struct {
	MinConnections      int               `json:"min_connections" yaml:"min_connections"`
	MaxConnections      int               `json:"max_connections" yaml:"max_connections"`
	Strategy            PoolStrategy      `json:"strategy" yaml:"strategy"`
	Mode                LoadBalancingMode `json:"mode" yaml:"mode"`
	MonitoringEnabled   *bool             `json:"monitoring_enabled,omitempty" yaml:"monitoring_enabled,omitempty"`
	AcquireTimeout      time.Duration     `json:"acquire_timeout,omitempty" yaml:"acquire_timeout,omitempty"`
	CreateRetries       int               `json:"create_retries,omitempty" yaml:"create_retries,omitempty"`
	RetryBackoffInitial time.Duration     `json:"retry_backoff_initial,omitempty" yaml:"retry_backoff_initial,omitempty"`
	RetryBackoffMax     time.Duration     `json:"retry_backoff_max,omitempty" yaml:"retry_backoff_max,omitempty"`
	// AutoScale opts the pool into the manager's auto-scaler.
	AutoScale bool `json:"auto_scale,omitempty" yaml:"auto_scale,omitempty"`
}

const (
	DefaultMinConnections      = 1
	DefaultMaxConnections      = 10
	DefaultAcquireTimeout      = 30 * time.Second
	DefaultCreateRetries       = 3
	DefaultRetryBackoffInitial = 100 * time.Millisecond
	DefaultRetryBackoffMax     = 2 * time.Second
)

// DefaultPoolConfig returns a pool config with every field defaulted.
func DefaultPoolConfig() PoolConfig {
	enabled := true
	return PoolConfig{
		MinConnections:      DefaultMinConnections,
		MaxConnections:      DefaultMaxConnections,
		Strategy:            StrategyRoundRobin,
		Mode:                ModeAPIKeyRotation,
		MonitoringEnabled:   &enabled,
		AcquireTimeout:      DefaultAcquireTimeout,
		CreateRetries:       DefaultCreateRetries,
		RetryBackoffInitial: DefaultRetryBackoffInitial,
		RetryBackoffMax:     DefaultRetryBackoffMax,
	}
}

// CheckAndSetDefaults validates bounds and fills unset fields.
// Zero min and max fall back to defaults; otherwise both must be positive
// and min must not exceed max.
func (c *PoolConfig) CheckAndSetDefaults(provider string) error {
	if c.MinConnections < 0 {
		return NewConfigurationError(provider, "min_connections", "must not be negative")
	}
	if c.MaxConnections < 0 {
		return NewConfigurationError(provider, "max_connections", "must not be negative")
	}
	if c.MinConnections == 0 && c.MaxConnections == 0 {
		c.MinConnections = DefaultMinConnections
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxConnections == 0 {
		return NewConfigurationError(provider, "max_connections", "must be positive")
	}
	if c.MinConnections == 0 {
		return NewConfigurationError(provider, "min_connections", "must be positive")
	}
	if c.MinConnections > c.MaxConnections {
		return NewConfigurationError(provider, "min_connections", "must not exceed max_connections")
	}
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	} else if strategy, ok := ParsePoolStrategy(string(c.Strategy)); ok {
		c.Strategy = strategy
	} else {
		return NewConfigurationError(provider, "strategy", "unknown strategy "+string(c.Strategy))
	}
	c.Mode = LoadBalancingMode(strings.ToLower(string(c.Mode)))
	switch c.Mode {
	case "":
		c.Mode = ModeAPIKeyRotation
	case ModeAPIKeyRotation, ModeWeightedDistribution:
	default:
		return NewConfigurationError(provider, "mode", "unknown load balancing mode "+string(c.Mode))
	}
	if c.MonitoringEnabled == nil {
		enabled := true
		c.MonitoringEnabled = &enabled
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.CreateRetries <= 0 {
		c.CreateRetries = DefaultCreateRetries
	}
	if c.RetryBackoffInitial <= 0 {
		c.RetryBackoffInitial = DefaultRetryBackoffInitial
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = DefaultRetryBackoffMax
	}
	if c.RetryBackoffMax < c.RetryBackoffInitial {
		c.RetryBackoffMax = c.RetryBackoffInitial
	}
	return nil
}

// Monitored reports whether the pool should be registered with the monitor.
func (c PoolConfig) Monitored() bool {
	return c.MonitoringEnabled == nil || *c.MonitoringEnabled
}

// PoolStats is a snapshot of a pool, safe to hold after the call returns.
type PoolStats struct {
	Provider             string            `json:"provider"`
	Strategy             PoolStrategy      `json:"strategy"`
	Mode                 LoadBalancingMode `json:"mode"`
	MinConnections       int               `json:"min_connections"`
	MaxConnections       int               `json:"max_connections"`
	TotalConnections     int               `json:"total_connections"`
	IdleConnections      int               `json:"idle_connections"`
	ActiveConnections    int               `json:"active_connections"`
	DegradedConnections  int               `json:"degraded_connections"`
	UnhealthyConnections int               `json:"unhealthy_connections"`
	PendingShrink        int               `json:"pending_shrink"`
	InFlight             int               `json:"in_flight"`
	Capacity             int               `json:"capacity"`
	TotalRequests        int64             `json:"total_requests"`
	SuccessfulRequests   int64             `json:"successful_requests"`
	FailedRequests       int64             `json:"failed_requests"`
	AvgLatencyMs         float64           `json:"avg_latency_ms"`
	AcquireAttempts      int64             `json:"acquire_attempts"`
	ExhaustedAcquires    int64             `json:"exhausted_acquires"`
	Closed               bool              `json:"closed"`
	Connections          []ConnectionStats `json:"connections"`
	Timestamp            time.Time         `json:"timestamp"`
}

// Utilization is in-flight leases over total lease capacity.
func (s PoolStats) Utilization() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return float64(s.InFlight) / float64(s.Capacity)
}

// OverallHealth classifies a health report.
type OverallHealth string

const (
	OverallHealthHealthy   OverallHealth = "healthy"
	OverallHealthDegraded  OverallHealth = "degraded"
	OverallHealthUnhealthy OverallHealth = "unhealthy"
)

// HealthReport summarises connection health for one provider.
type HealthReport struct {
	Provider             string        `json:"provider"`
	Status               OverallHealth `json:"status"`
	TotalConnections     int           `json:"total_connections"`
	HealthyConnections   int           `json:"healthy_connections"`
	DegradedConnections  int           `json:"degraded_connections"`
	UnhealthyConnections int           `json:"unhealthy_connections"`
	// Replaced lists connection ids replaced during the check that produced
	// this report.
	Replaced  []string  `json:"replaced,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UnhealthyRatio is unhealthy connections over total.
func (r HealthReport) UnhealthyRatio() float64 {
	if r.TotalConnections == 0 {
		return 0
	}
	return float64(r.UnhealthyConnections) / float64(r.TotalConnections)
}

// ClassifyHealth derives the overall status from counts.
func ClassifyHealth(healthy, degraded, unhealthy int) OverallHealth {
	switch {
	case healthy == 0 && degraded == 0:
		return OverallHealthUnhealthy
	case degraded > 0 || unhealthy > 0:
		return OverallHealthDegraded
	}
	return OverallHealthHealthy
}

// LoadBalancer picks one connection out of an already-filtered candidate set.
// Implementations must be safe for concurrent use.
type LoadBalancer interface {
	Name() PoolStrategy
	Select(candidates []ConnectionHandle) (ConnectionHandle, error)
	// Update feeds a request outcome back to the strategy.
	Update(conn ConnectionHandle, outcome RequestOutcome)
}
