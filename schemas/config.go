package schemas

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HealthCheckConfig configures the HealthChecker.
type HealthCheckConfig struct {
	Interval         time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	FailureThreshold int           `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	ProbeTimeout     time.Duration `json:"probe_timeout,omitempty" yaml:"probe_timeout,omitempty"`
	ProbeConcurrency int           `json:"probe_concurrency,omitempty" yaml:"probe_concurrency,omitempty"`
	// ProbeEnabled turns active probing on. Passive transitions from
	// request outcomes always apply.
	ProbeEnabled *bool `json:"probe_enabled,omitempty" yaml:"probe_enabled,omitempty"`
}

const (
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultFailureThreshold    = 3
	DefaultProbeTimeout        = 5 * time.Second
	DefaultProbeConcurrency    = 4
)

func (c *HealthCheckConfig) CheckAndSetDefaults() error {
	if c.Interval < 0 || c.FailureThreshold < 0 || c.ProbeTimeout < 0 || c.ProbeConcurrency < 0 {
		return NewConfigurationError("", "health_check", "values must not be negative")
	}
	if c.Interval == 0 {
		c.Interval = DefaultHealthCheckInterval
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ProbeConcurrency == 0 {
		c.ProbeConcurrency = DefaultProbeConcurrency
	}
	if c.ProbeEnabled == nil {
		enabled := true
		c.ProbeEnabled = &enabled
	}
	return nil
}

// Probing reports whether active probes run during health checks.
func (c HealthCheckConfig) Probing() bool {
	return c.ProbeEnabled == nil || *c.ProbeEnabled
}

// MetricsConfig configures the MetricsCollector.
type MetricsConfig struct {
	WindowSize      int           `json:"window_size,omitempty" yaml:"window_size,omitempty"`
	WindowDuration  time.Duration `json:"window_duration,omitempty" yaml:"window_duration,omitempty"`
	MaxEvents       int           `json:"max_events,omitempty" yaml:"max_events,omitempty"`
	LatencyTargetMs float64       `json:"latency_target_ms,omitempty" yaml:"latency_target_ms,omitempty"`
	Namespace       string        `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	// Registerer receives the Prometheus collectors. Nil uses a private
	// registry exposed through the collector's Gatherer.
	Registerer prometheus.Registerer `json:"-" yaml:"-"`
}

const (
	DefaultWindowSize      = 1000
	DefaultWindowDuration  = 10 * time.Minute
	DefaultMaxEvents       = 500
	DefaultLatencyTargetMs = 1000
	DefaultNamespace       = "connpool"
)

func (c *MetricsConfig) CheckAndSetDefaults() error {
	if c.WindowSize < 0 || c.WindowDuration < 0 || c.MaxEvents < 0 || c.LatencyTargetMs < 0 {
		return NewConfigurationError("", "metrics", "values must not be negative")
	}
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.WindowDuration == 0 {
		c.WindowDuration = DefaultWindowDuration
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = DefaultMaxEvents
	}
	if c.LatencyTargetMs == 0 {
		c.LatencyTargetMs = DefaultLatencyTargetMs
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	return nil
}

// MonitorConfig configures the PoolMonitor.
type MonitorConfig struct {
	PollInterval               time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	UnhealthyRatioThreshold    float64       `json:"unhealthy_ratio_threshold,omitempty" yaml:"unhealthy_ratio_threshold,omitempty"`
	ExhaustionRateThreshold    float64       `json:"exhaustion_rate_threshold,omitempty" yaml:"exhaustion_rate_threshold,omitempty"`
	MinSuccessRate             float64       `json:"min_success_rate,omitempty" yaml:"min_success_rate,omitempty"`
	MinRequestsForSuccessAlert int           `json:"min_requests_for_success_alert,omitempty" yaml:"min_requests_for_success_alert,omitempty"`
}

const (
	DefaultPollInterval               = 15 * time.Second
	DefaultUnhealthyRatioThreshold    = 0.3
	DefaultExhaustionRateThreshold    = 0.1
	DefaultMinSuccessRate             = 0.9
	DefaultMinRequestsForSuccessAlert = 20
)

func (c *MonitorConfig) CheckAndSetDefaults() error {
	if c.UnhealthyRatioThreshold < 0 || c.UnhealthyRatioThreshold > 1 {
		return NewConfigurationError("", "monitor.unhealthy_ratio_threshold", "must be within [0, 1]")
	}
	if c.ExhaustionRateThreshold < 0 || c.ExhaustionRateThreshold > 1 {
		return NewConfigurationError("", "monitor.exhaustion_rate_threshold", "must be within [0, 1]")
	}
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 {
		return NewConfigurationError("", "monitor.min_success_rate", "must be within [0, 1]")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.UnhealthyRatioThreshold == 0 {
		c.UnhealthyRatioThreshold = DefaultUnhealthyRatioThreshold
	}
	if c.ExhaustionRateThreshold == 0 {
		c.ExhaustionRateThreshold = DefaultExhaustionRateThreshold
	}
	if c.MinSuccessRate == 0 {
		c.MinSuccessRate = DefaultMinSuccessRate
	}
	if c.MinRequestsForSuccessAlert <= 0 {
		c.MinRequestsForSuccessAlert = DefaultMinRequestsForSuccessAlert
	}
	return nil
}

// AutoScaleConfig configures the manager's utilisation-driven scaler.
type AutoScaleConfig struct {
	Enabled              bool          `json:"enabled" yaml:"enabled"`
	Interval             time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	ScaleUpUtilization   float64       `json:"scale_up_utilization,omitempty" yaml:"scale_up_utilization,omitempty"`
	ScaleDownUtilization float64       `json:"scale_down_utilization,omitempty" yaml:"scale_down_utilization,omitempty"`
	Step                 int           `json:"step,omitempty" yaml:"step,omitempty"`
}

const (
	DefaultAutoScaleInterval    = 30 * time.Second
	DefaultScaleUpUtilization   = 0.8
	DefaultScaleDownUtilization = 0.2
	DefaultScaleStep            = 1
)

func (c *AutoScaleConfig) CheckAndSetDefaults() error {
	if c.Interval <= 0 {
		c.Interval = DefaultAutoScaleInterval
	}
	if c.ScaleUpUtilization <= 0 {
		c.ScaleUpUtilization = DefaultScaleUpUtilization
	}
	if c.ScaleDownUtilization <= 0 {
		c.ScaleDownUtilization = DefaultScaleDownUtilization
	}
	if c.Step <= 0 {
		c.Step = DefaultScaleStep
	}
	if c.ScaleDownUtilization >= c.ScaleUpUtilization {
		return NewConfigurationError("", "auto_scale", "scale_down_utilization must be below scale_up_utilization")
	}
	return nil
}

// ProviderConfig is the structured per-provider input.
type ProviderConfig struct {
	Connections []ConnectionConfig `json:"connections" yaml:"connections"`
	Pool        PoolConfig         `json:"pool" yaml:"pool"`
}

// Account supplies provider configuration to the manager.
type Account interface {
	// GetConfiguredProviders returns the providers to build pools for.
	GetConfiguredProviders() ([]string, error)
	// GetConnectionConfigs returns the connection configs of a provider.
	GetConnectionConfigs(provider string) ([]ConnectionConfig, error)
	// GetPoolConfig returns the pool config of a provider.
	GetPoolConfig(provider string) (*PoolConfig, error)
}

// ManagerConfig configures the global connection manager.
type ManagerConfig struct {
	// Account takes precedence over Providers when set.
	Account     Account                   `json:"-" yaml:"-"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	HealthCheck HealthCheckConfig         `json:"health_check" yaml:"health_check"`
	Metrics     MetricsConfig             `json:"metrics" yaml:"metrics"`
	Monitor     MonitorConfig             `json:"monitor" yaml:"monitor"`
	AutoScale   AutoScaleConfig           `json:"auto_scale" yaml:"auto_scale"`
	LogLevel    LogLevel                  `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogOutput   LoggerOutputType          `json:"log_output,omitempty" yaml:"log_output,omitempty"`

	Logger        Logger        `json:"-" yaml:"-"`
	AlertObserver AlertObserver `json:"-" yaml:"-"`
}

// CheckAndSetDefaults validates every sub-config.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if err := c.HealthCheck.CheckAndSetDefaults(); err != nil {
		return err
	}
	if err := c.Metrics.CheckAndSetDefaults(); err != nil {
		return err
	}
	if err := c.Monitor.CheckAndSetDefaults(); err != nil {
		return err
	}
	if err := c.AutoScale.CheckAndSetDefaults(); err != nil {
		return err
	}
	if c.LogLevel == "" {
		c.LogLevel = LogLevelInfo
	}
	if c.LogOutput == "" {
		c.LogOutput = LoggerOutputTypeJSON
	}
	return nil
}
