package schemas

import (
	"strings"
	"time"
)

// ConnectionStatus is the lifecycle state of a pooled connection.
type ConnectionStatus string

const (
	ConnectionStatusIdle      ConnectionStatus = "idle"
	ConnectionStatusActive    ConnectionStatus = "active"
	ConnectionStatusDegraded  ConnectionStatus = "degraded"
	ConnectionStatusUnhealthy ConnectionStatus = "unhealthy"
	ConnectionStatusClosed    ConnectionStatus = "closed"
)

// Eligible reports whether a connection in this status may be handed out.
// DEGRADED connections stay eligible; strategies deprioritise them.
func (s ConnectionStatus) Eligible() bool {
	switch s {
	case ConnectionStatusIdle, ConnectionStatusActive, ConnectionStatusDegraded:
		return true
	}
	return false
}

// HealthState is the HealthChecker's view of a connection.
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnhealthy HealthState = "unhealthy"
)

// RequestOutcome is what a caller reports when releasing a connection.
type RequestOutcome struct {
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency"`
	// Error is informational only and never surfaced back to callers.
	Error error `json:"-"`
}

// SuccessOutcome is a convenience constructor.
func SuccessOutcome(latency time.Duration) RequestOutcome {
	return RequestOutcome{Success: true, Latency: latency}
}

// FailureOutcome is a convenience constructor.
func FailureOutcome(latency time.Duration, err error) RequestOutcome {
	return RequestOutcome{Success: false, Latency: latency, Error: err}
}

// AuthType selects how a connection authenticates upstream.
type AuthType string

const (
	AuthTypeBearer   AuthType = "bearer"
	AuthTypeHeader   AuthType = "header"
	AuthTypeAWSSigV4 AuthType = "aws_sigv4"
	AuthTypeNone     AuthType = "none"
)

// AWSAuthConfig carries SigV4 signing material. Empty keys fall back to the
// default AWS credential chain.
type AWSAuthConfig struct {
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty" yaml:"session_token,omitempty"`
	Region          string `json:"region" yaml:"region"`
	Service         string `json:"service" yaml:"service"`
}

// AuthConfig describes how Credential is attached to upstream requests.
type AuthConfig struct {
	Type AuthType `json:"type,omitempty" yaml:"type,omitempty"`
	// Header names the header used by AuthTypeHeader (e.g. "x-api-key").
	Header string         `json:"header,omitempty" yaml:"header,omitempty"`
	AWS    *AWSAuthConfig `json:"aws,omitempty" yaml:"aws,omitempty"`
}

// RateLimitConfig is a per-connection request ceiling: MaxRequests per Per.
type RateLimitConfig struct {
	MaxRequests int           `json:"max_requests" yaml:"max_requests"`
	Per         time.Duration `json:"per" yaml:"per"`
}

// ConnectionConfig describes one upstream credential/endpoint pair.
type ConnectionConfig struct {
	ID         string            `json:"id" yaml:"id"`
	Credential string            `json:"credential" yaml:"credential"`
	Endpoint   string            `json:"endpoint" yaml:"endpoint"`
	HealthPath string            `json:"health_path,omitempty" yaml:"health_path,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RateLimit  *RateLimitConfig  `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	// Weight is used by weighted strategies and WEIGHTED_DISTRIBUTION. 0 means 1.
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	// MaxInFlight caps concurrent leases on one connection. 0 means unlimited.
	MaxInFlight int        `json:"max_in_flight,omitempty" yaml:"max_in_flight,omitempty"`
	Auth        AuthConfig `json:"auth,omitempty" yaml:"auth,omitempty"`
}

const DefaultConnectionTimeout = 30 * time.Second

// EffectiveWeight returns the weight used for selection.
func (c ConnectionConfig) EffectiveWeight() float64 {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *ConnectionConfig) CheckAndSetDefaults(provider string) error {
	if strings.TrimSpace(c.ID) == "" {
		return NewConfigurationError(provider, "connections.id", "must not be empty")
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return NewConfigurationError(provider, "connections."+c.ID+".endpoint", "must not be empty")
	}
	if c.Weight < 0 {
		return NewConfigurationError(provider, "connections."+c.ID+".weight", "must not be negative")
	}
	if c.MaxInFlight < 0 {
		return NewConfigurationError(provider, "connections."+c.ID+".max_in_flight", "must not be negative")
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConnectionTimeout
	}
	if c.RateLimit != nil {
		if c.RateLimit.MaxRequests <= 0 {
			return NewConfigurationError(provider, "connections."+c.ID+".rate_limit.max_requests", "must be positive")
		}
		if c.RateLimit.Per <= 0 {
			c.RateLimit.Per = time.Second
		}
	}
	if c.Auth.Type == "" {
		if c.Credential == "" {
			c.Auth.Type = AuthTypeNone
		} else {
			c.Auth.Type = AuthTypeBearer
		}
	}
	switch c.Auth.Type {
	case AuthTypeBearer, AuthTypeNone:
	case AuthTypeHeader:
		if c.Auth.Header == "" {
			return NewConfigurationError(provider, "connections."+c.ID+".auth.header", "required for header auth")
		}
	case AuthTypeAWSSigV4:
		if c.Auth.AWS == nil || c.Auth.AWS.Region == "" {
			return NewConfigurationError(provider, "connections."+c.ID+".auth.aws.region", "required for aws_sigv4 auth")
		}
		if (c.Auth.AWS.AccessKeyID == "") != (c.Auth.AWS.SecretAccessKey == "") {
			return NewConfigurationError(provider, "connections."+c.ID+".auth.aws", "access_key_id and secret_access_key must be set together")
		}
		if c.Auth.AWS.Service == "" {
			c.Auth.AWS.Service = "execute-api"
		}
	default:
		return NewConfigurationError(provider, "connections."+c.ID+".auth.type", "unknown auth type "+string(c.Auth.Type))
	}
	return nil
}

// ConnectionHandle is the narrow view of a connection that load-balancing
// strategies operate on.
type ConnectionHandle interface {
	ID() string
	ConfigID() string
	Provider() string
	Weight() float64
	Status() ConnectionStatus
}

// ConnectionStats is a point-in-time snapshot of one connection.
type ConnectionStats struct {
	ID           string           `json:"id"`
	ConfigID     string           `json:"config_id"`
	Provider     string           `json:"provider"`
	Status       ConnectionStatus `json:"status"`
	Weight       float64          `json:"weight"`
	InFlight     int              `json:"in_flight"`
	RequestCount int64            `json:"request_count"`
	ErrorCount   int64            `json:"error_count"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
	CreatedAt    time.Time        `json:"created_at"`
	LastUsed     time.Time        `json:"last_used"`
}

// ConnectionEventType names a lifecycle event published by a pool.
type ConnectionEventType string

const (
	EventConnectionCreated        ConnectionEventType = "created"
	EventConnectionClosed         ConnectionEventType = "closed"
	EventConnectionReplaced       ConnectionEventType = "replaced"
	EventConnectionCreationFailed ConnectionEventType = "creation_failed"
	EventConnectionHealthChanged  ConnectionEventType = "health_changed"
	EventPoolScaled               ConnectionEventType = "scaled"
	EventPoolExhausted            ConnectionEventType = "exhausted"
)

// ConnectionEvent is a lifecycle event. ConnectionID may be empty for
// pool-wide events.
type ConnectionEvent struct {
	Type         ConnectionEventType `json:"type"`
	Provider     string              `json:"provider"`
	ConnectionID string              `json:"connection_id,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
}
