package schemas

import "time"

// AlertSeverity ranks alerts.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertKind identifies the condition that raised an alert. Debouncing is
// keyed by (provider, kind).
type AlertKind string

const (
	AlertKindUnhealthyRatio    AlertKind = "unhealthy_ratio"
	AlertKindExhaustion        AlertKind = "pool_exhaustion"
	AlertKindLowSuccessRate    AlertKind = "low_success_rate"
	AlertKindCreationFailure   AlertKind = "connection_creation_failure"
	AlertKindNoHealthyUpstream AlertKind = "no_healthy_connections"
)

// Alert is a threshold violation raised by the monitor.
type Alert struct {
	ID        string         `json:"id"`
	Provider  string         `json:"provider"`
	Kind      AlertKind      `json:"kind"`
	Severity  AlertSeverity  `json:"severity"`
	Message   string         `json:"message"`
	Value     float64        `json:"value"`
	Threshold float64        `json:"threshold"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AlertObserver receives alerts. Implementations must not block for long;
// they are called from monitor goroutines.
type AlertObserver interface {
	OnAlert(alert Alert)
}

// AlertObserverFunc adapts a function to AlertObserver.
type AlertObserverFunc func(alert Alert)

func (f AlertObserverFunc) OnAlert(alert Alert) { f(alert) }
