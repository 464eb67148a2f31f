// Package monitor watches registered pools and raises alerts when they cross
// configured thresholds.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maximhq/connpool/pool"
	"github.com/maximhq/connpool/schemas"
)

// ErrMonitorShutdown is returned when registering with a stopped monitor.
var ErrMonitorShutdown = errors.New("monitor is shut down")

// MetricsSource provides windowed request metrics per provider.
type MetricsSource interface {
	GetMetrics(provider string) schemas.ProviderMetrics
}

type alertKey struct {
	provider string
	kind     schemas.AlertKind
}

type registration struct {
	pool   *pool.Pool
	cancel context.CancelFunc
	done   chan struct{}

	// exhaustion counters as of the previous poll
	lastAttempts  int64
	lastExhausted int64
}

// Monitor is the PoolMonitor. Each condition alerts once per (provider, kind)
// until it clears.
type Monitor struct {
	config   schemas.MonitorConfig
	observer schemas.AlertObserver
	metrics  MetricsSource
	logger   schemas.Logger

	mu     sync.Mutex
	pools  map[string]*registration
	active map[alertKey]schemas.Alert
	closed bool
}

// New creates a Monitor. observer and metrics may be nil.
func New(config schemas.MonitorConfig, observer schemas.AlertObserver, metrics MetricsSource, logger schemas.Logger) (*Monitor, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = schemas.NoopLogger{}
	}
	return &Monitor{
		config:   config,
		observer: observer,
		metrics:  metrics,
		logger:   logger,
		pools:    make(map[string]*registration),
		active:   make(map[alertKey]schemas.Alert),
	}, nil
}

// RegisterPool starts polling p under the given provider name.
func (m *Monitor) RegisterPool(provider string, p *pool.Pool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMonitorShutdown
	}
	if _, exists := m.pools[provider]; exists {
		m.mu.Unlock()
		return schemas.NewConfigurationError(provider, "", "provider already registered with the monitor")
	}
	stats := p.Stats()
	ctx, cancel := context.WithCancel(context.Background())
	reg := &registration{
		pool:          p,
		cancel:        cancel,
		done:          make(chan struct{}),
		lastAttempts:  stats.AcquireAttempts,
		lastExhausted: stats.ExhaustedAcquires,
	}
	m.pools[provider] = reg
	m.mu.Unlock()

	p.Subscribe(func(event schemas.ConnectionEvent) { m.onPoolEvent(provider, p, event) })
	go m.poll(ctx, provider, reg.done)
	m.logger.Debug("monitoring pool for provider %s", provider)
	return nil
}

// UnregisterPool stops polling a provider and clears its active alerts.
func (m *Monitor) UnregisterPool(provider string) {
	m.mu.Lock()
	reg, ok := m.pools[provider]
	delete(m.pools, provider)
	for key := range m.active {
		if key.provider == provider {
			delete(m.active, key)
		}
	}
	m.mu.Unlock()
	if ok {
		reg.cancel()
		<-reg.done
	}
}

func (m *Monitor) poll(ctx context.Context, provider string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(provider)
		}
	}
}

func (m *Monitor) registered(provider string, p *pool.Pool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.pools[provider]
	return ok && reg.pool == p && !m.closed
}

func (m *Monitor) onPoolEvent(provider string, p *pool.Pool, event schemas.ConnectionEvent) {
	if !m.registered(provider, p) {
		return
	}
	switch event.Type {
	case schemas.EventConnectionCreationFailed:
		m.raise(schemas.Alert{
			Provider: provider,
			Kind:     schemas.AlertKindCreationFailure,
			Severity: schemas.AlertSeverityCritical,
			Message:  fmt.Sprintf("failed to create connection for provider %s after retries", provider),
			Metadata: event.Metadata,
		})
	case schemas.EventConnectionCreated, schemas.EventConnectionReplaced:
		m.resolve(provider, schemas.AlertKindCreationFailure)
	}
}

// Evaluate runs one poll of a provider and returns the alerts raised by it.
func (m *Monitor) Evaluate(provider string) []schemas.Alert {
	m.mu.Lock()
	reg, ok := m.pools[provider]
	if !ok || m.closed {
		m.mu.Unlock()
		return nil
	}
	p := reg.pool
	m.mu.Unlock()

	stats := p.Stats()
	report := p.HealthReport()

	m.mu.Lock()
	attempts := stats.AcquireAttempts - reg.lastAttempts
	exhausted := stats.ExhaustedAcquires - reg.lastExhausted
	reg.lastAttempts, reg.lastExhausted = stats.AcquireAttempts, stats.ExhaustedAcquires
	m.mu.Unlock()

	var raised []schemas.Alert
	check := func(violated bool, alert schemas.Alert) {
		if !violated {
			m.resolve(provider, alert.Kind)
			return
		}
		alert.Provider = provider
		if a, ok := m.raise(alert); ok {
			raised = append(raised, a)
		}
	}

	usable := report.HealthyConnections + report.DegradedConnections
	check(report.TotalConnections > 0 && usable == 0, schemas.Alert{
		Kind:     schemas.AlertKindNoHealthyUpstream,
		Severity: schemas.AlertSeverityCritical,
		Message:  fmt.Sprintf("provider %s has no usable connections", provider),
	})

	ratio := report.UnhealthyRatio()
	check(ratio > m.config.UnhealthyRatioThreshold, schemas.Alert{
		Kind:      schemas.AlertKindUnhealthyRatio,
		Severity:  schemas.AlertSeverityWarning,
		Message:   fmt.Sprintf("%.0f%% of connections for provider %s are unhealthy", ratio*100, provider),
		Value:     ratio,
		Threshold: m.config.UnhealthyRatioThreshold,
	})

	exhaustionRate := 0.0
	if attempts > 0 {
		exhaustionRate = float64(exhausted) / float64(attempts)
	}
	check(exhaustionRate > m.config.ExhaustionRateThreshold, schemas.Alert{
		Kind:      schemas.AlertKindExhaustion,
		Severity:  schemas.AlertSeverityWarning,
		Message:   fmt.Sprintf("%d of %d acquires for provider %s timed out", exhausted, attempts, provider),
		Value:     exhaustionRate,
		Threshold: m.config.ExhaustionRateThreshold,
		Metadata:  map[string]any{"max_connections": stats.MaxConnections, "total_connections": stats.TotalConnections},
	})

	if m.metrics != nil {
		pm := m.metrics.GetMetrics(provider)
		enough := pm.WindowSamples >= m.config.MinRequestsForSuccessAlert
		check(enough && pm.WindowSuccessRate < m.config.MinSuccessRate, schemas.Alert{
			Kind:      schemas.AlertKindLowSuccessRate,
			Severity:  schemas.AlertSeverityWarning,
			Message:   fmt.Sprintf("success rate for provider %s is %.1f%%", provider, pm.WindowSuccessRate*100),
			Value:     pm.WindowSuccessRate,
			Threshold: m.config.MinSuccessRate,
		})
	}
	return raised
}

// raise records and delivers an alert unless one of the same kind is already
// active for the provider.
func (m *Monitor) raise(alert schemas.Alert) (schemas.Alert, bool) {
	key := alertKey{provider: alert.Provider, kind: alert.Kind}
	m.mu.Lock()
	if _, active := m.active[key]; active || m.closed {
		m.mu.Unlock()
		return schemas.Alert{}, false
	}
	alert.ID = uuid.NewString()
	alert.Timestamp = time.Now()
	m.active[key] = alert
	observer := m.observer
	m.mu.Unlock()

	m.logger.Warn("alert [%s] %s: %s", alert.Severity, alert.Kind, alert.Message)
	if observer != nil {
		observer.OnAlert(alert)
	}
	return alert, true
}

func (m *Monitor) resolve(provider string, kind schemas.AlertKind) {
	key := alertKey{provider: provider, kind: kind}
	m.mu.Lock()
	_, active := m.active[key]
	delete(m.active, key)
	m.mu.Unlock()
	if active {
		m.logger.Info("alert %s for provider %s resolved", kind, provider)
	}
}

// GetActiveAlerts returns the currently active alerts, oldest first.
func (m *Monitor) GetActiveAlerts() []schemas.Alert {
	m.mu.Lock()
	alerts := make([]schemas.Alert, 0, len(m.active))
	for _, alert := range m.active {
		alerts = append(alerts, alert)
	}
	m.mu.Unlock()
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Timestamp.Equal(alerts[j].Timestamp) {
			return alerts[i].Provider+string(alerts[i].Kind) < alerts[j].Provider+string(alerts[j].Kind)
		}
		return alerts[i].Timestamp.Before(alerts[j].Timestamp)
	})
	return alerts
}

// GetMonitoringDashboard aggregates every registered pool.
func (m *Monitor) GetMonitoringDashboard() schemas.Dashboard {
	m.mu.Lock()
	pools := make(map[string]*pool.Pool, len(m.pools))
	for provider, reg := range m.pools {
		pools[provider] = reg.pool
	}
	m.mu.Unlock()

	dashboard := schemas.Dashboard{
		Providers:          make(map[string]schemas.ProviderDashboard, len(pools)),
		ActiveAlerts:       m.GetActiveAlerts(),
		OverallHealthScore: 100,
		Timestamp:          time.Now(),
	}

	var weightedScore, scoreSum float64
	totalConnections := 0
	for provider, p := range pools {
		report := p.HealthReport()
		successRate := 1.0
		if m.metrics != nil {
			if pm := m.metrics.GetMetrics(provider); pm.WindowSamples > 0 {
				successRate = pm.WindowSuccessRate
			}
		}
		score := healthScore(successRate, report.UnhealthyRatio())
		dashboard.Providers[provider] = schemas.ProviderDashboard{
			Provider:    provider,
			Health:      report,
			Stats:       p.Stats(),
			SuccessRate: successRate,
			HealthScore: score,
		}
		weightedScore += score * float64(report.TotalConnections)
		scoreSum += score
		totalConnections += report.TotalConnections
	}
	switch {
	case totalConnections > 0:
		dashboard.OverallHealthScore = weightedScore / float64(totalConnections)
	case len(pools) > 0:
		dashboard.OverallHealthScore = scoreSum / float64(len(pools))
	}
	return dashboard
}

func healthScore(successRate, unhealthyRatio float64) float64 {
	return 100 * (0.6*successRate + 0.4*(1-unhealthyRatio))
}

// Shutdown stops every poll loop. It is idempotent.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	regs := make([]*registration, 0, len(m.pools))
	for _, reg := range m.pools {
		regs = append(regs, reg)
	}
	m.pools = make(map[string]*registration)
	m.mu.Unlock()

	for _, reg := range regs {
		reg.cancel()
		<-reg.done
	}
}
