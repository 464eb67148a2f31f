package monitor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maximhq/connpool/internal/testutil"
	"github.com/maximhq/connpool/metrics"
	"github.com/maximhq/connpool/monitor"
	"github.com/maximhq/connpool/pool"
	"github.com/maximhq/connpool/schemas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	monitor  *monitor.Monitor
	alerts   *testutil.AlertRecorder
	metrics  *metrics.Collector
	dialer   *testutil.FakeDialer
	provider string
	pool     *pool.Pool
}

func newFixture(t *testing.T, config schemas.MonitorConfig, poolConfig schemas.PoolConfig, configs []schemas.ConnectionConfig) *fixture {
	t.Helper()
	if config.PollInterval == 0 {
		config.PollInterval = time.Hour
	}
	collector, err := metrics.New(schemas.MetricsConfig{}, nil)
	require.NoError(t, err)
	alerts := &testutil.AlertRecorder{}
	m, err := monitor.New(config, alerts, collector, testutil.TestLogger{T: t})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	f := &fixture{monitor: m, alerts: alerts, metrics: collector, dialer: testutil.NewFakeDialer()}
	f.pool = f.addPool(t, "openai", poolConfig, configs)
	f.provider = "openai"
	return f
}

func (f *fixture) addPool(t *testing.T, provider string, poolConfig schemas.PoolConfig, configs []schemas.ConnectionConfig) *pool.Pool {
	t.Helper()
	p := pool.New(provider, poolConfig, configs, pool.Options{Dialer: f.dialer, Metrics: f.metrics})
	t.Cleanup(p.Stop)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, f.monitor.RegisterPool(provider, p))
	return p
}

func (f *fixture) setHealth(t *testing.T, state schemas.HealthState, n int) {
	t.Helper()
	for _, conn := range f.pool.Connections()[:n] {
		require.NoError(t, f.pool.SetHealth(conn.ID(), state))
	}
}

func kinds(alerts []schemas.Alert) []schemas.AlertKind {
	out := make([]schemas.AlertKind, 0, len(alerts))
	for _, alert := range alerts {
		out = append(out, alert.Kind)
	}
	return out
}

func TestUnhealthyRatioAlertIsDebounced(t *testing.T) {
	f := newFixture(t, schemas.MonitorConfig{}, testutil.FastPoolConfig(3, 3, ""), testutil.Configs("a", "b", "c"))
	f.setHealth(t, schemas.HealthStateUnhealthy, 2)

	raised := f.monitor.Evaluate(f.provider)
	require.Equal(t, []schemas.AlertKind{schemas.AlertKindUnhealthyRatio}, kinds(raised))
	alert := raised[0]
	assert.Equal(t, "openai", alert.Provider)
	assert.Equal(t, schemas.AlertSeverityWarning, alert.Severity)
	assert.InDelta(t, 2.0/3.0, alert.Value, 1e-9)
	assert.Equal(t, 0.3, alert.Threshold)
	assert.NotEmpty(t, alert.ID)
	assert.False(t, alert.Timestamp.IsZero())

	assert.Empty(t, f.monitor.Evaluate(f.provider), "an active alert is not raised twice")
	assert.Equal(t, 1, f.alerts.Count(schemas.AlertKindUnhealthyRatio))
	assert.Len(t, f.monitor.GetActiveAlerts(), 1)

	f.setHealth(t, schemas.HealthStateHealthy, 2)
	assert.Empty(t, f.monitor.Evaluate(f.provider))
	assert.Empty(t, f.monitor.GetActiveAlerts())

	f.setHealth(t, schemas.HealthStateUnhealthy, 2)
	f.monitor.Evaluate(f.provider)
	assert.Equal(t, 2, f.alerts.Count(schemas.AlertKindUnhealthyRatio), "a cleared condition alerts again")
}

func TestNoUsableConnectionsIsCritical(t *testing.T) {
	f := newFixture(t, schemas.MonitorConfig{}, testutil.FastPoolConfig(2, 2, ""), testutil.Configs("a", "b"))
	f.setHealth(t, schemas.HealthStateUnhealthy, 2)

	raised := f.monitor.Evaluate(f.provider)
	assert.ElementsMatch(t, []schemas.AlertKind{schemas.AlertKindNoHealthyUpstream, schemas.AlertKindUnhealthyRatio}, kinds(raised))
	for _, alert := range raised {
		if alert.Kind == schemas.AlertKindNoHealthyUpstream {
			assert.Equal(t, schemas.AlertSeverityCritical, alert.Severity)
		}
	}
}

func TestExhaustionRateAlert(t *testing.T) {
	configs := testutil.Configs("a")
	configs[0].MaxInFlight = 1
	f := newFixture(t, schemas.MonitorConfig{}, testutil.FastPoolConfig(1, 1, ""), configs)

	lease, err := f.pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	for range 2 {
		_, err := f.pool.Acquire(context.Background(), 10*time.Millisecond)
		require.ErrorIs(t, err, schemas.ErrPoolExhausted)
	}
	require.NoError(t, lease.Release(schemas.SuccessOutcome(time.Millisecond)))

	raised := f.monitor.Evaluate(f.provider)
	require.Equal(t, []schemas.AlertKind{schemas.AlertKindExhaustion}, kinds(raised))
	assert.InDelta(t, 2.0/3.0, raised[0].Value, 1e-9)

	// No new acquires since the last poll.
	assert.Empty(t, f.monitor.Evaluate(f.provider))
	assert.Empty(t, f.monitor.GetActiveAlerts())
}

func TestLowSuccessRateAlert(t *testing.T) {
	f := newFixture(t, schemas.MonitorConfig{MinRequestsForSuccessAlert: 20}, testutil.FastPoolConfig(1, 1, ""), testutil.Configs("a"))

	release := func(n int, err error) {
		for range n {
			lease, acquireErr := f.pool.Acquire(context.Background(), time.Second)
			require.NoError(t, acquireErr)
			require.NoError(t, lease.ReleaseWithError(err))
		}
	}

	release(10, errors.New("upstream 500"))
	assert.Empty(t, f.monitor.Evaluate(f.provider), "too few samples to judge")

	release(15, nil)
	raised := f.monitor.Evaluate(f.provider)
	require.Equal(t, []schemas.AlertKind{schemas.AlertKindLowSuccessRate}, kinds(raised))
	assert.InDelta(t, 0.6, raised[0].Value, 1e-9)
}

func TestCreationFailureAlert(t *testing.T) {
	f := newFixture(t, schemas.MonitorConfig{}, testutil.FastPoolConfig(1, 2, ""), testutil.Configs("a", "b"))

	f.dialer.Refuse("b", -1)
	require.Error(t, f.pool.Scale(context.Background(), 2))
	require.Equal(t, 1, f.alerts.Count(schemas.AlertKindCreationFailure))
	active := f.monitor.GetActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, schemas.AlertSeverityCritical, active[0].Severity)
	assert.Equal(t, "b", active[0].Metadata["config_id"])

	f.dialer.Refuse("b", 0)
	require.NoError(t, f.pool.Scale(context.Background(), 2))
	assert.Empty(t, f.monitor.GetActiveAlerts())
}

func TestPollLoopRaisesAlerts(t *testing.T) {
	f := newFixture(t, schemas.MonitorConfig{PollInterval: 10 * time.Millisecond}, testutil.FastPoolConfig(1, 1, ""), testutil.Configs("a"))
	f.setHealth(t, schemas.HealthStateUnhealthy, 1)

	assert.Eventually(t, func() bool {
		return f.alerts.Count(schemas.AlertKindNoHealthyUpstream) == 1
	}, time.Second, 5*time.Millisecond)

	f.monitor.Shutdown()
}

func TestMonitoringDashboard(t *testing.T) {
	f := newFixture(t, schemas.MonitorConfig{}, testutil.FastPoolConfig(2, 2, ""), testutil.Configs("a", "b"))
	f.addPool(t, "anthropic", testutil.FastPoolConfig(2, 2, ""), testutil.Configs("c", "d"))

	f.setHealth(t, schemas.HealthStateUnhealthy, 1)
	for i := range 10 {
		outcome := schemas.SuccessOutcome(time.Millisecond)
		if i < 2 {
			outcome = schemas.FailureOutcome(time.Millisecond, errors.New("upstream 500"))
		}
		f.metrics.RecordRequest("openai", "a", outcome)
	}

	dashboard := f.monitor.GetMonitoringDashboard()
	require.Len(t, dashboard.Providers, 2)

	openai := dashboard.Providers["openai"]
	assert.InDelta(t, 0.8, openai.SuccessRate, 1e-9)
	assert.InDelta(t, 68.0, openai.HealthScore, 1e-9)
	assert.Equal(t, 1, openai.Health.UnhealthyConnections)

	anthropic := dashboard.Providers["anthropic"]
	assert.Equal(t, 1.0, anthropic.SuccessRate)
	assert.InDelta(t, 100.0, anthropic.HealthScore, 1e-9)

	assert.InDelta(t, 84.0, dashboard.OverallHealthScore, 1e-9)
	assert.False(t, dashboard.Timestamp.IsZero())
}

func TestEmptyDashboard(t *testing.T) {
	m, err := monitor.New(schemas.MonitorConfig{}, nil, nil, nil)
	require.NoError(t, err)
	dashboard := m.GetMonitoringDashboard()
	assert.Equal(t, 100.0, dashboard.OverallHealthScore)
	assert.Empty(t, dashboard.Providers)
	assert.Empty(t, dashboard.ActiveAlerts)
}

func TestRegistrationLifecycle(t *testing.T) {
	f := newFixture(t, schemas.MonitorConfig{}, testutil.FastPoolConfig(1, 1, ""), testutil.Configs("a"))

	err := f.monitor.RegisterPool("openai", f.pool)
	assert.ErrorIs(t, err, schemas.ErrConfiguration)

	f.setHealth(t, schemas.HealthStateUnhealthy, 1)
	f.monitor.Evaluate(f.provider)
	require.NotEmpty(t, f.monitor.GetActiveAlerts())

	f.monitor.UnregisterPool("openai")
	assert.Empty(t, f.monitor.GetActiveAlerts())
	assert.Nil(t, f.monitor.Evaluate("openai"))

	f.monitor.Shutdown()
	f.monitor.Shutdown()
	assert.ErrorIs(t, f.monitor.RegisterPool("openai", f.pool), monitor.ErrMonitorShutdown)
}

func TestInvalidConfig(t *testing.T) {
	_, err := monitor.New(schemas.MonitorConfig{UnhealthyRatioThreshold: 1.5}, nil, nil, nil)
	assert.ErrorIs(t, err, schemas.ErrConfiguration)
}
