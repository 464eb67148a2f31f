package connpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/maximhq/connpool/health"
	"github.com/maximhq/connpool/internal/testutil"
	"github.com/maximhq/connpool/pool"
	"github.com/maximhq/connpool/schemas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 500")

func providerConfig(minConns, maxConns int, ids ...string) schemas.ProviderConfig {
	return schemas.ProviderConfig{
		Connections: testutil.Configs(ids...),
		Pool:        testutil.FastPoolConfig(minConns, maxConns, schemas.StrategyRoundRobin),
	}
}

func newTestManager(t *testing.T, config schemas.ManagerConfig, opts ...Option) (*Manager, *testutil.FakeDialer) {
	t.Helper()
	dialer := testutil.NewFakeDialer()
	if config.Logger == nil {
		config.Logger = testutil.TestLogger{T: t}
	}
	manager, err := Init(context.Background(), config, append([]Option{WithDialer(dialer)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(manager.Shutdown)
	return manager, dialer
}

type fakeAccount struct {
	providers map[string]schemas.ProviderConfig
	failOn    string
}

func (a *fakeAccount) GetConfiguredProviders() ([]string, error) {
	providers := make([]string, 0, len(a.providers))
	for provider := range a.providers {
		providers = append(providers, provider)
	}
	return providers, nil
}

func (a *fakeAccount) GetConnectionConfigs(provider string) ([]schemas.ConnectionConfig, error) {
	if provider == a.failOn {
		return nil, errors.New("account backend unavailable")
	}
	return a.providers[provider].Connections, nil
}

func (a *fakeAccount) GetPoolConfig(provider string) (*schemas.PoolConfig, error) {
	return nil, nil
}

func TestInitConfiguresProviders(t *testing.T) {
	manager, dialer := newTestManager(t, schemas.ManagerConfig{
		Providers: map[string]schemas.ProviderConfig{
			"openai":    providerConfig(2, 4, "o1", "o2"),
			"anthropic": providerConfig(1, 2, "a1"),
		},
	})

	assert.Equal(t, []string{"anthropic", "openai"}, manager.Providers())
	assert.Equal(t, 3, dialer.Dials())

	stats := manager.GetGlobalStats()
	assert.Equal(t, 2, stats.ProviderCount)
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 1.0, stats.OverallSuccessRate)
	assert.Equal(t, 2, stats.Providers["openai"].TotalConnections)
}

func TestInitFromAccountUsesDefaultPoolConfig(t *testing.T) {
	manager, _ := newTestManager(t, schemas.ManagerConfig{
		Account: &fakeAccount{providers: map[string]schemas.ProviderConfig{"cohere": {Connections: testutil.Configs("c1")}}},
	})

	stats, err := manager.GetProviderStats("cohere")
	require.NoError(t, err)
	assert.Equal(t, schemas.DefaultMinConnections, stats.MinConnections)
	assert.Equal(t, schemas.DefaultMaxConnections, stats.MaxConnections)
	assert.Equal(t, schemas.StrategyRoundRobin, stats.Strategy)
}

func TestInitFailures(t *testing.T) {
	t.Run("invalid pool bounds", func(t *testing.T) {
		dialer := testutil.NewFakeDialer()
		_, err := Init(context.Background(), schemas.ManagerConfig{
			Providers: map[string]schemas.ProviderConfig{"openai": providerConfig(5, 2, "o1")},
			Logger:    testutil.TestLogger{T: t},
		}, WithDialer(dialer))
		require.ErrorIs(t, err, schemas.ErrConfiguration)
		var cfgErr *schemas.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "openai", cfgErr.Provider)
	})

	t.Run("no connection configs", func(t *testing.T) {
		_, err := Init(context.Background(), schemas.ManagerConfig{
			Providers: map[string]schemas.ProviderConfig{"openai": {}},
			Logger:    testutil.TestLogger{T: t},
		}, WithDialer(testutil.NewFakeDialer()))
		assert.ErrorIs(t, err, schemas.ErrConfiguration)
	})

	t.Run("started pools are stopped when a later provider fails", func(t *testing.T) {
		dialer := testutil.NewFakeDialer()
		dialer.Refuse("z1", -1)
		_, err := Init(context.Background(), schemas.ManagerConfig{
			Providers: map[string]schemas.ProviderConfig{
				"anthropic": providerConfig(1, 1, "a1"),
				"zeta":      providerConfig(1, 1, "z1"),
			},
			Logger: testutil.TestLogger{T: t},
		}, WithDialer(dialer))
		require.ErrorIs(t, err, schemas.ErrConnectionCreation)
		for _, tr := range dialer.Transports() {
			assert.True(t, tr.Closed(), "transport %s left open", tr.ConfigID)
		}
	})

	t.Run("account error", func(t *testing.T) {
		_, err := Init(context.Background(), schemas.ManagerConfig{
			Account: &fakeAccount{
				providers: map[string]schemas.ProviderConfig{"openai": {Connections: testutil.Configs("o1")}},
				failOn:    "openai",
			},
			Logger: testutil.TestLogger{T: t},
		}, WithDialer(testutil.NewFakeDialer()))
		assert.ErrorContains(t, err, "account backend unavailable")
	})
}

func TestAutoConfigureProviderRejectsDuplicates(t *testing.T) {
	manager, _ := newTestManager(t, schemas.ManagerConfig{
		Providers: map[string]schemas.ProviderConfig{"openai": providerConfig(1, 2, "o1")},
	})

	err := manager.AutoConfigureProvider(context.Background(), "openai", testutil.Configs("o2"), testutil.FastPoolConfig(1, 1, ""))
	require.ErrorIs(t, err, schemas.ErrConfiguration)

	require.NoError(t, manager.AutoConfigureProvider(context.Background(), "mistral", testutil.Configs("m1"), testutil.FastPoolConfig(1, 1, "")))
	assert.Equal(t, []string{"mistral", "openai"}, manager.Providers())
}

func TestConcurrentAutoConfigureConfiguresOnce(t *testing.T) {
	manager, _ := newTestManager(t, schemas.ManagerConfig{})

	var wg sync.WaitGroup
	var succeeded, rejected sync.Map
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := manager.AutoConfigureProvider(context.Background(), "openai", testutil.Configs("o1"), testutil.FastPoolConfig(1, 1, ""))
			if err == nil {
				succeeded.Store(i, true)
			} else if errors.Is(err, schemas.ErrConfiguration) {
				rejected.Store(i, true)
			}
		}()
	}
	wg.Wait()

	count := func(m *sync.Map) int {
		n := 0
		m.Range(func(any, any) bool { n++; return true })
		return n
	}
	assert.Equal(t, 1, count(&succeeded))
	assert.Equal(t, 7, count(&rejected))
}

func TestGetConnectionUnknownProvider(t *testing.T) {
	manager, _ := newTestManager(t, schemas.ManagerConfig{})
	_, err := manager.GetConnection(context.Background(), "missing", time.Second)
	assert.ErrorIs(t, err, schemas.ErrProviderNotConfigured)

	_, err = manager.GetProviderStats("missing")
	assert.ErrorIs(t, err, schemas.ErrProviderNotConfigured)
	assert.ErrorIs(t, manager.RemoveProvider("missing"), schemas.ErrProviderNotConfigured)
}

func TestGetAndReleaseConnection(t *testing.T) {
	manager, _ := newTestManager(t, schemas.ManagerConfig{
		Providers: map[string]schemas.ProviderConfig{"openai": providerConfig(2, 2, "o1", "o2")},
	})

	lease, err := manager.GetConnection(context.Background(), "openai", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "openai", lease.Provider())
	require.NoError(t, manager.ReleaseConnection(lease, schemas.SuccessOutcome(25*time.Millisecond)))
	assert.ErrorIs(t, manager.ReleaseConnection(lease, schemas.SuccessOutcome(time.Millisecond)), schemas.ErrLeaseReleased)
	assert.ErrorIs(t, manager.ReleaseConnection(nil, schemas.SuccessOutcome(time.Millisecond)), schemas.ErrConnectionNotFound)

	m := manager.Metrics().GetMetrics("openai")
	assert.Equal(t, int64(1), m.TotalRequests)
	assert.Equal(t, 25.0, m.Latency.MeanMs)
	assert.Equal(t, int64(2), m.EventCounts[schemas.EventConnectionCreated])
}

func TestDoReleasesOnEveryPath(t *testing.T) {
	manager, _ := newTestManager(t, schemas.ManagerConfig{
		Providers: map[string]schemas.ProviderConfig{"openai": providerConfig(1, 1, "o1")},
	})
	inFlight := func() int {
		stats, err := manager.GetProviderStats("openai")
		require.NoError(t, err)
		return stats.InFlight
	}

	err := manager.Do(context.Background(), "openai", time.Second, func(ctx context.Context, lease *pool.Lease) error {
		assert.Equal(t, 1, lease.Connection().InFlight())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, inFlight())

	err = manager.Do(context.Background(), "openai", time.Second, func(ctx context.Context, lease *pool.Lease) error {
		return errUpstream
	})
	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, 0, inFlight())

	assert.PanicsWithValue(t, "boom", func() {
		_ = manager.Do(context.Background(), "openai", time.Second, func(ctx context.Context, lease *pool.Lease) error {
			panic("boom")
		})
	})
	assert.Equal(t, 0, inFlight())

	stats, err := manager.GetProviderStats("openai")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.FailedRequests)
}

func TestDoIsolatesProviders(t *testing.T) {
	manager, _ := newTestManager(t, schemas.ManagerConfig{
		Providers: map[string]schemas.ProviderConfig{
			"openai":    providerConfig(2, 2, "o1", "o2"),
			"anthropic": providerConfig(2, 2, "a1", "a2"),
		},
	})

	var wg sync.WaitGroup
	for i := range 40 {
		provider := "openai"
		if i%2 == 1 {
			provider = "anthropic"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := manager.Do(context.Background(), provider, time.Second, func(ctx context.Context, lease *pool.Lease) error {
				if lease.Provider() != provider {
					return errors.New("lease from the wrong provider")
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stats := manager.GetGlobalStats()
	assert.Equal(t, int64(40), stats.TotalRequests)
	assert.Equal(t, int64(20), stats.Providers["openai"].TotalRequests)
	assert.Equal(t, int64(20), stats.Providers["anthropic"].TotalRequests)
}

func TestRemoveProvider(t *testing.T) {
	manager, dialer := newTestManager(t, schemas.ManagerConfig{
		Providers: map[string]schemas.ProviderConfig{"openai": providerConfig(1, 1, "o1")},
	})
	require.NoError(t, manager.RemoveProvider("openai"))

	assert.Empty(t, manager.Providers())
	assert.True(t, dialer.Transports()[0].Closed())
	assert.Empty(t, manager.GetMonitoringDashboard().Providers)
	_, err := manager.GetConnection(context.Background(), "openai", time.Second)
	assert.ErrorIs(t, err, schemas.ErrProviderNotConfigured)

	// The name can be reused.
	require.NoError(t, manager.AutoConfigureProvider(context.Background(), "openai", testutil.Configs("o1"), testutil.FastPoolConfig(1, 1, "")))
}

func TestScaleProvider(t *testing.T) {
	manager, _ := newTestManager(t, schemas.ManagerConfig{
		Providers: map[string]schemas.ProviderConfig{"openai": providerConfig(1, 3, "o1", "o2")},
	})
	require.NoError(t, manager.ScaleProvider(context.Background(), "openai", 5))
	stats, err := manager.GetProviderStats("openai")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalConnections)

	assert.ErrorIs(t, manager.ScaleProvider(context.Background(), "missing", 2), schemas.ErrProviderNotConfigured)
}

func TestCheckHealthReplacesFailingConnections(t *testing.T) {
	prober := health.ProberFunc(func(ctx context.Context, conn *pool.Connection) error {
		if conn.ConfigID() == "o1" {
			return errUpstream
		}
		return nil
	})
	manager, _ := newTestManager(t, schemas.ManagerConfig{
		Providers:   map[string]schemas.ProviderConfig{"openai": providerConfig(2, 2, "o1", "o2")},
		HealthCheck: schemas.HealthCheckConfig{FailureThreshold: 2},
	}, WithProber(prober))

	report, err := manager.CheckHealth(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, 1, report.DegradedConnections)
	assert.Equal(t, schemas.OverallHealthDegraded, manager.GetHealth()["openai"].Status)

	report, err = manager.CheckHealth(context.Background(), "openai")
	require.NoError(t, err)
	assert.Len(t, report.Replaced, 1)
	assert.Equal(t, 2, report.HealthyConnections)

	_, err = manager.CheckHealth(context.Background(), "missing")
	assert.ErrorIs(t, err, schemas.ErrProviderNotConfigured)
}

func TestAlertsReachObserver(t *testing.T) {
	alerts := &testutil.AlertRecorder{}
	manager, dialer := newTestManager(t, schemas.ManagerConfig{
		Providers:     map[string]schemas.ProviderConfig{"openai": providerConfig(1, 2, "o1", "o2")},
		AlertObserver: alerts,
	})

	dialer.Refuse("o2", -1)
	require.Error(t, manager.ScaleProvider(context.Background(), "openai", 2))
	assert.Equal(t, 1, alerts.Count(schemas.AlertKindCreationFailure))
	assert.Len(t, manager.GetMonitoringDashboard().ActiveAlerts, 1)
}

func TestMonitoringCanBeDisabledPerPool(t *testing.T) {
	disabled := false
	quiet := providerConfig(1, 1, "q1")
	quiet.Pool.MonitoringEnabled = &disabled
	manager, _ := newTestManager(t, schemas.ManagerConfig{
		Providers: map[string]schemas.ProviderConfig{
			"openai": providerConfig(1, 1, "o1"),
			"quiet":  quiet,
		},
	})

	dashboard := manager.GetMonitoringDashboard()
	assert.Contains(t, dashboard.Providers, "openai")
	assert.NotContains(t, dashboard.Providers, "quiet")
}

func TestProviderRecommendations(t *testing.T) {
	config := providerConfig(1, 1, "o1")
	config.Connections[0].MaxInFlight = 1
	manager, _ := newTestManager(t, schemas.ManagerConfig{
		Providers: map[string]schemas.ProviderConfig{"openai": config},
	})

	lease, err := manager.GetConnection(context.Background(), "openai", time.Second)
	require.NoError(t, err)
	_, err = manager.GetConnection(context.Background(), "openai", 10*time.Millisecond)
	require.ErrorIs(t, err, schemas.ErrPoolExhausted)

	recs, err := manager.GetProviderRecommendations("openai")
	require.NoError(t, err)
	assert.Equal(t, 1.0, recs.Utilization)
	assert.Equal(t, schemas.OverallHealthHealthy, recs.Health)
	assert.Contains(t, recs.Recommendations, "1 acquires timed out; raise max_connections or acquire_timeout")
	assert.Contains(t, recs.Recommendations, "pool is at max_connections (1) with 100% utilization; raise max_connections")
	require.NoError(t, lease.Release(schemas.SuccessOutcome(time.Millisecond)))

	_, err = manager.GetProviderRecommendations("missing")
	assert.ErrorIs(t, err, schemas.ErrProviderNotConfigured)
}

func TestLatencySpread(t *testing.T) {
	stats := schemas.PoolStats{Connections: []schemas.ConnectionStats{
		{RequestCount: 5, AvgLatencyMs: 100},
		{RequestCount: 5, AvgLatencyMs: 400},
		{RequestCount: 0, AvgLatencyMs: 0},
	}}
	assert.Equal(t, 4.0, latencySpread(stats))
	assert.Zero(t, latencySpread(schemas.PoolStats{}))
}

func TestExportMetrics(t *testing.T) {
	manager, _ := newTestManager(t, schemas.ManagerConfig{
		Providers: map[string]schemas.ProviderConfig{"openai": providerConfig(1, 1, "o1")},
	})
	require.NoError(t, manager.Do(context.Background(), "openai", time.Second, func(ctx context.Context, lease *pool.Lease) error {
		return nil
	}))

	data, err := manager.ExportMetrics("json")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, sonic.Unmarshal(data, &doc))
	assert.Contains(t, doc["providers"], "openai")

	data, err = manager.ExportMetrics("prometheus")
	require.NoError(t, err)
	assert.Contains(t, string(data), `connpool_requests_total{outcome="success",provider="openai"} 1`)

	_, err = manager.ExportMetrics("csv")
	assert.ErrorIs(t, err, schemas.ErrUnsupportedExportFormat)
}

func TestShutdownIsIdempotent(t *testing.T) {
	manager, dialer := newTestManager(t, schemas.ManagerConfig{
		Providers: map[string]schemas.ProviderConfig{
			"openai":    providerConfig(2, 2, "o1", "o2"),
			"anthropic": providerConfig(1, 1, "a1"),
		},
		AutoScale: schemas.AutoScaleConfig{Enabled: true, Interval: time.Hour},
	})

	manager.Shutdown()
	manager.Shutdown()

	for _, tr := range dialer.Transports() {
		assert.True(t, tr.Closed())
	}
	assert.Empty(t, manager.Providers())
	_, err := manager.GetConnection(context.Background(), "openai", time.Second)
	assert.ErrorIs(t, err, schemas.ErrManagerShutdown)
	err = manager.AutoConfigureProvider(context.Background(), "mistral", testutil.Configs("m1"), testutil.FastPoolConfig(1, 1, ""))
	assert.ErrorIs(t, err, schemas.ErrManagerShutdown)
}

func TestShutdownWakesWaiters(t *testing.T) {
	config := providerConfig(1, 1, "o1")
	config.Connections[0].MaxInFlight = 1
	manager, _ := newTestManager(t, schemas.ManagerConfig{
		Providers: map[string]schemas.ProviderConfig{"openai": config},
	})
	_, err := manager.GetConnection(context.Background(), "openai", time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := manager.GetConnection(context.Background(), "openai", 5*time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	manager.Shutdown()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, schemas.ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("shutdown left a waiter blocked")
	}
}
