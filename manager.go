// Package connpool manages pools of outbound connections to upstream HTTP
// providers. A Manager owns one pool per provider together with the shared
// health checker, metrics collector and monitor.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/maximhq/connpool/health"
	"github.com/maximhq/connpool/metrics"
	"github.com/maximhq/connpool/monitor"
	"github.com/maximhq/connpool/pool"
	"github.com/maximhq/connpool/schemas"
	"golang.org/x/sync/errgroup"
)

// Manager is the process-wide entry point. Create it with Init.
type Manager struct {
	config schemas.ManagerConfig
	logger schemas.Logger
	dialer pool.Dialer
	prober health.Prober

	metrics *metrics.Collector
	health  *health.Checker
	monitor *monitor.Monitor

	mu          sync.RWMutex
	pools       map[string]*pool.Pool
	configuring map[string]struct{}
	shutdown    bool
	startedAt   time.Time

	autoScaleCancel context.CancelFunc
	autoScaleDone   chan struct{}
	shutdownOnce    sync.Once
}

// Option customises a Manager.
type Option func(*Manager)

// WithDialer replaces the default fasthttp dialer.
func WithDialer(dialer pool.Dialer) Option {
	return func(manager *Manager) { manager.dialer = dialer }
}

// WithProber replaces the default transport prober.
func WithProber(prober health.Prober) Option {
	return func(manager *Manager) { manager.prober = prober }
}

// Init builds the shared components and one pool per configured provider.
// If any provider fails to start, already started pools are stopped and the
// error is returned.
func Init(ctx context.Context, config schemas.ManagerConfig, opts ...Option) (*Manager, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		logger := NewDefaultLogger(config.LogLevel)
		logger.SetOutputType(config.LogOutput)
		config.Logger = logger
	}

	manager := &Manager{
		config:      config,
		logger:      config.Logger,
		pools:       make(map[string]*pool.Pool),
		configuring: make(map[string]struct{}),
		startedAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(manager)
	}
	if manager.dialer == nil {
		manager.dialer = pool.NewHTTPDialer()
	}

	var err error
	if manager.metrics, err = metrics.New(config.Metrics, manager.logger); err != nil {
		return nil, err
	}
	if manager.health, err = health.New(config.HealthCheck, manager.prober, manager.logger); err != nil {
		return nil, err
	}
	if manager.monitor, err = monitor.New(config.Monitor, config.AlertObserver, manager.metrics, manager.logger); err != nil {
		return nil, err
	}

	account := config.Account
	if account == nil {
		account = NewStaticAccount(config.Providers)
	}
	providers, err := account.GetConfiguredProviders()
	if err != nil {
		return nil, fmt.Errorf("failed to list configured providers: %w", err)
	}
	for _, provider := range providers {
		connections, err := account.GetConnectionConfigs(provider)
		if err != nil {
			manager.Shutdown()
			return nil, fmt.Errorf("failed to get connection configs for provider %s: %w", provider, err)
		}
		poolConfig, err := account.GetPoolConfig(provider)
		if err != nil {
			manager.Shutdown()
			return nil, fmt.Errorf("failed to get pool config for provider %s: %w", provider, err)
		}
		if poolConfig == nil {
			defaults := schemas.DefaultPoolConfig()
			poolConfig = &defaults
		}
		if err := manager.AutoConfigureProvider(ctx, provider, connections, *poolConfig); err != nil {
			manager.Shutdown()
			return nil, err
		}
	}

	if config.AutoScale.Enabled {
		manager.startAutoScaler()
	}
	manager.logger.Info("connection manager initialized with %d providers", len(providers))
	return manager, nil
}

// AutoConfigureProvider creates, starts and registers a pool for provider.
// Configuring a provider twice is a ConfigurationError.
func (manager *Manager) AutoConfigureProvider(ctx context.Context, provider string, connections []schemas.ConnectionConfig, poolConfig schemas.PoolConfig) error {
	manager.mu.Lock()
	if manager.shutdown {
		manager.mu.Unlock()
		return schemas.ErrManagerShutdown
	}
	_, exists := manager.pools[provider]
	_, inProgress := manager.configuring[provider]
	if exists || inProgress {
		manager.mu.Unlock()
		return schemas.NewConfigurationError(provider, "", "provider is already configured")
	}
	manager.configuring[provider] = struct{}{}
	manager.mu.Unlock()

	p, err := manager.startPool(ctx, provider, connections, poolConfig)

	manager.mu.Lock()
	delete(manager.configuring, provider)
	if err == nil && manager.shutdown {
		err = schemas.ErrManagerShutdown
	}
	if err == nil {
		manager.pools[provider] = p
	}
	manager.mu.Unlock()

	if err != nil {
		if p != nil {
			manager.monitor.UnregisterPool(provider)
			p.Stop()
		}
		return err
	}
	manager.logger.Info("configured provider %s (%d connection configs)", provider, len(connections))
	return nil
}

func (manager *Manager) startPool(ctx context.Context, provider string, connections []schemas.ConnectionConfig, poolConfig schemas.PoolConfig) (*pool.Pool, error) {
	p := pool.New(provider, poolConfig, connections, pool.Options{
		Dialer:  manager.dialer,
		Metrics: manager.metrics,
		Health:  manager.health,
		Logger:  manager.logger,
	})
	p.Subscribe(manager.metrics.RecordConnectionEvent)
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	manager.health.Watch(p)
	if poolConfig.Monitored() {
		if err := manager.monitor.RegisterPool(provider, p); err != nil {
			p.Stop()
			return nil, err
		}
	}
	return p, nil
}

func (manager *Manager) getPool(provider string) (*pool.Pool, error) {
	manager.mu.RLock()
	defer manager.mu.RUnlock()
	if manager.shutdown {
		return nil, schemas.ErrManagerShutdown
	}
	p, ok := manager.pools[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schemas.ErrProviderNotConfigured, provider)
	}
	return p, nil
}

// GetConnection acquires a connection for provider, waiting up to timeout.
// A non-positive timeout uses the pool's AcquireTimeout.
func (manager *Manager) GetConnection(ctx context.Context, provider string, timeout time.Duration) (*pool.Lease, error) {
	p, err := manager.getPool(provider)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx, timeout)
}

// ReleaseConnection returns a lease with the request outcome.
func (manager *Manager) ReleaseConnection(lease *pool.Lease, outcome schemas.RequestOutcome) error {
	if lease == nil {
		return fmt.Errorf("%w: nil lease", schemas.ErrConnectionNotFound)
	}
	manager.mu.RLock()
	_, ok := manager.pools[lease.Provider()]
	manager.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", schemas.ErrProviderNotConfigured, lease.Provider())
	}
	return lease.Release(outcome)
}

// Do acquires a connection, runs fn and releases the connection on every
// exit path. A returned error or a panic is recorded as a failure; the panic
// is re-raised after release.
func (manager *Manager) Do(ctx context.Context, provider string, timeout time.Duration, fn func(ctx context.Context, lease *pool.Lease) error) (err error) {
	lease, err := manager.GetConnection(ctx, provider, timeout)
	if err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			_ = lease.Release(schemas.FailureOutcome(time.Since(start), fmt.Errorf("panic: %v", r)))
			panic(r)
		}
		if releaseErr := lease.ReleaseWithError(err); releaseErr != nil && !errors.Is(releaseErr, schemas.ErrLeaseReleased) {
			manager.logger.Warn("failed to release connection %s: %v", lease.ID(), releaseErr)
		}
	}()
	return fn(ctx, lease)
}

// RemoveProvider stops and forgets a provider's pool.
func (manager *Manager) RemoveProvider(provider string) error {
	manager.mu.Lock()
	p, ok := manager.pools[provider]
	delete(manager.pools, provider)
	manager.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", schemas.ErrProviderNotConfigured, provider)
	}
	manager.monitor.UnregisterPool(provider)
	p.Stop()
	manager.metrics.RemoveProvider(provider)
	manager.logger.Info("removed provider %s", provider)
	return nil
}

// Providers lists configured providers, sorted.
func (manager *Manager) Providers() []string {
	manager.mu.RLock()
	defer manager.mu.RUnlock()
	providers := make([]string, 0, len(manager.pools))
	for provider := range manager.pools {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	return providers
}

func (manager *Manager) snapshotPools() map[string]*pool.Pool {
	manager.mu.RLock()
	defer manager.mu.RUnlock()
	pools := make(map[string]*pool.Pool, len(manager.pools))
	for provider, p := range manager.pools {
		pools[provider] = p
	}
	return pools
}

// GetGlobalStats aggregates every pool.
func (manager *Manager) GetGlobalStats() schemas.GlobalStats {
	pools := manager.snapshotPools()
	stats := schemas.GlobalStats{
		Providers:          make(map[string]schemas.PoolStats, len(pools)),
		ProviderCount:      len(pools),
		OverallSuccessRate: 1,
		Uptime:             time.Since(manager.startedAt),
		Timestamp:          time.Now(),
	}
	for provider, p := range pools {
		ps := p.Stats()
		stats.Providers[provider] = ps
		stats.TotalConnections += ps.TotalConnections
		stats.ActiveConnections += ps.ActiveConnections
		stats.UnhealthyConnections += ps.UnhealthyConnections
		stats.TotalRequests += ps.TotalRequests
		stats.FailedRequests += ps.FailedRequests
	}
	if stats.TotalRequests > 0 {
		stats.OverallSuccessRate = float64(stats.TotalRequests-stats.FailedRequests) / float64(stats.TotalRequests)
	}
	return stats
}

// GetProviderRecommendations combines metric insights with pool state.
func (manager *Manager) GetProviderRecommendations(provider string) (schemas.ProviderRecommendations, error) {
	p, err := manager.getPool(provider)
	if err != nil {
		return schemas.ProviderRecommendations{}, err
	}
	insights := manager.metrics.GetPerformanceInsights(provider)
	stats := p.Stats()
	report := p.HealthReport()

	recs := schemas.ProviderRecommendations{
		Provider:        provider,
		Score:           insights.Score,
		Health:          report.Status,
		Utilization:     stats.Utilization(),
		Recommendations: append([]string{}, insights.Recommendations...),
		Timestamp:       time.Now(),
	}

	upper := manager.config.AutoScale.ScaleUpUtilization
	lower := manager.config.AutoScale.ScaleDownUtilization
	switch {
	case recs.Utilization >= upper && stats.TotalConnections >= stats.MaxConnections:
		recs.Recommendations = append(recs.Recommendations,
			fmt.Sprintf("pool is at max_connections (%d) with %.0f%% utilization; raise max_connections", stats.MaxConnections, recs.Utilization*100))
	case recs.Utilization >= upper:
		recs.Recommendations = append(recs.Recommendations,
			fmt.Sprintf("utilization is %.0f%%; scale up or enable auto_scale", recs.Utilization*100))
	case recs.Utilization <= lower && stats.TotalConnections > stats.MinConnections && stats.TotalRequests > 0:
		recs.Recommendations = append(recs.Recommendations,
			fmt.Sprintf("utilization is %.0f%% with %d connections; the pool can shrink toward min_connections (%d)", recs.Utilization*100, stats.TotalConnections, stats.MinConnections))
	}
	if stats.ExhaustedAcquires > 0 {
		recs.Recommendations = append(recs.Recommendations,
			fmt.Sprintf("%d acquires timed out; raise max_connections or acquire_timeout", stats.ExhaustedAcquires))
	}
	if report.UnhealthyConnections > 0 {
		recs.Recommendations = append(recs.Recommendations,
			fmt.Sprintf("%d unhealthy connections are waiting for replacement; verify their credentials", report.UnhealthyConnections))
	}
	if stats.Strategy == schemas.StrategyRoundRobin && latencySpread(stats) > 2 {
		recs.Recommendations = append(recs.Recommendations,
			"connection latencies differ widely; the performance_based strategy would favour faster connections")
	}
	return recs, nil
}

// latencySpread is the ratio of the slowest to the fastest connection's mean
// latency among connections that served traffic.
func latencySpread(stats schemas.PoolStats) float64 {
	lo, hi := 0.0, 0.0
	for _, cs := range stats.Connections {
		if cs.RequestCount == 0 || cs.AvgLatencyMs <= 0 {
			continue
		}
		if lo == 0 || cs.AvgLatencyMs < lo {
			lo = cs.AvgLatencyMs
		}
		if cs.AvgLatencyMs > hi {
			hi = cs.AvgLatencyMs
		}
	}
	if lo == 0 {
		return 0
	}
	return hi / lo
}

// GetHealth returns a health summary per provider without probing.
func (manager *Manager) GetHealth() map[string]schemas.HealthReport {
	pools := manager.snapshotPools()
	reports := make(map[string]schemas.HealthReport, len(pools))
	for provider, p := range pools {
		reports[provider] = p.HealthReport()
	}
	return reports
}

// CheckHealth runs an immediate health check of one provider, replacing
// unhealthy connections.
func (manager *Manager) CheckHealth(ctx context.Context, provider string) (schemas.HealthReport, error) {
	p, err := manager.getPool(provider)
	if err != nil {
		return schemas.HealthReport{}, err
	}
	return manager.health.CheckPoolHealth(ctx, p), nil
}

// ScaleProvider resizes a provider's pool within its bounds.
func (manager *Manager) ScaleProvider(ctx context.Context, provider string, target int) error {
	p, err := manager.getPool(provider)
	if err != nil {
		return err
	}
	return p.Scale(ctx, target)
}

// GetProviderStats returns one pool's stats.
func (manager *Manager) GetProviderStats(provider string) (schemas.PoolStats, error) {
	p, err := manager.getPool(provider)
	if err != nil {
		return schemas.PoolStats{}, err
	}
	return p.Stats(), nil
}

// ExportMetrics serialises collected metrics in the given format.
func (manager *Manager) ExportMetrics(format string) ([]byte, error) {
	return manager.metrics.ExportMetrics(format)
}

// GetMonitoringDashboard returns the monitor's aggregated view.
func (manager *Manager) GetMonitoringDashboard() schemas.Dashboard {
	return manager.monitor.GetMonitoringDashboard()
}

// HealthCheckConfig returns the effective health checker configuration.
func (manager *Manager) HealthCheckConfig() schemas.HealthCheckConfig { return manager.health.Config() }

// Metrics exposes the metrics collector.
func (manager *Manager) Metrics() *metrics.Collector { return manager.metrics }

// Monitor exposes the pool monitor.
func (manager *Manager) Monitor() *monitor.Monitor { return manager.monitor }

// Logger returns the manager's logger.
func (manager *Manager) Logger() schemas.Logger { return manager.logger }

// Shutdown stops the auto-scaler, the monitor, every pool and the health
// checker, then logs final statistics. It is idempotent.
func (manager *Manager) Shutdown() {
	manager.shutdownOnce.Do(func() {
		manager.logger.Info("graceful shutdown initiated, closing all pools")

		manager.mu.Lock()
		manager.shutdown = true
		pools := manager.pools
		manager.pools = make(map[string]*pool.Pool)
		manager.mu.Unlock()

		manager.stopAutoScaler()
		manager.monitor.Shutdown()

		stats := schemas.GlobalStats{Providers: make(map[string]schemas.PoolStats, len(pools)), ProviderCount: len(pools), Timestamp: time.Now()}
		for provider, p := range pools {
			stats.Providers[provider] = p.Stats()
		}

		var g errgroup.Group
		for _, p := range pools {
			g.Go(func() error {
				p.Stop()
				return nil
			})
		}
		_ = g.Wait()
		manager.health.Stop()

		if statsJSON, err := sonic.Marshal(stats); err != nil {
			manager.logger.Warn("stats collection failed: %v", err)
		} else {
			manager.logger.Info("final statistics: %s", statsJSON)
		}
	})
}
