// Package metrics aggregates request outcomes and connection lifecycle events
// per provider and per connection.
package metrics

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/maximhq/connpool/schemas"
	"github.com/prometheus/client_golang/prometheus"
)

type connectionMetrics struct {
	total   int64
	success int64
	window  *rollingWindow
}

type providerMetrics struct {
	total       int64
	success     int64
	window      *rollingWindow
	connections map[string]*connectionMetrics
	events      []schemas.ConnectionEvent // ring, oldest first after ordering
	eventsNext  int
	eventCounts map[schemas.ConnectionEventType]int64
}

// Collector is the MetricsCollector. Cumulative counters never decay; latency
// statistics are computed over a window bounded by both sample count and age.
type Collector struct {
	config schemas.MetricsConfig
	logger schemas.Logger

	mu        sync.RWMutex
	providers map[string]*providerMetrics

	gatherer prometheus.Gatherer
	prom     *promCollectors
}

// New creates a Collector and registers its Prometheus collectors.
func New(config schemas.MetricsConfig, logger schemas.Logger) (*Collector, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = schemas.NoopLogger{}
	}

	registerer := config.Registerer
	var gatherer prometheus.Gatherer
	if registerer == nil {
		registry := prometheus.NewRegistry()
		registerer, gatherer = registry, registry
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	} else {
		gatherer = prometheus.DefaultGatherer
	}
	prom, err := newPromCollectors(config.Namespace, registerer)
	if err != nil {
		return nil, err
	}

	return &Collector{
		config:    config,
		logger:    logger,
		providers: make(map[string]*providerMetrics),
		gatherer:  gatherer,
		prom:      prom,
	}, nil
}

// Gatherer exposes the registry the collector reports to.
func (c *Collector) Gatherer() prometheus.Gatherer { return c.gatherer }

func (c *Collector) providerLocked(provider string) *providerMetrics {
	pm, ok := c.providers[provider]
	if !ok {
		pm = &providerMetrics{
			window:      newRollingWindow(c.config.WindowSize, c.config.WindowDuration),
			connections: make(map[string]*connectionMetrics),
			eventCounts: make(map[schemas.ConnectionEventType]int64),
		}
		c.providers[provider] = pm
	}
	return pm
}

// RecordRequest records one released lease.
func (c *Collector) RecordRequest(provider, connectionID string, outcome schemas.RequestOutcome) {
	s := sample{
		timestamp: time.Now(),
		latencyMs: float64(outcome.Latency) / float64(time.Millisecond),
		success:   outcome.Success,
	}

	c.mu.Lock()
	pm := c.providerLocked(provider)
	pm.total++
	pm.window.record(s)
	cm, ok := pm.connections[connectionID]
	if !ok {
		cm = &connectionMetrics{window: newRollingWindow(c.config.WindowSize, c.config.WindowDuration)}
		pm.connections[connectionID] = cm
	}
	cm.total++
	cm.window.record(s)
	if outcome.Success {
		pm.success++
		cm.success++
	}
	c.mu.Unlock()

	result := "success"
	if !outcome.Success {
		result = "failure"
	}
	c.prom.requests.WithLabelValues(provider, result).Inc()
	c.prom.latency.WithLabelValues(provider).Observe(outcome.Latency.Seconds())
}

// RecordConnectionEvent records a lifecycle event. It has the signature of a
// pool event listener.
func (c *Collector) RecordConnectionEvent(event schemas.ConnectionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	c.mu.Lock()
	pm := c.providerLocked(event.Provider)
	pm.eventCounts[event.Type]++
	if len(pm.events) < c.config.MaxEvents {
		pm.events = append(pm.events, event)
	} else {
		pm.events[pm.eventsNext] = event
		pm.eventsNext = (pm.eventsNext + 1) % c.config.MaxEvents
	}
	if event.Type == schemas.EventConnectionClosed && event.ConnectionID != "" {
		// Closed connections never report again; their share stays in the
		// provider totals.
		delete(pm.connections, event.ConnectionID)
	}
	c.mu.Unlock()

	c.prom.events.WithLabelValues(event.Provider, string(event.Type)).Inc()
}

// RecentEvents returns up to limit of the most recent events, oldest first.
// A non-positive limit returns every retained event.
func (c *Collector) RecentEvents(provider string, limit int) []schemas.ConnectionEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pm, ok := c.providers[provider]
	if !ok {
		return nil
	}
	ordered := make([]schemas.ConnectionEvent, 0, len(pm.events))
	ordered = append(ordered, pm.events[pm.eventsNext:]...)
	ordered = append(ordered, pm.events[:pm.eventsNext]...)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// GetMetrics returns the metrics of one provider. Unknown providers yield an
// empty result.
func (c *Collector) GetMetrics(provider string) schemas.ProviderMetrics {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providerSnapshotLocked(provider, now)
}

// GetAllMetrics returns the metrics of every provider seen so far.
func (c *Collector) GetAllMetrics() map[string]schemas.ProviderMetrics {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]schemas.ProviderMetrics, len(c.providers))
	for provider := range c.providers {
		out[provider] = c.providerSnapshotLocked(provider, now)
	}
	return out
}

// Providers lists the providers with recorded data, sorted.
func (c *Collector) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	providers := make([]string, 0, len(c.providers))
	for provider := range c.providers {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	return providers
}

func (c *Collector) providerSnapshotLocked(provider string, now time.Time) schemas.ProviderMetrics {
	out := schemas.ProviderMetrics{Provider: provider, SuccessRate: 1, WindowSuccessRate: 1, Timestamp: now}
	pm, ok := c.providers[provider]
	if !ok {
		return out
	}
	stats := summarize(pm.window.snapshot(now))
	out.TotalRequests = pm.total
	out.SuccessfulRequests = pm.success
	out.FailedRequests = pm.total - pm.success
	if pm.total > 0 {
		out.SuccessRate = float64(pm.success) / float64(pm.total)
	}
	out.WindowSamples = stats.count
	out.WindowSuccessRate = stats.successRate()
	out.Latency = latencySummary(stats)
	out.EventCounts = maps.Clone(pm.eventCounts)
	out.Connections = make(map[string]schemas.ConnectionMetrics, len(pm.connections))
	for id, cm := range pm.connections {
		cstats := summarize(cm.window.snapshot(now))
		errorRate := 0.0
		if cm.total > 0 {
			errorRate = float64(cm.total-cm.success) / float64(cm.total)
		}
		out.Connections[id] = schemas.ConnectionMetrics{
			ConnectionID:       id,
			TotalRequests:      cm.total,
			SuccessfulRequests: cm.success,
			FailedRequests:     cm.total - cm.success,
			ErrorRate:          errorRate,
			WindowSamples:      cstats.count,
			Latency:            latencySummary(cstats),
		}
	}
	return out
}

func latencySummary(stats windowStats) schemas.LatencySummary {
	return schemas.LatencySummary{
		MeanMs: stats.meanMs,
		P50Ms:  stats.percentile(50),
		P95Ms:  stats.percentile(95),
		P99Ms:  stats.percentile(99),
		MinMs:  stats.minMs,
		MaxMs:  stats.maxMs,
	}
}

// ConnectionPerformance reports windowed mean latency, error rate and sample
// count for one connection. It feeds the performance-based strategy.
func (c *Collector) ConnectionPerformance(provider, connectionID string) (float64, float64, int) {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	pm, ok := c.providers[provider]
	if !ok {
		return 0, 0, 0
	}
	cm, ok := pm.connections[connectionID]
	if !ok {
		return 0, 0, 0
	}
	stats := summarize(cm.window.snapshot(now))
	return stats.meanMs, stats.errorRate(), stats.count
}

// RemoveProvider drops everything recorded for a provider.
func (c *Collector) RemoveProvider(provider string) {
	c.mu.Lock()
	delete(c.providers, provider)
	c.mu.Unlock()
	c.prom.requests.DeletePartialMatch(prometheus.Labels{"provider": provider})
	c.prom.latency.DeletePartialMatch(prometheus.Labels{"provider": provider})
	c.prom.events.DeletePartialMatch(prometheus.Labels{"provider": provider})
}
