package schemas

import "time"

// LatencySummary holds window statistics in milliseconds.
type LatencySummary struct {
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// ConnectionMetrics are the collector's per-connection figures.
type ConnectionMetrics struct {
	ConnectionID       string         `json:"connection_id"`
	TotalRequests      int64          `json:"total_requests"`
	SuccessfulRequests int64          `json:"successful_requests"`
	FailedRequests     int64          `json:"failed_requests"`
	ErrorRate          float64        `json:"error_rate"`
	WindowSamples      int            `json:"window_samples"`
	Latency            LatencySummary `json:"latency"`
}

// ProviderMetrics are the collector's per-provider figures. Totals are
// cumulative; latency statistics cover the retained window only.
type ProviderMetrics struct {
	Provider           string                        `json:"provider"`
	TotalRequests      int64                         `json:"total_requests"`
	SuccessfulRequests int64                         `json:"successful_requests"`
	FailedRequests     int64                         `json:"failed_requests"`
	SuccessRate        float64                       `json:"success_rate"`
	WindowSamples      int                           `json:"window_samples"`
	WindowSuccessRate  float64                       `json:"window_success_rate"`
	Latency            LatencySummary                `json:"latency"`
	EventCounts        map[ConnectionEventType]int64 `json:"event_counts,omitempty"`
	Connections        map[string]ConnectionMetrics  `json:"connections,omitempty"`
	Timestamp          time.Time                     `json:"timestamp"`
}

// PerformanceInsights scores a provider and suggests changes.
type PerformanceInsights struct {
	Provider        string    `json:"provider"`
	Score           float64   `json:"score"`
	SuccessRate     float64   `json:"success_rate"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	Samples         int       `json:"samples"`
	Recommendations []string  `json:"recommendations"`
	Timestamp       time.Time `json:"timestamp"`
}

// ProviderRecommendations merges collector insights with pool state.
type ProviderRecommendations struct {
	Provider        string        `json:"provider"`
	Score           float64       `json:"score"`
	Health          OverallHealth `json:"health"`
	Utilization     float64       `json:"utilization"`
	Recommendations []string      `json:"recommendations"`
	Timestamp       time.Time     `json:"timestamp"`
}

// GlobalStats aggregates every provider.
type GlobalStats struct {
	Providers            map[string]PoolStats `json:"providers"`
	ProviderCount        int                  `json:"provider_count"`
	TotalConnections     int                  `json:"total_connections"`
	ActiveConnections    int                  `json:"active_connections"`
	UnhealthyConnections int                  `json:"unhealthy_connections"`
	TotalRequests        int64                `json:"total_requests"`
	FailedRequests       int64                `json:"failed_requests"`
	OverallSuccessRate   float64              `json:"overall_success_rate"`
	Uptime               time.Duration        `json:"uptime"`
	Timestamp            time.Time            `json:"timestamp"`
}

// ProviderDashboard is one provider's row on the monitoring dashboard.
type ProviderDashboard struct {
	Provider    string       `json:"provider"`
	Health      HealthReport `json:"health"`
	Stats       PoolStats    `json:"stats"`
	SuccessRate float64      `json:"success_rate"`
	HealthScore float64      `json:"health_score"`
}

// Dashboard is the monitor's aggregated snapshot.
type Dashboard struct {
	Providers          map[string]ProviderDashboard `json:"providers"`
	ActiveAlerts       []Alert                      `json:"active_alerts"`
	OverallHealthScore float64                      `json:"overall_health_score"`
	Timestamp          time.Time                    `json:"timestamp"`
}
