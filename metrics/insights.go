package metrics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/maximhq/connpool/schemas"
)

const (
	minSamplesForInsights  = 10
	errorRateWarnThreshold = 0.05
	// A connection whose error rate exceeds the provider's by this factor
	// (and is itself above the warn threshold) is called out.
	outlierErrorFactor = 2.0
)

// GetPerformanceInsights scores a provider from 0 to 100 and lists
// recommendations. 70 points come from the window success rate and 30 from
// p95 latency against the configured target.
func (c *Collector) GetPerformanceInsights(provider string) schemas.PerformanceInsights {
	m := c.GetMetrics(provider)
	insights := schemas.PerformanceInsights{
		Provider:        provider,
		SuccessRate:     m.WindowSuccessRate,
		P95LatencyMs:    m.Latency.P95Ms,
		Samples:         m.WindowSamples,
		Recommendations: []string{},
		Timestamp:       time.Now(),
	}
	insights.Score = score(m.WindowSuccessRate, m.Latency.P95Ms, c.config.LatencyTargetMs)

	if m.WindowSamples == 0 {
		insights.Recommendations = append(insights.Recommendations,
			"no recent traffic recorded; insights will become available once requests are released")
		return insights
	}
	if m.WindowSamples < minSamplesForInsights {
		insights.Recommendations = append(insights.Recommendations,
			fmt.Sprintf("only %d samples in the current window; treat these figures as preliminary", m.WindowSamples))
	}

	errorRate := 1 - m.WindowSuccessRate
	if errorRate > errorRateWarnThreshold {
		insights.Recommendations = append(insights.Recommendations,
			fmt.Sprintf("error rate is %.1f%%; check upstream credentials and quotas, or switch to the health_based strategy", errorRate*100))
	}
	if target := c.config.LatencyTargetMs; m.Latency.P95Ms > 2*target {
		insights.Recommendations = append(insights.Recommendations,
			fmt.Sprintf("p95 latency %.0fms is more than twice the %.0fms target; consider more connections or the performance_based strategy", m.Latency.P95Ms, target))
	}
	if m.Latency.P99Ms > 0 && m.Latency.P50Ms > 0 && m.Latency.P99Ms > 10*m.Latency.P50Ms {
		insights.Recommendations = append(insights.Recommendations,
			fmt.Sprintf("latency tail is wide (p99 %.0fms vs p50 %.0fms); consider tighter connection timeouts", m.Latency.P99Ms, m.Latency.P50Ms))
	}

	ids := make([]string, 0, len(m.Connections))
	for id := range m.Connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		cm := m.Connections[id]
		if cm.TotalRequests < minSamplesForInsights {
			continue
		}
		if cm.ErrorRate > errorRateWarnThreshold && cm.ErrorRate > outlierErrorFactor*errorRate {
			insights.Recommendations = append(insights.Recommendations,
				fmt.Sprintf("connection %s fails %.1f%% of requests, well above the provider average; consider rotating its credential", id, cm.ErrorRate*100))
		}
	}
	return insights
}

func score(successRate, p95Ms, targetMs float64) float64 {
	latencyFactor := 1.0
	if p95Ms > targetMs && p95Ms > 0 {
		latencyFactor = targetMs / p95Ms
	}
	s := 70*successRate + 30*latencyFactor
	return math.Round(math.Max(0, math.Min(100, s))*100) / 100
}
