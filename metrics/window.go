package metrics

import (
	"math"
	"slices"
	"time"
)

// sample is one recorded request.
type sample struct {
	timestamp time.Time
	latencyMs float64
	success   bool
}

// rollingWindow keeps the most recent maxSize samples and ignores samples
// older than maxAge when read. It is not safe for concurrent use; the
// collector serialises access.
type rollingWindow struct {
	samples  []sample
	maxSize  int
	maxAge   time.Duration
	position int
	full     bool
}

func newRollingWindow(maxSize int, maxAge time.Duration) *rollingWindow {
	return &rollingWindow{
		samples: make([]sample, maxSize),
		maxSize: maxSize,
		maxAge:  maxAge,
	}
}

func (w *rollingWindow) record(s sample) {
	w.samples[w.position] = s
	w.position = (w.position + 1) % w.maxSize
	if !w.full && w.position == 0 {
		w.full = true
	}
}

// snapshot returns the samples still inside the window.
func (w *rollingWindow) snapshot(now time.Time) []sample {
	count := w.maxSize
	if !w.full {
		count = w.position
	}
	cutoff := now.Add(-w.maxAge)
	out := make([]sample, 0, count)
	for i := 0; i < count; i++ {
		if s := w.samples[i]; s.timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// windowStats summarises a snapshot.
type windowStats struct {
	count     int
	failures  int
	meanMs    float64
	minMs     float64
	maxMs     float64
	latencies []float64 // sorted ascending
}

func summarize(samples []sample) windowStats {
	stats := windowStats{count: len(samples)}
	if len(samples) == 0 {
		return stats
	}
	stats.latencies = make([]float64, 0, len(samples))
	var sum float64
	for _, s := range samples {
		if !s.success {
			stats.failures++
		}
		sum += s.latencyMs
		stats.latencies = append(stats.latencies, s.latencyMs)
	}
	slices.Sort(stats.latencies)
	stats.meanMs = sum / float64(len(samples))
	stats.minMs = stats.latencies[0]
	stats.maxMs = stats.latencies[len(stats.latencies)-1]
	return stats
}

func (s windowStats) successRate() float64 {
	if s.count == 0 {
		return 1
	}
	return float64(s.count-s.failures) / float64(s.count)
}

func (s windowStats) errorRate() float64 {
	if s.count == 0 {
		return 0
	}
	return float64(s.failures) / float64(s.count)
}

// percentile uses the nearest-rank method over the sorted latencies.
func (s windowStats) percentile(p float64) float64 {
	n := len(s.latencies)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	rank = max(1, min(rank, n))
	return s.latencies[rank-1]
}
