package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// registerCollector registers c and returns the already-registered
// collector when an identical one exists, so several collectors can share a
// registerer.
func registerCollector[T prometheus.Collector](registerer prometheus.Registerer, c T) (T, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

type promCollectors struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	events   *prometheus.CounterVec
}

func newPromCollectors(namespace string, registerer prometheus.Registerer) (*promCollectors, error) {
	requests, err := registerCollector(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Released connection leases by provider and outcome.",
	}, []string{"provider", "outcome"}))
	if err != nil {
		return nil, err
	}
	latency, err := registerCollector(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_latency_seconds",
		Help:      "Request latency reported on release.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"provider"}))
	if err != nil {
		return nil, err
	}
	events, err := registerCollector(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_events_total",
		Help:      "Connection lifecycle events by provider and type.",
	}, []string{"provider", "event"}))
	if err != nil {
		return nil, err
	}
	return &promCollectors{requests: requests, latency: latency, events: events}, nil
}
