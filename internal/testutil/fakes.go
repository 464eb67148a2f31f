// Package testutil holds in-memory transports and recorders shared by tests.
package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maximhq/connpool/pool"
	"github.com/maximhq/connpool/schemas"
	"github.com/valyala/fasthttp"
)

// ErrDialRefused is returned by FakeDialer for configured failures.
var ErrDialRefused = errors.New("upstream refused connection")

// FakeTransport answers every request with 200 and reports a configurable
// ping result.
type FakeTransport struct {
	ConfigID string
	closed   atomic.Bool
	requests atomic.Int64
	dialer   *FakeDialer
}

func (t *FakeTransport) Do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	t.requests.Add(1)
	resp.SetStatusCode(fasthttp.StatusOK)
	return nil
}

func (t *FakeTransport) Ping(ctx context.Context) error {
	return t.dialer.pingError(t.ConfigID)
}

func (t *FakeTransport) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *FakeTransport) Closed() bool    { return t.closed.Load() }
func (t *FakeTransport) Requests() int64 { return t.requests.Load() }

// FakeDialer creates FakeTransports and can be told to refuse dials.
type FakeDialer struct {
	mu         sync.Mutex
	dials      int
	failures   map[string]int // remaining refusals per config id; -1 refuses forever
	pingErrors map[string]error
	transports []*FakeTransport
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		failures:   make(map[string]int),
		pingErrors: make(map[string]error),
	}
}

func (d *FakeDialer) Dial(ctx context.Context, provider string, config schemas.ConnectionConfig) (pool.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if remaining, ok := d.failures[config.ID]; ok && remaining != 0 {
		if remaining > 0 {
			d.failures[config.ID] = remaining - 1
		}
		return nil, ErrDialRefused
	}
	t := &FakeTransport{ConfigID: config.ID, dialer: d}
	d.transports = append(d.transports, t)
	return t, nil
}

// Refuse makes the next n dials of configID fail. n < 0 refuses forever.
func (d *FakeDialer) Refuse(configID string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[configID] = n
}

// SetPingError sets the probe result for every transport of configID.
func (d *FakeDialer) SetPingError(configID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.pingErrors, configID)
		return
	}
	d.pingErrors[configID] = err
}

func (d *FakeDialer) pingError(configID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pingErrors[configID]
}

// Dials returns the number of Dial calls.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Transports returns every transport created so far.
func (d *FakeDialer) Transports() []*FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeTransport(nil), d.transports...)
}

// Configs builds connection configs with the given ids and weight 1.
func Configs(ids ...string) []schemas.ConnectionConfig {
	configs := make([]schemas.ConnectionConfig, 0, len(ids))
	for _, id := range ids {
		configs = append(configs, schemas.ConnectionConfig{
			ID:         id,
			Credential: "sk-" + id,
			Endpoint:   "https://api.example.com",
		})
	}
	return configs
}

// FastPoolConfig is a pool config with short timeouts for tests.
func FastPoolConfig(minConns, maxConns int, strategy schemas.PoolStrategy) schemas.PoolConfig {
	return schemas.PoolConfig{
		MinConnections:      minConns,
		MaxConnections:      maxConns,
		Strategy:            strategy,
		AcquireTimeout:      time.Second,
		CreateRetries:       2,
		RetryBackoffInitial: time.Millisecond,
		RetryBackoffMax:     5 * time.Millisecond,
	}
}

// AlertRecorder is a thread-safe AlertObserver.
type AlertRecorder struct {
	mu     sync.Mutex
	alerts []schemas.Alert
}

func (r *AlertRecorder) OnAlert(alert schemas.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *AlertRecorder) Alerts() []schemas.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.Alert(nil), r.alerts...)
}

// Count returns how many alerts of kind were delivered.
func (r *AlertRecorder) Count(kind schemas.AlertKind) int {
	n := 0
	for _, alert := range r.Alerts() {
		if alert.Kind == kind {
			n++
		}
	}
	return n
}

// EventRecorder collects pool events.
type EventRecorder struct {
	mu     sync.Mutex
	events []schemas.ConnectionEvent
}

func (r *EventRecorder) Record(event schemas.ConnectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Count returns how many events of type were recorded.
func (r *EventRecorder) Count(eventType schemas.ConnectionEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

// TestLogger routes log output through t.Logf.
type TestLogger struct {
	T testing.TB
}

func (l TestLogger) Debug(msg string, args ...any)           { l.T.Logf("DEBUG "+msg, args...) }
func (l TestLogger) Info(msg string, args ...any)            { l.T.Logf("INFO "+msg, args...) }
func (l TestLogger) Warn(msg string, args ...any)            { l.T.Logf("WARN "+msg, args...) }
func (l TestLogger) Error(msg string, args ...any)           { l.T.Logf("ERROR "+msg, args...) }
func (l TestLogger) Fatal(msg string, args ...any)           { l.T.Fatalf("FATAL "+msg, args...) }
func (l TestLogger) SetLevel(schemas.LogLevel)               {}
func (l TestLogger) SetOutputType(schemas.LoggerOutputType) {}
