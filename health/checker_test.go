package health_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maximhq/connpool/health"
	"github.com/maximhq/connpool/internal/testutil"
	"github.com/maximhq/connpool/pool"
	"github.com/maximhq/connpool/schemas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProbe = errors.New("probe returned 503")

func boolPtr(b bool) *bool { return &b }

func newCheckedPool(t *testing.T, config schemas.HealthCheckConfig, prober health.Prober, ids ...string) (*pool.Pool, *health.Checker, *testutil.FakeDialer) {
	t.Helper()
	logger := testutil.TestLogger{T: t}
	checker, err := health.New(config, prober, logger)
	require.NoError(t, err)
	dialer := testutil.NewFakeDialer()
	p := pool.New("anthropic", testutil.FastPoolConfig(len(ids), len(ids)+1, ""), testutil.Configs(ids...), pool.Options{
		Dialer: dialer,
		Health: checker,
		Logger: logger,
	})
	t.Cleanup(checker.Stop)
	t.Cleanup(p.Stop)
	require.NoError(t, p.Start(context.Background()))
	return p, checker, dialer
}

func TestNewAppliesDefaults(t *testing.T) {
	checker, err := health.New(schemas.HealthCheckConfig{}, nil, nil)
	require.NoError(t, err)
	config := checker.Config()
	assert.Equal(t, schemas.DefaultHealthCheckInterval, config.Interval)
	assert.Equal(t, schemas.DefaultFailureThreshold, config.FailureThreshold)
	assert.True(t, config.Probing())

	_, err = health.New(schemas.HealthCheckConfig{FailureThreshold: -1}, nil, nil)
	assert.ErrorIs(t, err, schemas.ErrConfiguration)
}

func TestStateTransitions(t *testing.T) {
	p, checker, _ := newCheckedPool(t, schemas.HealthCheckConfig{}, nil, "a")
	conn := p.Connections()[0]
	id := conn.ID()

	assert.Equal(t, schemas.HealthStateHealthy, checker.State(p, id))

	checker.RecordFailure(p, id)
	assert.Equal(t, schemas.HealthStateDegraded, checker.State(p, id))
	assert.Equal(t, schemas.ConnectionStatusDegraded, conn.Status())
	assert.Equal(t, 1, checker.ConsecutiveFailures(p, id))

	checker.RecordSuccess(p, id)
	assert.Equal(t, schemas.HealthStateHealthy, checker.State(p, id))
	assert.Equal(t, schemas.ConnectionStatusIdle, conn.Status())
	assert.Equal(t, 0, checker.ConsecutiveFailures(p, id))

	for range 3 {
		checker.RecordFailure(p, id)
	}
	assert.Equal(t, schemas.HealthStateUnhealthy, checker.State(p, id))
	assert.Equal(t, schemas.ConnectionStatusUnhealthy, conn.Status())

	checker.RecordSuccess(p, id)
	assert.Equal(t, schemas.HealthStateUnhealthy, checker.State(p, id), "unhealthy is sticky until replaced")
}

func TestHealthChangeEvents(t *testing.T) {
	p, checker, _ := newCheckedPool(t, schemas.HealthCheckConfig{}, nil, "a")
	events := &testutil.EventRecorder{}
	p.Subscribe(events.Record)
	id := p.Connections()[0].ID()

	checker.RecordFailure(p, id)
	checker.RecordFailure(p, id) // still degraded, no event
	checker.RecordSuccess(p, id)
	assert.Equal(t, 2, events.Count(schemas.EventConnectionHealthChanged))
}

func TestRequestFailuresMakeConnectionIneligible(t *testing.T) {
	p, _, _ := newCheckedPool(t, schemas.HealthCheckConfig{ProbeEnabled: boolPtr(false)}, nil, "a")

	for range 3 {
		lease, err := p.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		require.NoError(t, lease.ReleaseWithError(errors.New("upstream 502")))
	}

	_, err := p.Acquire(context.Background(), 30*time.Millisecond)
	require.ErrorIs(t, err, schemas.ErrPoolExhausted)
	assert.Equal(t, 1, p.HealthReport().UnhealthyConnections)
}

func TestCheckPoolHealthReplacesUnhealthy(t *testing.T) {
	p, checker, dialer := newCheckedPool(t, schemas.HealthCheckConfig{}, nil, "a", "b")
	dialer.SetPingError("a", errProbe)
	original := p.Connections()[0]

	report := checker.CheckPoolHealth(context.Background(), p)
	assert.Equal(t, 1, report.DegradedConnections)
	assert.Equal(t, schemas.OverallHealthDegraded, report.Status)
	assert.Empty(t, report.Replaced)

	checker.CheckPoolHealth(context.Background(), p)
	report = checker.CheckPoolHealth(context.Background(), p)
	require.Equal(t, []string{original.ID()}, report.Replaced)
	assert.Equal(t, schemas.ConnectionStatusClosed, original.Status())
	assert.Equal(t, 2, report.TotalConnections)
	assert.Equal(t, 2, report.HealthyConnections)

	fresh := p.Connections()[0]
	assert.NotEqual(t, original.ID(), fresh.ID())
	assert.Equal(t, "a", fresh.ConfigID())
	assert.Equal(t, schemas.HealthStateHealthy, checker.State(p, fresh.ID()))
}

func TestCheckPoolHealthRefillsAfterFailedReplacement(t *testing.T) {
	p, checker, dialer := newCheckedPool(t, schemas.HealthCheckConfig{FailureThreshold: 1}, nil, "a", "b")
	events := &testutil.EventRecorder{}
	p.Subscribe(events.Record)

	dialer.SetPingError("a", errProbe)
	dialer.Refuse("a", -1)
	report := checker.CheckPoolHealth(context.Background(), p)
	assert.Empty(t, report.Replaced)
	assert.Equal(t, 1, report.TotalConnections)
	assert.GreaterOrEqual(t, events.Count(schemas.EventConnectionCreationFailed), 1)

	dialer.Refuse("a", 0)
	dialer.SetPingError("a", nil)
	report = checker.CheckPoolHealth(context.Background(), p)
	assert.Equal(t, 2, report.TotalConnections)
	assert.Equal(t, schemas.OverallHealthHealthy, report.Status)
}

func TestUnhealthyConnectionsAreNotProbed(t *testing.T) {
	var mu sync.Mutex
	probed := map[string]int{}
	prober := health.ProberFunc(func(ctx context.Context, conn *pool.Connection) error {
		mu.Lock()
		defer mu.Unlock()
		probed[conn.ConfigID()]++
		return nil
	})
	p, checker, dialer := newCheckedPool(t, schemas.HealthCheckConfig{}, prober, "a", "b")
	dialer.Refuse("a", -1)

	id := p.Connections()[0].ID()
	for range 3 {
		checker.RecordFailure(p, id)
	}
	checker.CheckPoolHealth(context.Background(), p)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, probed["a"])
	assert.Equal(t, 1, probed["b"])
}

func TestProbeTimeoutCountsAsFailure(t *testing.T) {
	prober := health.ProberFunc(func(ctx context.Context, conn *pool.Connection) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p, checker, _ := newCheckedPool(t, schemas.HealthCheckConfig{ProbeTimeout: 10 * time.Millisecond}, prober, "a")

	report := checker.CheckPoolHealth(context.Background(), p)
	assert.Equal(t, 1, report.DegradedConnections)
}

func TestWatchRunsPeriodicChecks(t *testing.T) {
	p, checker, dialer := newCheckedPool(t, schemas.HealthCheckConfig{Interval: 10 * time.Millisecond, FailureThreshold: 1}, nil, "a")
	dialer.SetPingError("a", errProbe)

	checker.Watch(p)
	checker.Watch(p)
	assert.True(t, checker.Watching(p))

	assert.Eventually(t, func() bool { return dialer.Dials() >= 2 }, time.Second, 5*time.Millisecond,
		"unhealthy connection should be replaced by the background loop")

	checker.Unwatch(p)
	assert.False(t, checker.Watching(p))
}

func TestStopIsIdempotent(t *testing.T) {
	p, checker, _ := newCheckedPool(t, schemas.HealthCheckConfig{Interval: time.Hour}, nil, "a")
	checker.Watch(p)

	checker.Stop()
	checker.Stop()
	assert.False(t, checker.Watching(p))

	checker.Watch(p)
	assert.False(t, checker.Watching(p), "a stopped checker does not start new loops")
}

func TestPoolStopForgetsState(t *testing.T) {
	p, checker, _ := newCheckedPool(t, schemas.HealthCheckConfig{Interval: time.Hour}, nil, "a")
	id := p.Connections()[0].ID()
	checker.Watch(p)
	checker.RecordFailure(p, id)

	p.Stop()
	assert.False(t, checker.Watching(p))
	assert.Equal(t, 0, checker.ConsecutiveFailures(p, id))
}

func TestClosedConnectionStateIsDropped(t *testing.T) {
	p, checker, _ := newCheckedPool(t, schemas.HealthCheckConfig{Interval: time.Hour}, nil, "a")
	require.NoError(t, p.Scale(context.Background(), 2))
	require.Len(t, p.Connections(), 2)

	before := p.Connections()
	for _, conn := range before {
		checker.RecordFailure(p, conn.ID())
	}
	require.NoError(t, p.Scale(context.Background(), 1))

	after := p.Connections()
	require.Len(t, after, 1)
	for _, conn := range before {
		if conn.ID() == after[0].ID() {
			assert.Equal(t, 1, checker.ConsecutiveFailures(p, conn.ID()))
			continue
		}
		assert.Equal(t, schemas.ConnectionStatusClosed, conn.Status())
		assert.Equal(t, 0, checker.ConsecutiveFailures(p, conn.ID()))
		assert.Equal(t, schemas.HealthStateHealthy, checker.State(p, conn.ID()))
	}
}

func TestHealthListenerCanQueryChecker(t *testing.T) {
	p, checker, _ := newCheckedPool(t, schemas.HealthCheckConfig{}, nil, "a")
	id := p.Connections()[0].ID()

	observed := make(chan schemas.HealthState, 1)
	p.Subscribe(func(event schemas.ConnectionEvent) {
		if event.Type == schemas.EventConnectionHealthChanged {
			observed <- checker.State(p, event.ConnectionID)
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		checker.RecordFailure(p, id)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RecordFailure blocked on a listener reading checker state")
	}
	assert.Equal(t, schemas.HealthStateDegraded, <-observed)
}

func TestConcurrentTransitionsLeavePoolInSync(t *testing.T) {
	p, checker, _ := newCheckedPool(t, schemas.HealthCheckConfig{FailureThreshold: 1000}, nil, "a")
	conn := p.Connections()[0]

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				if (i+j)%2 == 0 {
					checker.RecordFailure(p, conn.ID())
				} else {
					checker.RecordSuccess(p, conn.ID())
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, checker.State(p, conn.ID()), conn.HealthState())
}

func TestRoundRobinSkipsUnhealthyUntilReplaced(t *testing.T) {
	logger := testutil.TestLogger{T: t}
	checker, err := health.New(schemas.HealthCheckConfig{Interval: time.Hour}, nil, logger)
	require.NoError(t, err)
	t.Cleanup(checker.Stop)
	p := pool.New("anthropic", testutil.FastPoolConfig(2, 2, schemas.StrategyRoundRobin), testutil.Configs("a", "b"), pool.Options{
		Dialer: testutil.NewFakeDialer(),
		Health: checker,
		Logger: logger,
	})
	t.Cleanup(p.Stop)
	require.NoError(t, p.Start(context.Background()))

	var failing string
	for range 10 {
		lease, err := p.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		if lease.ConfigID() == "a" {
			failing = lease.ID()
			require.NoError(t, lease.ReleaseWithError(errProbe))
		} else {
			require.NoError(t, lease.Release(schemas.SuccessOutcome(time.Millisecond)))
		}
		if failing != "" && checker.State(p, failing) == schemas.HealthStateUnhealthy {
			break
		}
	}
	require.Equal(t, schemas.HealthStateUnhealthy, checker.State(p, failing))

	for range 4 {
		lease, err := p.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "b", lease.ConfigID(), "unhealthy connection must be skipped")
		require.NoError(t, lease.Release(schemas.SuccessOutcome(time.Millisecond)))
	}

	report := checker.CheckPoolHealth(context.Background(), p)
	assert.Equal(t, []string{failing}, report.Replaced)

	seen := map[string]int{}
	for range 4 {
		lease, err := p.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		seen[lease.ConfigID()]++
		assert.NotEqual(t, failing, lease.ID())
		require.NoError(t, lease.Release(schemas.SuccessOutcome(time.Millisecond)))
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, seen)
}
