package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/maximhq/connpool/schemas"
	"github.com/valyala/fasthttp"
)

// Lease is the token handed out by Acquire. It must be released exactly
// once; further releases return schemas.ErrLeaseReleased.
type Lease struct {
	conn       *Connection
	pool       *Pool
	acquiredAt time.Time
	released   atomic.Bool
}

// Connection returns the leased connection.
func (l *Lease) Connection() *Connection { return l.conn }

// ID is the leased connection's id.
func (l *Lease) ID() string { return l.conn.ID() }

// ConfigID is the leased connection's config id.
func (l *Lease) ConfigID() string { return l.conn.ConfigID() }

// Provider names the pool the lease came from.
func (l *Lease) Provider() string { return l.conn.Provider() }

// AcquiredAt is when Acquire handed out the lease.
func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// Released reports whether the lease has been returned.
func (l *Lease) Released() bool { return l.released.Load() }

// Do sends a request through the leased connection.
func (l *Lease) Do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	return l.conn.Do(ctx, req, resp)
}

// Release returns the connection to its pool. A zero outcome latency is
// replaced by the time elapsed since acquisition.
func (l *Lease) Release(outcome schemas.RequestOutcome) error {
	if outcome.Latency <= 0 {
		outcome.Latency = time.Since(l.acquiredAt)
	}
	return l.pool.release(l, outcome)
}

// ReleaseWithError releases with a success or failure outcome depending on
// err, measuring latency from acquisition.
func (l *Lease) ReleaseWithError(err error) error {
	if err != nil {
		return l.Release(schemas.FailureOutcome(time.Since(l.acquiredAt), err))
	}
	return l.Release(schemas.SuccessOutcome(time.Since(l.acquiredAt)))
}
