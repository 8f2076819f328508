// Package gnetio adapts gnet's edge-triggered, per-loop-goroutine connection
// model to the session.Adapter/session.Poller contracts, so
// internal/httpcore/session never imports gnet directly.
package gnetio

import (
	"time"

	"github.com/panjf2000/gnet/v2"

	"github.com/corewave-io/evhttp/internal/httpcore/session"
	"github.com/corewave-io/evhttp/internal/httpcore/ws"
)

// errWouldBlock is returned by connAdapter.Read in place of gnet's "nothing
// buffered right now" zero-byte/nil-error result. It satisfies errors.Is
// against both session.ErrWouldBlock and ws.ErrWouldBlock, since the same
// connAdapter value serves as a session.Adapter before a WebSocket upgrade
// and a ws.Adapter after one, and each package checks its own sentinel.
type wouldBlockError struct{}

func (wouldBlockError) Error() string { return "gnetio: would block" }

func (wouldBlockError) Is(target error) bool {
	return target == session.ErrWouldBlock || target == ws.ErrWouldBlock
}

var errWouldBlock = wouldBlockError{}

// connAdapter satisfies both session.Adapter and ws.Adapter over a gnet.Conn.
//
// gnet already buffers inbound bytes internally and only invokes OnTraffic
// once data has arrived, so Conn.Read never blocks; it simply returns
// whatever is currently buffered, including zero bytes with a nil error once
// that buffer is drained. That differs from a raw socket read (where 0, nil
// would mean EOF), so Read here translates "nothing left to read right now"
// into errWouldBlock, and lets a genuine connection-level EOF surface through
// gnet's OnClose callback instead of through Read's return value.
type connAdapter struct {
	c gnet.Conn
}

func (a connAdapter) Read(p []byte) (int, error) {
	n, err := a.c.Read(p)
	if err == nil && n == 0 {
		return 0, errWouldBlock
	}
	return n, err
}

// Write hands payload to gnet's own async outbound buffer. gnet queues and
// flushes writes internally rather than exposing a would-block signal to
// callers, so this always reports the full write as accepted barring a
// genuine connection error.
func (a connAdapter) Write(p []byte) (int, error) {
	return a.c.Write(p)
}

func (a connAdapter) FD() int { return a.c.Fd() }

func (a connAdapter) Close() error { return a.c.Close() }

// HijackedHandler is driven by OnTraffic once a connection's driver has
// handed off to an upgraded protocol (e.g. a ws.Engine after a WebSocket
// handshake), in place of session.Driver.OnReadable.
type HijackedHandler interface {
	OnReadable() error
}

// Hijacker lets code holding a session.Adapter returned from
// session.Driver.Hijack install the protocol engine that should now own the
// connection's traffic. connAdapter is the only implementation; callers type-
// assert the Adapter they get back from Hijack against this interface.
type Hijacker interface {
	TakeOver(h HijackedHandler)
}

func (a connAdapter) TakeOver(h HijackedHandler) {
	if st, ok := a.c.Context().(*connState); ok {
		st.hijacked = h
	}
}

// connPoller satisfies session.Poller over a gnet.Conn. gnet's event loop is
// push-driven (OnTraffic fires whenever bytes are ready and writes are
// flushed by gnet itself), so there is no separate read/write readiness to
// arm; ArmEvents only needs to track the idle-timeout-relevant direction for
// SetTimeout's deadline math. Timeouts are implemented as an absolute
// deadline on the connection, the nearest gnet equivalent to a relative
// "disarm then rearm" timeout.
type connPoller struct {
	c gnet.Conn
}

func (p connPoller) ArmEvents(read, write bool) {
	// No-op: see type doc. Kept as an explicit method (rather than omitted)
	// so session.Poller's contract is satisfied uniformly across adapters,
	// including future ones that do need explicit arming.
}

func (p connPoller) SetTimeout(d time.Duration) {
	if d <= 0 {
		_ = p.c.SetDeadline(time.Time{})
		return
	}
	_ = p.c.SetDeadline(time.Now().Add(d))
}

// connState is the per-connection value stored in gnet.Conn's context,
// tracking whichever protocol currently owns the connection. hijacked is
// nil until TakeOver installs an upgraded protocol engine, at which point
// OnTraffic stops driving driver and starts driving hijacked instead.
type connState struct {
	driver   *session.Driver
	hijacked HijackedHandler
}
