package gnetio

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/panjf2000/gnet/v2"

	"github.com/corewave-io/evhttp/internal/httpcore/response"
	"github.com/corewave-io/evhttp/internal/httpcore/session"
)

// Handler implements gnet.EventHandler, translating gnet's connection
// lifecycle into session.Driver lifecycle calls. It is the only place in
// the module that imports gnet directly; session and everything it touches
// stay poller-agnostic.
type Handler struct {
	gnet.BuiltinEventEngine

	Limits         session.Limits
	Clock          *response.Clock
	RequestHandler func(d *session.Driver)

	// OnConnOpen and OnConnClose, if set, are invoked once per connection's
	// open/close lifecycle rather than per request, so a caller tracking
	// outstanding connections (e.g. server.Server's reference count) sees an
	// idle keep-alive connection as still open instead of only as long as a
	// request is being dispatched.
	OnConnOpen  func()
	OnConnClose func()

	eng gnet.Engine
}

// NewHandler returns a Handler ready to pass to gnet.Run. limits bounds every
// connection's buffers/timeouts; requestHandler runs once per framed
// request, the same callback session.New expects.
func NewHandler(limits session.Limits, clock *response.Clock, requestHandler func(d *session.Driver)) *Handler {
	return &Handler{Limits: limits, Clock: clock, RequestHandler: requestHandler}
}

// OnBoot stashes the engine handle so later callbacks (none currently) could
// reach it, and matches the signature gnet.EventHandler expects.
func (h *Handler) OnBoot(eng gnet.Engine) gnet.Action {
	h.eng = eng
	return gnet.None
}

// OnOpen constructs a session.Driver bound to this connection's gnet
// adapter/poller pair, initializes it, and stores it in the connection's
// context for OnTraffic/OnClose to retrieve.
func (h *Handler) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	adapter := connAdapter{c: c}
	poller := connPoller{c: c}

	driver := session.New(adapter, poller, h.Limits, h.Clock, h.RequestHandler)
	driver.Init()
	c.SetContext(&connState{driver: driver})
	if h.OnConnOpen != nil {
		h.OnConnOpen()
	}
	return nil, gnet.None
}

// OnTraffic drains whatever gnet has buffered for this connection through
// the owning Driver.
func (h *Handler) OnTraffic(c gnet.Conn) gnet.Action {
	st, _ := c.Context().(*connState)
	if st == nil {
		return gnet.Close
	}
	if st.hijacked != nil {
		if err := st.hijacked.OnReadable(); err != nil {
			return gnet.Close
		}
		return gnet.None
	}
	if st.driver == nil {
		return gnet.Close
	}
	st.driver.OnReadable()
	return gnet.None
}

// OnClose disposes whichever protocol currently owns the connection (a
// no-op if it already disposed itself, e.g. on a protocol error). err is
// whatever gnet observed closing the connection; when it reflects the
// deadline connPoller.SetTimeout armed, the driver is routed through
// OnTimeout instead of Close so the timeout surfaces as a distinct error
// kind rather than an ordinary peer close.
func (h *Handler) OnClose(c gnet.Conn, err error) gnet.Action {
	if h.OnConnClose != nil {
		defer h.OnConnClose()
	}

	st, ok := c.Context().(*connState)
	if !ok {
		return gnet.None
	}
	if closer, ok := st.hijacked.(interface{ Close() error }); ok {
		_ = closer.Close()
		return gnet.None
	}
	if st.driver == nil {
		return gnet.None
	}
	if isDeadlineExceeded(err) {
		st.driver.OnTimeout()
		return gnet.None
	}
	st.driver.Close()
	return gnet.None
}

// isDeadlineExceeded reports whether err is the connection's idle deadline
// firing (the deadline connPoller.SetTimeout set via gnet.Conn.SetDeadline)
// rather than a peer-initiated close or an unrelated I/O error.
func isDeadlineExceeded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// OnTick is unused; idle timeouts are delivered through OnClose once the
// deadline connPoller.SetTimeout armed fires and gnet reports it there,
// not through a server-wide tick.
func (h *Handler) OnTick() (time.Duration, gnet.Action) {
	return time.Second, gnet.None
}
