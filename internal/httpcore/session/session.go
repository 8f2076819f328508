// Package session implements the per-connection state machine that couples
// a ParserFSM to a readiness-driven byte-stream adapter: reading into the
// stream buffer, invoking the application handler once a request is framed,
// writing response bytes across however many write-readiness events it
// takes, and recycling the connection for keep-alive.
package session

import (
	"errors"
	"strings"
	"time"

	coreerrors "github.com/corewave-io/evhttp/internal/errors"
	"github.com/corewave-io/evhttp/internal/httpcore/parser"
	"github.com/corewave-io/evhttp/internal/httpcore/response"
	"github.com/corewave-io/evhttp/internal/httpcore/stream"
	"github.com/corewave-io/evhttp/internal/httpcore/token"
)

// ErrWouldBlock is the sentinel an Adapter returns to mean "try again on the
// next readiness event", matching EAGAIN/EWOULDBLOCK in the byte-stream
// adapter contract.
var ErrWouldBlock = errors.New("session: would block")

// Adapter is the byte-stream collaborator a Driver reads from and writes to.
// A concrete implementation (internal/httpcore/gnetio) adapts a specific
// poller's connection type to this contract.
type Adapter interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	FD() int
	Close() error
}

// Poller is the readiness/timeout collaborator a Driver arms on state
// transitions.
type Poller interface {
	ArmEvents(read, write bool)
	SetTimeout(d time.Duration)
}

// State is one of the four SessionDriver states.
type State int8

const (
	StateInit State = iota
	StateRead
	StateWrite
	StatePaused
)

// Flags holds the session's boolean policy bits.
type Flags uint8

const (
	FlagKeepAlive Flags = 1 << iota
	FlagStreamed
	FlagEndSession
	FlagAutomatic
	FlagChunkedResponse
)

// Limits bounds buffer growth, header/token size, and idle timeouts. Owned
// by server.Config and threaded through to every Driver it creates.
type Limits struct {
	InitialBufSize   int
	MaxBufSize       int
	MaxHeaderCount   int
	MaxTokenLen      int
	RequestTimeout   time.Duration
	KeepAliveTimeout time.Duration
}

// Handler is invoked once a request's BODY or BODY_STREAM token has been
// framed. It runs on the poller goroutine that owns the connection.
type Handler func(d *Driver)

// ChunkHandler is invoked when the next CHUNK_BODY token of a streamed or
// chunked request body becomes available.
type ChunkHandler func(d *Driver)

// OnFlushed is invoked once a response chunk has been fully handed to the
// adapter.
type OnFlushed func()

// HeaderView is a resolved name/value pair, used by HeadersIterate.
type HeaderView struct {
	Name  string
	Value string
}

// Driver is the per-connection state machine.
type Driver struct {
	adapter Adapter
	poller  Poller
	limits  Limits
	handler Handler

	stream *stream.Stream
	tokens *token.Buffer
	parser *parser.Parser
	resp   *response.Response

	state State
	flags Flags

	chunkCB ChunkHandler

	writeBuf   []byte
	writeOff   int
	writeFinal bool
	onFlushed  OnFlushed

	onClose func(err error)
	closed  bool
}

// New returns a Driver bound to adapter/poller, ready for Init.
func New(adapter Adapter, poller Poller, limits Limits, clk *response.Clock, handler Handler) *Driver {
	return &Driver{
		adapter: adapter,
		poller:  poller,
		limits:  limits,
		handler: handler,
		resp:    response.New(clk),
	}
}

// OnClose registers a callback invoked exactly once when the connection is
// disposed, successfully or otherwise.
func (d *Driver) OnClose(cb func(err error)) { d.onClose = cb }

// Init allocates the stream/token/parser state, arms the initial read
// timeout, and enters Read.
func (d *Driver) Init() {
	d.stream = stream.New(d.limits.InitialBufSize, d.limits.MaxBufSize)
	d.tokens = token.NewBuffer()
	d.parser = parser.New(d.limits.MaxHeaderCount, d.limits.MaxTokenLen)
	d.flags = FlagAutomatic
	d.state = StateRead
	d.poller.SetTimeout(d.limits.RequestTimeout)
	d.poller.ArmEvents(true, false)
}

// State reports the driver's current state.
func (d *Driver) State() State { return d.state }

// --- read-only request views -------------------------------------------------

func (d *Driver) tokenString(t token.Token) string {
	return string(d.stream.View(t.Offset, t.Len))
}

// RequestMethod returns the parsed request-line method.
func (d *Driver) RequestMethod() string {
	if t, ok := d.tokens.First(token.Method); ok {
		return d.tokenString(t)
	}
	return ""
}

// RequestTarget returns the parsed request-line target.
func (d *Driver) RequestTarget() string {
	if t, ok := d.tokens.First(token.Target); ok {
		return d.tokenString(t)
	}
	return ""
}

// RequestVersion returns the parsed request-line version, e.g. "HTTP/1.1".
func (d *Driver) RequestVersion() string {
	if t, ok := d.tokens.First(token.Version); ok {
		return d.tokenString(t)
	}
	return ""
}

// RequestHeader looks up a request header by name, case-insensitively.
func (d *Driver) RequestHeader(name string) (string, bool) {
	val, ok := d.tokens.Header(func(k token.Token) bool {
		return strings.EqualFold(d.tokenString(k), name)
	})
	if !ok {
		return "", false
	}
	return d.tokenString(val), true
}

// RequestBody returns the full buffered body for a non-streamed request
// (Content-Length within buffer capacity, or no body at all).
func (d *Driver) RequestBody() []byte {
	if t, ok := d.tokens.First(token.Body); ok {
		return []byte(d.tokenString(t))
	}
	return nil
}

// LastChunk returns the most recently delivered CHUNK_BODY token's bytes,
// for use inside a ChunkHandler.
func (d *Driver) LastChunk() []byte {
	if t, ok := d.tokens.Last(); ok && t.Kind == token.ChunkBody {
		return []byte(d.tokenString(t))
	}
	return nil
}

// HeadersIterate resolves every request header emitted so far into name/value
// strings, in arrival order.
func (d *Driver) HeadersIterate() []HeaderView {
	pairs := d.tokens.HeaderPairs()
	out := make([]HeaderView, len(pairs))
	for i, p := range pairs {
		out[i] = HeaderView{Name: d.tokenString(p.Key), Value: d.tokenString(p.Val)}
	}
	return out
}

// Streamed reports whether the current request's body is being delivered
// via CHUNK_BODY tokens rather than a single BODY token.
func (d *Driver) Streamed() bool { return d.flags&FlagStreamed != 0 }

// Response exposes the in-flight ResponseBuilder for status/header/body setup.
func (d *Driver) Response() *response.Response { return d.resp }

// SetKeepAlive overrides the automatic keep-alive policy for this response.
func (d *Driver) SetKeepAlive(v bool) {
	d.flags &^= FlagAutomatic
	if v {
		d.flags |= FlagKeepAlive
	} else {
		d.flags &^= FlagKeepAlive
	}
}

// SetAutomatic restores the default keep-alive policy (infer from request
// version and Connection header).
func (d *Driver) SetAutomatic() { d.flags |= FlagAutomatic }

// EndSession marks the connection for closure once the in-flight response
// has been fully written, regardless of keep-alive policy.
func (d *Driver) EndSession() { d.flags |= FlagEndSession }

// RequestChunkNext registers cb to run when the next CHUNK_BODY token of a
// streamed/chunked request body is available, and resumes reading.
func (d *Driver) RequestChunkNext(cb ChunkHandler) {
	d.chunkCB = cb
	d.state = StateRead
	d.poller.SetTimeout(d.limits.RequestTimeout)
	d.poller.ArmEvents(true, false)
	d.OnReadable()
}

func (d *Driver) versionLastByte() byte {
	v := d.RequestVersion()
	if v == "" {
		return 0
	}
	return v[len(v)-1]
}

// serialize syncs the response's Automatic/KeepAlive fields from the driver
// flags, serializes, then syncs back the decision Serialize made so the
// driver knows whether to reset or close once the bytes are flushed.
func (d *Driver) serialize() []byte {
	d.resp.Automatic = d.flags&FlagAutomatic != 0
	d.resp.KeepAlive = d.flags&FlagKeepAlive != 0
	conn, _ := d.RequestHeader("connection")
	out := d.resp.Serialize(time.Now(), d.versionLastByte(), conn)
	if d.resp.KeepAlive {
		d.flags |= FlagKeepAlive
	} else {
		d.flags &^= FlagKeepAlive
	}
	return out
}

// ResponseEnd finalizes and queues the full response (status, headers, and
// whatever body was set via Response().BodySet).
func (d *Driver) ResponseEnd() {
	out := d.serialize()
	d.enqueueWrite(out, nil, true)
}

// ResponseChunkWrite writes one chunked-transfer-encoding frame. On the
// first call it also writes the response headers (switching the response
// to transfer-encoding: chunked). onFlushed, if set, runs once the frame is
// fully handed to the adapter.
func (d *Driver) ResponseChunkWrite(body []byte, onFlushed OnFlushed) {
	if d.flags&FlagChunkedResponse == 0 {
		d.flags |= FlagChunkedResponse
		d.resp.Chunked = true
		d.resp.HeaderSet("transfer-encoding", "chunked")
		head := d.serialize()
		frame := response.SerializeChunk(body)
		d.enqueueWrite(append(head, frame...), onFlushed, false)
		return
	}
	d.enqueueWrite(response.SerializeChunk(body), onFlushed, false)
}

// ResponseChunkEnd writes the terminal zero-size chunk and any trailers,
// then resets (keep-alive) or closes the connection the same way ResponseEnd
// does.
func (d *Driver) ResponseChunkEnd() {
	term := d.resp.SerializeChunkTerminator()
	d.enqueueWrite(term, nil, true)
}

// ResponseUpgrade serializes the current response (a 101 Switching
// Protocols reply, typically with no body) and writes it without the
// keep-alive reset or close ResponseEnd performs, since the caller is about
// to Hijack the connection once the bytes are flushed. onFlushed runs after
// the headers are fully handed to the adapter, which is the right moment to
// call Hijack and start a protocol engine on the raw connection.
func (d *Driver) ResponseUpgrade(onFlushed OnFlushed) {
	out := d.serialize()
	d.enqueueWrite(out, onFlushed, false)
}

func (d *Driver) enqueueWrite(payload []byte, onFlushed OnFlushed, final bool) {
	d.writeBuf = payload
	d.writeOff = 0
	d.onFlushed = onFlushed
	d.writeFinal = final
	d.state = StateWrite
	d.pumpWrite()
}

// pumpWrite drains as much of writeBuf as the adapter accepts without
// blocking, re-arming write-readiness on a short write and resetting or
// closing the connection once a final payload is fully flushed.
func (d *Driver) pumpWrite() {
	for d.writeOff < len(d.writeBuf) {
		n, err := d.adapter.Write(d.writeBuf[d.writeOff:])
		if n > 0 {
			d.writeOff += n
		}
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				d.poller.ArmEvents(false, true)
				return
			}
			d.fail(coreerrors.NewIOError("session.write", err))
			return
		}
		if n == 0 {
			d.poller.ArmEvents(false, true)
			return
		}
	}

	d.writeBuf = nil
	cb := d.onFlushed
	d.onFlushed = nil
	if cb != nil {
		cb()
	}
	if !d.writeFinal {
		return
	}
	if d.flags&FlagKeepAlive != 0 && d.flags&FlagEndSession == 0 {
		d.resetForNextRequest()
		return
	}
	d.close(nil)
}

func (d *Driver) resetForNextRequest() {
	d.stream.Reset()
	d.tokens.Reset()
	d.parser.Reset()
	d.resp.Reset()
	d.flags &^= FlagStreamed | FlagChunkedResponse
	d.state = StateRead
	d.poller.SetTimeout(d.limits.KeepAliveTimeout)
	d.poller.ArmEvents(true, false)
}

// OnReadable pumps available bytes from the adapter through the parser,
// invoking Handler on BODY/BODY_STREAM and ChunkHandler on CHUNK_BODY. It
// stops at the first token that pauses the driver, matching the no-pipelining
// contract: the next request is never parsed until the current one's
// response is underway.
func (d *Driver) OnReadable() {
	if d.state != StateRead {
		return
	}

	scratch := make([]byte, 64*1024)
	for {
		n, err := d.adapter.Read(scratch)
		if n > 0 {
			d.stream.Append(scratch[:n])
		}
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				break
			}
			d.fail(coreerrors.NewIOError("session.read", err))
			return
		}
		if n == 0 {
			d.close(nil)
			return
		}
	}

	for {
		tok := d.parser.Next(d.stream)
		switch tok.Kind {
		case token.None:
			return
		case token.Error:
			d.failProtocol()
			return
		case token.Body, token.BodyStream:
			d.tokens.Append(tok)
			if tok.Kind == token.BodyStream {
				d.flags |= FlagStreamed
			}
			d.state = StatePaused
			d.poller.SetTimeout(d.limits.RequestTimeout)
			if d.handler != nil {
				d.handler(d)
			}
			return
		case token.ChunkBody:
			d.tokens.Append(tok)
			d.state = StatePaused
			cb := d.chunkCB
			d.chunkCB = nil
			d.poller.SetTimeout(d.limits.RequestTimeout)
			if cb != nil {
				cb(d)
			}
			return
		case token.ReqEnd:
			continue
		default:
			d.tokens.Append(tok)
		}
	}
}

// OnWritable resumes a partially-flushed write.
func (d *Driver) OnWritable() {
	if d.state != StateWrite || len(d.writeBuf) == 0 {
		return
	}
	d.pumpWrite()
}

// OnTimeout disposes the connection with no further bytes written, matching
// the Timeout error surface.
func (d *Driver) OnTimeout() {
	d.fail(coreerrors.NewTimeoutError("session.idle", d.limits.RequestTimeout, nil))
}

func (d *Driver) failProtocol() {
	d.resp.Reset()
	_ = d.resp.SetStatus(400)
	d.resp.Automatic = false
	d.resp.KeepAlive = false
	out := d.resp.Serialize(time.Now(), 0, "close")
	d.flags &^= FlagKeepAlive
	d.enqueueWrite(out, nil, true)
}

func (d *Driver) fail(err error) {
	d.close(err)
}

// close disposes the connection exactly once, invoking onClose if set.
func (d *Driver) close(err error) {
	if d.closed {
		return
	}
	d.closed = true
	if d.stream != nil {
		d.stream.Reset()
	}
	d.adapter.Close()
	if d.onClose != nil {
		d.onClose(err)
	}
}

// Close disposes the connection from outside the normal read/write flow
// (e.g. a listener-level shutdown).
func (d *Driver) Close() { d.close(nil) }

// Hijack hands the underlying adapter off to an external protocol driver
// (the WebSocket frame engine, once a 101 response has been written) and
// marks this Driver inert: it will never read, write, reset, or close the
// connection again.
func (d *Driver) Hijack() Adapter {
	d.closed = true
	d.state = StatePaused
	return d.adapter
}
