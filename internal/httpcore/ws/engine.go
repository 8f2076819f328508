package ws

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/gobwas/ws"

	"github.com/corewave-io/evhttp/internal/bufpool"
)

// Adapter is the byte-stream collaborator an Engine reads frames from and
// writes frames to. Satisfied by the same adapter the HTTP session driver
// uses, letting a connection hand off from HTTP framing to WS framing
// without swapping out its underlying socket plumbing.
type Adapter interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// ErrWouldBlock mirrors session.ErrWouldBlock; kept as its own sentinel so
// this package has no import dependency on session.
var ErrWouldBlock = errors.New("ws: would block")

// OnMessage is invoked once a complete (possibly reassembled) text or binary
// message has arrived.
type OnMessage func(opcode ws.OpCode, payload []byte)

// OnClose is invoked once the peer sends a close frame or the connection
// fails.
type OnClose func(err error)

type queuedMsg struct {
	frame []byte
	next  *queuedMsg
}

// Engine drives the post-upgrade WebSocket frame exchange over Adapter: it
// reassembles fragmented messages, answers ping/close control frames
// automatically, and serializes outgoing messages through an explicit
// head/tail queue so concurrent writers never race on a half-built list.
//
// side is ws.StateServerSide or ws.StateClientSide; it controls whether
// frames this engine writes are masked (client). Incoming frames are
// unmasked when they carry a mask on either side; a missing mask is not
// rejected.
type Engine struct {
	adapter Adapter
	side    ws.State

	mu   sync.Mutex
	head *queuedMsg
	tail *queuedMsg

	buf    []byte
	filled int

	fragOpCode ws.OpCode
	fragBuf    []byte

	OnMessage OnMessage
	OnClose   OnClose

	closed bool
}

// NewEngine returns an Engine ready to exchange frames once the HTTP upgrade
// handshake has completed.
func NewEngine(adapter Adapter, side ws.State) *Engine {
	return &Engine{
		adapter: adapter,
		side:    side,
		buf:     bufpool.Get(4096),
	}
}

// QueueMessage appends a text or binary message to the outgoing queue and
// attempts an immediate flush. Safe to call from any goroutine; the queue's
// tail pointer is maintained explicitly so concurrent senders never walk a
// list whose last node is stale.
func (e *Engine) QueueMessage(opcode ws.OpCode, payload []byte) error {
	frame := ws.NewFrame(opcode, true, payload)
	if e.side == ws.StateClientSide {
		frame = ws.MaskFrameInPlace(frame)
	}
	raw, err := ws.CompileFrame(frame)
	if err != nil {
		return err
	}

	node := &queuedMsg{frame: raw}
	e.mu.Lock()
	if e.tail != nil {
		e.tail.next = node
		e.tail = node
	} else {
		e.head, e.tail = node, node
	}
	e.mu.Unlock()

	return e.Flush()
}

// Flush writes as much of the queued outgoing frames as the adapter accepts
// without blocking.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		cur := e.head
		if cur == nil {
			return nil
		}

		off := 0
		for off < len(cur.frame) {
			n, err := e.adapter.Write(cur.frame[off:])
			if n > 0 {
				off += n
			}
			if err != nil {
				if errors.Is(err, ErrWouldBlock) {
					// Keep only the unwritten remainder on the head node so
					// the next Flush resumes exactly here.
					cur.frame = cur.frame[off:]
					return nil
				}
				return err
			}
			if n == 0 {
				cur.frame = cur.frame[off:]
				return nil
			}
		}

		e.head = cur.next
		if e.head == nil {
			e.tail = nil
		}
	}
}

// OnReadable pulls whatever bytes the adapter has ready, parses as many
// complete frames as are buffered, answers control frames, and reassembles
// fragmented messages before invoking OnMessage.
func (e *Engine) OnReadable() error {
	for {
		if e.filled == len(e.buf) {
			e.grow()
		}
		n, err := e.adapter.Read(e.buf[e.filled:])
		if n > 0 {
			e.filled += n
		}
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				break
			}
			e.fail(err)
			return err
		}
		if n == 0 {
			e.fail(io.EOF)
			return io.EOF
		}
	}

	for {
		consumed, hdr, payload, ok := parseFrame(e.buf[:e.filled])
		if !ok {
			break
		}
		copy(e.buf, e.buf[consumed:e.filled])
		e.filled -= consumed

		if err := e.handleFrame(hdr, payload); err != nil {
			e.fail(err)
			return err
		}
	}
	return nil
}

func (e *Engine) grow() {
	next := bufpool.Get(len(e.buf) * 2)
	copy(next, e.buf[:e.filled])
	bufpool.Put(e.buf)
	e.buf = next
}

// parseFrame attempts to decode one complete frame from buf, returning the
// number of bytes consumed and the frame's header and (unmasked) payload. ok
// is false if buf does not yet hold a complete frame.
func parseFrame(buf []byte) (consumed int, hdr ws.Header, payload []byte, ok bool) {
	r := bytes.NewReader(buf)
	hdr, err := ws.ReadHeader(r)
	if err != nil {
		return 0, ws.Header{}, nil, false
	}
	headerLen := len(buf) - r.Len()
	total := headerLen + int(hdr.Length)
	if total > len(buf) {
		return 0, ws.Header{}, nil, false
	}

	payload = make([]byte, hdr.Length)
	copy(payload, buf[headerLen:total])
	if hdr.Masked {
		ws.Cipher(payload, hdr.Mask, 0)
	}
	return total, hdr, payload, true
}

func (e *Engine) handleFrame(hdr ws.Header, payload []byte) error {
	switch hdr.OpCode {
	case ws.OpPing:
		return e.QueueMessage(ws.OpPong, payload)
	case ws.OpPong:
		return nil
	case ws.OpClose:
		e.fail(nil)
		return io.EOF
	case ws.OpContinuation:
		e.fragBuf = append(e.fragBuf, payload...)
		if hdr.Fin {
			msg := e.fragBuf
			op := e.fragOpCode
			e.fragBuf = nil
			if e.OnMessage != nil {
				e.OnMessage(op, msg)
			}
		}
		return nil
	default: // OpText, OpBinary
		if !hdr.Fin {
			e.fragOpCode = hdr.OpCode
			e.fragBuf = append(e.fragBuf[:0], payload...)
			return nil
		}
		if e.OnMessage != nil {
			e.OnMessage(hdr.OpCode, payload)
		}
		return nil
	}
}

// OnWritable resumes a partially flushed outgoing queue.
func (e *Engine) OnWritable() error { return e.Flush() }

func (e *Engine) fail(err error) {
	if e.closed {
		return
	}
	e.closed = true
	bufpool.Put(e.buf)
	e.buf = nil
	e.adapter.Close()
	if e.OnClose != nil {
		e.OnClose(err)
	}
}

// Close sends a close frame and disposes the connection.
func (e *Engine) Close() error {
	_ = e.QueueMessage(ws.OpClose, nil)
	e.fail(nil)
	return nil
}
