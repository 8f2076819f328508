package ws

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"

	"github.com/gobwas/ws"
)

// ClientHandshake holds the client key a dial generated, kept around so the
// caller can validate the server's Sec-WebSocket-Accept once the response
// headers arrive.
type ClientHandshake struct {
	ClientKey string
}

// clientKey generates a random 16-byte Sec-WebSocket-Key, base64-encoded,
// matching the handshake's use of /dev/urandom plus base64.
func clientKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// WriteRequest writes a client-side upgrade request for path on host:port to
// w, returning the handshake state needed to validate the response.
//
// The reference implementation this is ported from wrote a request line of
// "Host %s:%s\r\n" with no colon after "Host" — a malformed header line that
// happened to still work against permissive servers. That bug is fixed here:
// the header name and value are properly colon-separated.
func WriteRequest(w io.Writer, host, port, path string) (*ClientHandshake, error) {
	key, err := clientKey()
	if err != nil {
		return nil, err
	}
	_, err = fmt.Fprintf(w,
		"GET %s HTTP/1.1\r\n"+
			"Host: %s:%s\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: keep-alive, Upgrade\r\n"+
			"Sec-WebSocket-Key: %s\r\n"+
			"Sec-WebSocket-Version: 13\r\n"+
			"\r\n",
		path, host, port, key)
	if err != nil {
		return nil, err
	}
	return &ClientHandshake{ClientKey: key}, nil
}

// ReadResponse reads and validates the server's handshake response line and
// headers from r, returning an error if the upgrade was refused or the
// Sec-WebSocket-Accept value doesn't match the key this handshake sent.
func (h *ClientHandshake) ReadResponse(r *bufio.Reader) error {
	tp := textproto.NewReader(r)
	statusLine, err := tp.ReadLine()
	if err != nil {
		return err
	}
	if !strings.Contains(statusLine, "101") {
		return fmt.Errorf("ws: handshake refused: %q", statusLine)
	}

	headers, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return err
	}

	accept := headers.Get("Sec-Websocket-Accept")
	if accept == "" {
		return fmt.Errorf("ws: missing Sec-WebSocket-Accept in handshake response")
	}
	if !ValidateAccept(h.ClientKey, accept) {
		return fmt.Errorf("ws: Sec-WebSocket-Accept mismatch")
	}
	return nil
}

// bufferedConnAdapter reads through a bufio.Reader so any frame bytes the
// server pipelined immediately after its handshake response, and already
// pulled into the buffer while scanning for the response's blank line,
// aren't lost once the connection hands off to an Engine.
type bufferedConnAdapter struct {
	net.Conn
	br *bufio.Reader
}

func (a *bufferedConnAdapter) Read(p []byte) (int, error) { return a.br.Read(p) }

// DialClient opens a TCP connection to host:port, performs the RFC 6455
// client handshake against path, and returns an Engine ready to exchange
// frames with the server over that connection. The handshake itself runs
// as blocking I/O; the returned Engine drives the post-upgrade frame
// exchange the same nonblocking way regardless of which side dialed.
func DialClient(host, port, path string) (*Engine, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}

	hs, err := WriteRequest(conn, host, port, path)
	if err != nil {
		conn.Close()
		return nil, err
	}

	br := bufio.NewReader(conn)
	if err := hs.ReadResponse(br); err != nil {
		conn.Close()
		return nil, err
	}

	adapter := &bufferedConnAdapter{Conn: conn, br: br}
	return NewEngine(adapter, ws.StateClientSide), nil
}
