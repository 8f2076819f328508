package ws

import (
	"bufio"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	gobwasws "github.com/gobwas/ws"
)

// acceptOneHandshake runs a minimal server side of the RFC 6455 handshake
// on conn: read the request line and headers, derive Sec-WebSocket-Accept
// from the client's key, and write back a 101 response.
func acceptOneHandshake(t *testing.T, conn net.Conn) {
	t.Helper()
	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)

	if _, err := tp.ReadLine(); err != nil {
		t.Errorf("server: read request line: %v", err)
		return
	}
	headers, err := tp.ReadMIMEHeader()
	if err != nil {
		t.Errorf("server: read request headers: %v", err)
		return
	}
	key := headers.Get("Sec-Websocket-Key")
	if key == "" {
		t.Errorf("server: missing Sec-WebSocket-Key in request")
		return
	}

	accept := acceptKey(key)
	_, err = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"))
	if err != nil {
		t.Errorf("server: write handshake response: %v", err)
	}
}

func TestDialClientCompletesHandshakeAndExchangesFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split host:port: %v", err)
	}

	serverDone := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
			close(serverDone)
			return
		}
		acceptOneHandshake(t, conn)
		serverDone <- conn
	}()

	engine, err := DialClient(host, port, "/echo")
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer engine.Close()

	serverConn, ok := <-serverDone
	if !ok || serverConn == nil {
		t.Fatalf("server side of handshake did not complete")
	}
	defer serverConn.Close()

	frame := gobwasws.NewFrame(gobwasws.OpText, true, []byte("hello"))
	raw, err := gobwasws.CompileFrame(frame)
	if err != nil {
		t.Fatalf("compile frame: %v", err)
	}
	if _, err := serverConn.Write(raw); err != nil {
		t.Fatalf("server write frame: %v", err)
	}

	var got []byte
	engine.OnMessage = func(opcode gobwasws.OpCode, payload []byte) {
		got = append(got, payload...)
	}

	_ = serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	deadline := time.Now().Add(2 * time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		if err := engine.OnReadable(); err != nil {
			if err == ErrWouldBlock {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			t.Fatalf("OnReadable: %v", err)
		}
	}

	if string(got) != "hello" {
		t.Fatalf("expected to receive %q, got %q", "hello", got)
	}
}
