// Command evhttpd is a thin binary wrapper around the embeddable evhttp
// server core: it wires flags to server.Config, installs a small example
// Route (static responses, an echo endpoint, and a WebSocket echo upgrade),
// and runs until signaled.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gobwas/ws"

	"github.com/corewave-io/evhttp/internal/httpcore/gnetio"
	"github.com/corewave-io/evhttp/internal/httpcore/server"
	"github.com/corewave-io/evhttp/internal/httpcore/session"
	wscore "github.com/corewave-io/evhttp/internal/httpcore/ws"
	"github.com/corewave-io/evhttp/internal/logger"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println("evhttpd", version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logger.Logger()

	srv, err := server.New(server.Config{
		ListenAddr:              cfg.listenAddr,
		RequestBufMaxSize:       cfg.requestBufMaxSize,
		RequestMaxHeaderCnt:     cfg.maxHeaderCount,
		RequestTimeout:          cfg.requestTimeout,
		RequestTimeoutKeepAlive: cfg.keepAliveTimeout,
	}, route)
	if err != nil {
		log.Error("invalid server configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- srv.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining connections")
	case err := <-runErrCh:
		if err != nil {
			log.Error("server stopped", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = srv.Wait(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
		log.Info("all connections drained, exiting")
	case <-shutdownCtx.Done():
		log.Warn("shutdown timed out with connections still open")
	}

	<-runErrCh
}

// route is the example Route installed on the binary's server. Real
// embedders supply their own; this one only exists to exercise the core
// through a minimal set of endpoints.
func route(d *session.Driver) {
	switch target := d.RequestTarget(); {
	case target == "/":
		d.Response().BodySet([]byte("evhttpd is running\n"))
		d.Response().HeaderSet("content-type", "text/plain; charset=utf-8")
		_ = d.Response().SetStatus(http.StatusOK)
		d.ResponseEnd()

	case target == "/echo":
		body := d.RequestBody()
		d.Response().BodySet(body)
		d.Response().HeaderSet("content-type", "application/octet-stream")
		_ = d.Response().SetStatus(http.StatusOK)
		d.ResponseEnd()

	case target == "/ws":
		upgradeWebSocket(d)

	default:
		d.Response().BodySet([]byte("not found\n"))
		d.Response().HeaderSet("content-type", "text/plain; charset=utf-8")
		_ = d.Response().SetStatus(http.StatusNotFound)
		d.ResponseEnd()
	}
}

// upgradeWebSocket completes the RFC 6455 handshake and, once the 101
// response has been flushed, hijacks the connection into a ws.Engine that
// echoes every text/binary frame it receives.
func upgradeWebSocket(d *session.Driver) {
	accept, ok := wscore.Accept(d.RequestHeader)
	if !ok {
		_ = d.Response().SetStatus(http.StatusBadRequest)
		d.Response().BodySet([]byte("invalid websocket upgrade request\n"))
		d.ResponseEnd()
		return
	}

	resp := d.Response()
	_ = resp.SetStatus(http.StatusSwitchingProtocols)
	resp.HeaderSet("upgrade", "websocket")
	resp.HeaderSet("connection", "Upgrade")
	resp.HeaderSet("sec-websocket-accept", accept)
	if proto, ok := wscore.SelectSubprotocol(d.RequestHeader, []string{"echo"}); ok {
		resp.HeaderSet("sec-websocket-protocol", proto)
	}

	d.ResponseUpgrade(func() {
		adapter := d.Hijack()
		engine := wscore.NewEngine(adapter, ws.StateServerSide)
		engine.OnMessage = func(opcode ws.OpCode, payload []byte) {
			_ = engine.QueueMessage(opcode, payload)
		}
		if hj, ok := adapter.(gnetio.Hijacker); ok {
			hj.TakeOver(engine)
		}
		// Drain any frame bytes that arrived in the same read as the
		// upgrade request before future traffic events hand off to engine.
		_ = engine.OnReadable()
	})
}
