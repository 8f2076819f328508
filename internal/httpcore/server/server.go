// Package server is the reference-counted listening endpoint: it owns a
// gnet engine, defaults and validates Config, and dispatches framed requests
// to the application's Route callback.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"

	coreerrors "github.com/corewave-io/evhttp/internal/errors"
	"github.com/corewave-io/evhttp/internal/httpcore/gnetio"
	"github.com/corewave-io/evhttp/internal/httpcore/response"
	"github.com/corewave-io/evhttp/internal/httpcore/session"
	"github.com/corewave-io/evhttp/internal/logger"
)

// Config holds every server-level tunable. Zero values are replaced by
// applyDefaults with the values the reference implementation uses.
type Config struct {
	ListenAddr string // default ":8080" (":8443" when TLS is configured elsewhere)

	// SocketQueueSize mirrors the reference http_socket_queue_size tunable
	// (the listen backlog). gnet v2.9.1's public With* options don't expose a
	// backlog knob to set alongside gnet.Run's other options, so this field
	// is accepted and defaulted but not yet passed through; see DESIGN.md for
	// the same "documented extension point" treatment TLS gets below.
	SocketQueueSize      int           // http_socket_queue_size
	RequestBufSize       int           // request_buf_size
	RequestBufMaxSize    int           // request_buf_max_size
	RequestTokenMaxLen   int           // request_token_max_len
	RequestMaxHeaderCnt  int           // request_max_header_count
	ResponseBufSize      int           // response_buf_size
	RequestTimeout       time.Duration // request_timeout_sec
	RequestTimeoutKeepAlive time.Duration // request_timeout_keepalive_sec

	Multicore bool

	// TLS is accepted but not yet consumed by Run: wiring a TLS listener
	// means wrapping gnet's connection at the gnetio.connAdapter boundary,
	// which no embedder has needed yet. Kept as a documented extension
	// point rather than a wired component.
	TLS *tls.Config
}

// applyDefaults fills zero-valued fields with the reference server's
// defaults.
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
		if c.TLS != nil {
			c.ListenAddr = ":8443"
		}
	}
	if c.SocketQueueSize == 0 {
		c.SocketQueueSize = 64
	}
	if c.RequestBufSize == 0 {
		c.RequestBufSize = 1024
	}
	if c.RequestBufMaxSize == 0 {
		c.RequestBufMaxSize = 8 * 1024 * 1024
	}
	if c.RequestTokenMaxLen == 0 {
		c.RequestTokenMaxLen = 8192
	}
	if c.RequestMaxHeaderCnt == 0 {
		c.RequestMaxHeaderCnt = 127
	}
	if c.ResponseBufSize == 0 {
		c.ResponseBufSize = 1024
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.RequestTimeoutKeepAlive == 0 {
		c.RequestTimeoutKeepAlive = 120 * time.Second
	}
}

// validate rejects configurations the reference implementation would refuse
// to start with.
func (c *Config) validate() error {
	if c.RequestBufSize > c.RequestBufMaxSize {
		return coreerrors.NewFatalConfigError("server.config",
			fmt.Errorf("request_buf_size (%d) exceeds request_buf_max_size (%d)", c.RequestBufSize, c.RequestBufMaxSize))
	}
	if c.RequestMaxHeaderCnt <= 0 {
		return coreerrors.NewFatalConfigError("server.config",
			fmt.Errorf("request_max_header_count must be positive, got %d", c.RequestMaxHeaderCnt))
	}
	return nil
}

func (c Config) limits() session.Limits {
	return session.Limits{
		InitialBufSize:   c.RequestBufSize,
		MaxBufSize:       c.RequestBufMaxSize,
		MaxHeaderCount:   c.RequestMaxHeaderCnt,
		MaxTokenLen:      c.RequestTokenMaxLen,
		RequestTimeout:   c.RequestTimeout,
		KeepAliveTimeout: c.RequestTimeoutKeepAlive,
	}
}

// Route is the application's per-request entry point, the same signature as
// session.Handler.
type Route func(d *session.Driver)

// Server is a reference-counted listening endpoint: every accepted
// connection holds a reference for as long as it's open, so Wait can block
// for in-flight connections to drain instead of severing them mid-response.
type Server struct {
	cfg   Config
	log   *slog.Logger
	route Route
	clock *response.Clock

	// refs counts connections currently holding a reference to this server
	// (one per accepted connection, held for as long as it's open), so Wait
	// can block a shutdown until every in-flight connection has drained
	// instead of severing them mid-response.
	refs    int64
	drainMu sync.Mutex
	drainCh chan struct{}

	mu      sync.Mutex
	started bool
}

// New validates and defaults cfg and returns an unstarted Server that will
// dispatch every framed request to route.
func New(cfg Config, route Route) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:   cfg,
		log:   logger.Logger().With("component", "http_server"),
		route: route,
		clock: response.NewClock(),
	}, nil
}

// acquire registers a reference held by a single accepted connection, from
// the moment gnet opens it until it closes, regardless of how many requests
// it serves or how long it sits idle on keep-alive in between.
func (s *Server) acquire() { atomic.AddInt64(&s.refs, 1) }

// release drops a connection's reference once gnet has closed it, waking
// any pending Wait call once the count reaches zero.
func (s *Server) release() {
	if atomic.AddInt64(&s.refs, -1) == 0 {
		s.drainMu.Lock()
		if s.drainCh != nil {
			close(s.drainCh)
			s.drainCh = nil
		}
		s.drainMu.Unlock()
	}
}

// Wait blocks until every connection accepted so far has released its
// reference, or ctx is canceled.
func (s *Server) Wait(ctx context.Context) error {
	s.drainMu.Lock()
	if atomic.LoadInt64(&s.refs) == 0 {
		s.drainMu.Unlock()
		return nil
	}
	if s.drainCh == nil {
		s.drainCh = make(chan struct{})
	}
	ch := s.drainCh
	s.drainMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the gnet engine and blocks until ctx is canceled or the engine
// reports a fatal error.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server: already started")
	}
	s.started = true
	s.mu.Unlock()

	h := gnetio.NewHandler(s.cfg.limits(), s.clock, s.route)
	h.OnConnOpen = s.acquire
	h.OnConnClose = s.release

	s.log.Info("http server listening", "addr", s.cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gnet.Run(h, "tcp://"+s.cfg.ListenAddr,
			gnet.WithMulticore(s.cfg.Multicore),
			gnet.WithTCPKeepAlive(0),
		)
	}()

	select {
	case <-ctx.Done():
		_ = gnet.Stop(context.Background(), "tcp://"+s.cfg.ListenAddr)
		return <-errCh
	case err := <-errCh:
		return err
	}
}
