package server

import (
	"context"
	"testing"
	"time"

	"github.com/corewave-io/evhttp/internal/httpcore/session"
)

func TestApplyDefaults(t *testing.T) {
	var c Config
	c.applyDefaults()

	if c.ListenAddr != ":8080" {
		t.Fatalf("expected default listen addr :8080, got %q", c.ListenAddr)
	}
	if c.SocketQueueSize != 64 {
		t.Fatalf("expected default socket queue size 64, got %d", c.SocketQueueSize)
	}
	if c.RequestBufSize != 1024 {
		t.Fatalf("expected default request buf size 1024, got %d", c.RequestBufSize)
	}
	if c.RequestBufMaxSize != 8*1024*1024 {
		t.Fatalf("expected default request buf max size 8MiB, got %d", c.RequestBufMaxSize)
	}
	if c.RequestTokenMaxLen != 8192 {
		t.Fatalf("expected default token max len 8192, got %d", c.RequestTokenMaxLen)
	}
	if c.RequestMaxHeaderCnt != 127 {
		t.Fatalf("expected default max header count 127, got %d", c.RequestMaxHeaderCnt)
	}
	if c.RequestTimeout != 20*time.Second {
		t.Fatalf("expected default request timeout 20s, got %v", c.RequestTimeout)
	}
	if c.RequestTimeoutKeepAlive != 120*time.Second {
		t.Fatalf("expected default keep-alive timeout 120s, got %v", c.RequestTimeoutKeepAlive)
	}
}

func TestValidateRejectsBufSizeExceedingMax(t *testing.T) {
	c := Config{RequestBufSize: 100, RequestBufMaxSize: 50, RequestMaxHeaderCnt: 1}
	if err := c.validate(); err == nil {
		t.Fatalf("expected an error when request_buf_size exceeds request_buf_max_size")
	}
}

func TestValidateRejectsNonPositiveHeaderCount(t *testing.T) {
	c := Config{RequestBufSize: 10, RequestBufMaxSize: 100, RequestMaxHeaderCnt: 0}
	if err := c.validate(); err == nil {
		t.Fatalf("expected an error for a non-positive max header count")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	bad := Config{RequestBufSize: 100, RequestBufMaxSize: 50}
	if _, err := New(bad, func(d *session.Driver) {}); err == nil {
		t.Fatalf("expected New to reject an invalid config")
	}
}

func TestWaitReturnsImmediatelyWithNoReferences(t *testing.T) {
	s, err := New(Config{}, func(d *session.Driver) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("expected Wait to return immediately with no outstanding references: %v", err)
	}
}

func TestWaitUnblocksOnceAllReferencesReleased(t *testing.T) {
	s, err := New(Config{}, func(d *session.Driver) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.acquire()
	s.acquire()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- s.Wait(ctx)
	}()

	s.release()
	s.release()

	if err := <-done; err != nil {
		t.Fatalf("expected Wait to unblock once references drained: %v", err)
	}
}

func TestWaitTimesOutWithOutstandingReference(t *testing.T) {
	s, err := New(Config{}, func(d *session.Driver) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.acquire()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected Wait to time out with an outstanding reference")
	}
}
