package gnetio

import (
	"errors"
	"testing"

	"github.com/corewave-io/evhttp/internal/httpcore/session"
	"github.com/corewave-io/evhttp/internal/httpcore/ws"
)

func TestErrWouldBlockMatchesSessionSentinel(t *testing.T) {
	if !errors.Is(errWouldBlock, session.ErrWouldBlock) {
		t.Fatalf("expected errWouldBlock to satisfy errors.Is against session.ErrWouldBlock")
	}
}

func TestErrWouldBlockMatchesWSSentinel(t *testing.T) {
	if !errors.Is(errWouldBlock, ws.ErrWouldBlock) {
		t.Fatalf("expected errWouldBlock to satisfy errors.Is against ws.ErrWouldBlock")
	}
}

func TestErrWouldBlockDoesNotMatchUnrelatedError(t *testing.T) {
	if errors.Is(errWouldBlock, errors.New("unrelated")) {
		t.Fatalf("expected errWouldBlock not to match an unrelated sentinel")
	}
}
