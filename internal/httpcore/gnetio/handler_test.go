package gnetio

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string   { return "i/o timeout" }
func (fakeTimeoutError) Timeout() bool   { return true }
func (fakeTimeoutError) Temporary() bool { return true }

func TestIsDeadlineExceededNil(t *testing.T) {
	if isDeadlineExceeded(nil) {
		t.Fatalf("expected nil err to not be a deadline timeout")
	}
}

func TestIsDeadlineExceededMatchesStdlibSentinel(t *testing.T) {
	wrapped := fmt.Errorf("read: %w", os.ErrDeadlineExceeded)
	if !isDeadlineExceeded(wrapped) {
		t.Fatalf("expected a wrapped os.ErrDeadlineExceeded to be recognized as a timeout")
	}
}

func TestIsDeadlineExceededMatchesNetTimeoutError(t *testing.T) {
	if !isDeadlineExceeded(fakeTimeoutError{}) {
		t.Fatalf("expected a net.Error with Timeout()==true to be recognized as a timeout")
	}
}

func TestIsDeadlineExceededRejectsUnrelatedError(t *testing.T) {
	if isDeadlineExceeded(errors.New("connection reset by peer")) {
		t.Fatalf("expected an unrelated error to not be classified as a timeout")
	}
}
