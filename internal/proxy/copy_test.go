package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/tetherdev/tether/internal/testutil"
)

func TestCopyBidirectional(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	leftOuter, left := net.Pipe()
	rightOuter, right := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- CopyBidirectional(ctx, left, right, 0)
	}()

	testutil.AssertEcho(t, leftOuter, rightOuter, []byte("ltr"))
	testutil.AssertEcho(t, rightOuter, leftOuter, []byte("rtl"))

	// One side hanging up unblocks the other and finishes the copy.
	_ = leftOuter.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("copy did not finish after close")
	}

	if _, err := rightOuter.Read(make([]byte, 1)); err == nil {
		t.Error("peer connection left open")
	}
}

func TestCopyBidirectionalContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	_, left := net.Pipe()
	_, right := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- CopyBidirectional(ctx, left, right, 0)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("copy did not finish after cancel")
	}
}

func TestCopyBidirectionalIdleTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, left := net.Pipe()
	_, right := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- CopyBidirectional(ctx, left, right, 50*time.Millisecond)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("copy did not finish after idle timeout")
	}
}
