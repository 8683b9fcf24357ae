package forward

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeConnector struct {
	mu       sync.Mutex
	connects int
	ch       chan struct{}
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{ch: make(chan struct{}, 8)}
}

func (c *fakeConnector) Connect() {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *fakeConnector) StopConnecting() {}

func (c *fakeConnector) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func waitConnect(t *testing.T, c *fakeConnector) {
	t.Helper()
	select {
	case <-c.ch:
	case <-time.After(testWait):
		t.Fatal("timeout waiting for reconnect")
	}
}

func TestReconnectingFactoryRetries(t *testing.T) {
	t.Parallel()

	inner := newFakeFactory()
	f := NewReconnectingFactory(inner)
	f.InitialDelay = 5 * time.Millisecond
	f.MaxDelay = 20 * time.Millisecond
	conn := newFakeConnector()

	f.ConnectionFailed(conn, errors.New("refused"))
	waitConnect(t, conn)

	f.ConnectionLost(conn, ErrConnectionDone)
	waitConnect(t, conn)

	// Both events reached the wrapped factory.
	waitErr(t, inner.failedCh, "wrapped ConnectionFailed")
	waitErr(t, inner.lostChC, "wrapped ConnectionLost")
}

func TestReconnectingFactoryMaxRetries(t *testing.T) {
	t.Parallel()

	inner := newFakeFactory()
	f := NewReconnectingFactory(inner)
	f.InitialDelay = time.Millisecond
	f.MaxRetries = 2
	conn := newFakeConnector()

	f.ConnectionFailed(conn, errors.New("refused"))
	waitConnect(t, conn)
	f.ConnectionFailed(conn, errors.New("refused"))
	waitConnect(t, conn)

	f.ConnectionFailed(conn, errors.New("refused"))
	time.Sleep(20 * time.Millisecond)
	if got := conn.connectCount(); got != 2 {
		t.Fatalf("connects = %d, want 2 after retry budget exhausted", got)
	}

	// A successful build resets the budget.
	f.BuildProtocol(&net.TCPAddr{})
	f.ConnectionLost(conn, ErrConnectionDone)
	waitConnect(t, conn)
}

func TestReconnectingFactoryStopTrying(t *testing.T) {
	t.Parallel()

	inner := newFakeFactory()
	f := NewReconnectingFactory(inner)
	f.InitialDelay = 10 * time.Millisecond
	conn := newFakeConnector()

	f.ConnectionFailed(conn, errors.New("refused"))
	f.StopTrying()

	time.Sleep(30 * time.Millisecond)
	if got := conn.connectCount(); got != 0 {
		t.Fatalf("connects = %d, want 0 after StopTrying", got)
	}

	f.ConnectionLost(conn, ErrConnectionDone)
	time.Sleep(30 * time.Millisecond)
	if got := conn.connectCount(); got != 0 {
		t.Fatalf("connects = %d, want 0 for a stopped factory", got)
	}
}
