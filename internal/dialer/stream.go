package dialer

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetherdev/tether/internal/forward"
)

// streamFactory bridges the connector lifecycle to one waiting DialContext
// call: an established channel arrives on peer as a net.Conn, a failed
// attempt on errs.
type streamFactory struct {
	peer chan net.Conn
	errs chan error
}

func newStreamFactory() *streamFactory {
	return &streamFactory{
		peer: make(chan net.Conn, 1),
		errs: make(chan error, 1),
	}
}

func (f *streamFactory) StartedConnecting(forward.Connector) {}

func (f *streamFactory) BuildProtocol(net.Addr) forward.Protocol {
	return &streamProtocol{f: f}
}

func (f *streamFactory) ConnectionFailed(_ forward.Connector, reason error) {
	select {
	case f.errs <- reason:
	default:
	}
}

func (f *streamFactory) ConnectionLost(forward.Connector, error) {
	// The protocol already delivered EOF to the reader.
}

// streamProtocol feeds protocol events into a streamConn.
type streamProtocol struct {
	f    *streamFactory
	conn *streamConn
}

func (p *streamProtocol) MakeConnection(t forward.Transport) {
	p.conn = newStreamConn(t)
	select {
	case p.f.peer <- p.conn:
	default:
	}
}

func (p *streamProtocol) DataReceived(b []byte) {
	p.conn.push(b)
}

func (p *streamProtocol) ConnectionLost(reason error) {
	p.conn.closeRead(reason)
}

// streamConn is a net.Conn whose reads are fed by protocol events and whose
// writes go to the channel transport. Reads honor deadlines; writes are
// bounded by the SSH flow-control window instead.
type streamConn struct {
	t forward.Transport

	readCh   chan []byte
	buf      []byte       // carry-over from a partially consumed read
	deadline atomic.Value // time.Time

	mu     sync.Mutex
	done   chan struct{}
	reason error
}

func newStreamConn(t forward.Transport) *streamConn {
	c := &streamConn{
		t:      t,
		readCh: make(chan []byte),
		done:   make(chan struct{}),
	}
	c.deadline.Store(time.Time{})
	return c
}

// push hands received bytes to the reader, blocking until consumed. The
// block is the backpressure that keeps the channel window honest.
func (c *streamConn) push(b []byte) {
	data := make([]byte, len(b))
	copy(data, b)
	select {
	case c.readCh <- data:
	case <-c.done:
	}
}

func (c *streamConn) closeRead(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.reason = reason
	close(c.done)
}

func (c *streamConn) Read(p []byte) (int, error) {
	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[n:]
		return n, nil
	}

	var timeout <-chan time.Time
	if dl, _ := c.deadline.Load().(time.Time); !dl.IsZero() {
		if !time.Now().Before(dl) {
			return 0, os.ErrDeadlineExceeded
		}
		tm := time.NewTimer(time.Until(dl))
		defer tm.Stop()
		timeout = tm.C
	}

	select {
	case data := <-c.readCh:
		n := copy(p, data)
		c.buf = data[n:]
		return n, nil
	case <-c.done:
		return 0, c.readError()
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (c *streamConn) readError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == nil || errors.Is(c.reason, forward.ErrConnectionDone) {
		return io.EOF
	}
	return c.reason
}

func (c *streamConn) Write(p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}
	return c.t.Write(p)
}

func (c *streamConn) Close() error {
	c.t.LoseConnection()
	c.closeRead(forward.ErrConnectionDone)
	return nil
}

func (c *streamConn) LocalAddr() net.Addr  { return c.t.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.t.RemoteAddr() }

func (c *streamConn) SetDeadline(t time.Time) error {
	c.deadline.Store(t)
	return nil
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	c.deadline.Store(t)
	return nil
}

func (c *streamConn) SetWriteDeadline(time.Time) error {
	// Writes block on the SSH window, not a timer.
	return nil
}
