package forward

import (
	"net"
	"sync"
	"time"
)

// ReconnectingFactory wraps a Factory with exponential-backoff reconnection.
// After a failed attempt or a lost connection it schedules Connect on the
// same connector, doubling the delay up to MaxDelay. A successful
// BuildProtocol resets the backoff. StopTrying halts the loop; connectors
// configured to close the parent connection call it automatically.
type ReconnectingFactory struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxRetries bounds consecutive failed attempts. Zero means unlimited.
	MaxRetries int

	wrapped Factory

	mu      sync.Mutex
	delay   time.Duration
	retries int
	stopped bool
	timer   *time.Timer
}

func NewReconnectingFactory(wrapped Factory) *ReconnectingFactory {
	return &ReconnectingFactory{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		wrapped:      wrapped,
	}
}

func (f *ReconnectingFactory) StartedConnecting(c Connector) {
	f.wrapped.StartedConnecting(c)
}

func (f *ReconnectingFactory) BuildProtocol(peer net.Addr) Protocol {
	f.mu.Lock()
	f.delay = f.InitialDelay
	f.retries = 0
	f.mu.Unlock()
	return f.wrapped.BuildProtocol(peer)
}

func (f *ReconnectingFactory) ConnectionFailed(c Connector, reason error) {
	f.wrapped.ConnectionFailed(c, reason)
	f.retry(c)
}

func (f *ReconnectingFactory) ConnectionLost(c Connector, reason error) {
	f.wrapped.ConnectionLost(c, reason)
	f.retry(c)
}

func (f *ReconnectingFactory) retry(c Connector) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return
	}
	if f.MaxRetries > 0 && f.retries >= f.MaxRetries {
		return
	}
	f.retries++
	if f.delay <= 0 {
		f.delay = f.InitialDelay
	}
	d := f.delay
	f.delay *= 2
	if f.delay > f.MaxDelay {
		f.delay = f.MaxDelay
	}
	f.timer = time.AfterFunc(d, c.Connect)
}

// StopTrying cancels any scheduled reconnect and stops scheduling new ones.
func (f *ReconnectingFactory) StopTrying() {
	f.mu.Lock()
	f.stopped = true
	t := f.timer
	f.timer = nil
	f.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}
