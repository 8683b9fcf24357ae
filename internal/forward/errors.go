package forward

import (
	"errors"
	"fmt"
)

// ConnectError reports a forwarded-channel connection attempt that failed:
// the remote side refused the open, the attempt timed out, or it was
// cancelled.
type ConnectError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("forward: connect %s: %v", Addr{Host: e.Host, Port: e.Port}, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

var (
	// ErrCancelled is the reason for attempts aborted by StopConnecting.
	ErrCancelled = errors.New("connection attempt cancelled")

	// ErrTimeout is the reason for attempts that exceeded the connector's
	// timeout. A timeout fails the attempt the same way a refusal would.
	ErrTimeout = errors.New("connection attempt timed out")

	// ErrConnectionDone is the reason passed to ConnectionLost when a
	// connection closed cleanly (local close or remote end-of-data).
	ErrConnectionDone = errors.New("connection closed cleanly")

	// ErrNotConnected is returned by Transport.Write outside the open state.
	ErrNotConnected = errors.New("not connected")
)
