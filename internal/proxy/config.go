package proxy

import (
	"time"

	"github.com/tetherdev/tether/internal/dialer"
)

type Config struct {
	// Forward dials the destination of each CONNECT request.
	Forward dialer.Dialer

	// IOTimeout bounds the lifetime of a proxied connection. Zero disables.
	IOTimeout time.Duration

	// Verbose enables per-connection error logging.
	Verbose bool
}
