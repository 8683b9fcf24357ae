package dialer

import (
	"context"
	"net"
	"time"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds per-dial settings.
type Config struct {
	// ChannelTimeout bounds each forwarded-channel open. Zero disables.
	ChannelTimeout time.Duration
}
