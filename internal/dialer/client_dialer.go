package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/tetherdev/tether/internal/forward"
	"github.com/tetherdev/tether/internal/session"
)

// ClientDialer forwards outbound TCP connections through an SSH session.
//
// It keeps at most one session alive per dialer and multiplexes all dials
// over it as forwarded channels.
//
// Lifecycle notes:
//   - The session is established lazily on the first DialContext call.
//   - Each DialContext returns a net.Conn backed by one forwarded channel.
//   - Canceling the context abandons only that channel, not the session.
//   - When a channel dial fails for a reason other than a remote refusal,
//     the session is presumed dead: it is discarded, re-established once,
//     and the dial retried.
type ClientDialer struct {
	client  *session.Client
	host    string
	connCfg session.ConnectConfig
	cfg     Config

	mu   sync.Mutex
	conn *session.Conn
	sf   singleflight.Group
}

// NewClientDialer wraps a configured session client. The client's host-key
// stores and policy must already be set up; NewClientDialer takes over its
// success/failure callbacks.
func NewClientDialer(client *session.Client, host string, connCfg session.ConnectConfig, cfg Config) (*ClientDialer, error) {
	if host == "" {
		return nil, errors.New("dialer: missing ssh host")
	}
	return &ClientDialer{client: client, host: host, connCfg: connCfg, cfg: cfg}, nil
}

// DialContext opens a new forwarded TCP connection to address.
func (d *ClientDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("dialer: dial %s %s: unsupported network", network, address)
	}
	host, port, err := splitHostPort(address)
	if err != nil {
		return nil, err
	}

	conn, err := d.getConn(ctx)
	if err != nil {
		return nil, err
	}

	nc, err := d.dialChannel(ctx, conn, host, port)
	if err == nil {
		return nc, nil
	}

	// A channel-level refusal means the session transport is healthy but
	// the destination is unreachable. Don't invalidate the session.
	var openErr *ssh.OpenChannelError
	if errors.As(err, &openErr) || ctx.Err() != nil {
		return nil, err
	}

	// The transport may be dead. Invalidate, reconnect once, retry.
	d.invalidate(conn)
	conn, err2 := d.getConn(ctx)
	if err2 != nil {
		return nil, err
	}
	return d.dialChannel(ctx, conn, host, port)
}

// Close tears down the session, if any.
func (d *ClientDialer) Close() {
	d.mu.Lock()
	d.conn = nil
	d.mu.Unlock()
	d.client.Close()
}

// getConn returns the shared session connection, establishing it if needed.
//
// Singleflight ensures only one connect attempt runs at a time; callers can
// bail out when their context is canceled while the attempt continues for
// other waiters.
func (d *ClientDialer) getConn(ctx context.Context) (*session.Conn, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	ch := d.sf.DoChan("connect", func() (any, error) {
		d.mu.Lock()
		if d.conn != nil {
			conn := d.conn
			d.mu.Unlock()
			return conn, nil
		}
		d.mu.Unlock()

		conn, err := d.connectSession()
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()

		// Drop the cached session when it dies out from under us.
		go func() {
			_ = conn.Wait()
			d.invalidate(conn)
		}()
		return conn, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session.Conn), nil
	}
}

// connectSession runs one non-blocking session connect to completion by
// bridging the client's callbacks onto a channel.
func (d *ClientDialer) connectSession() (*session.Conn, error) {
	type result struct {
		conn *session.Conn
		err  error
	}
	ch := make(chan result, 1)

	d.client.OnSuccess(func(conn *session.Conn) { ch <- result{conn: conn} })
	d.client.OnFailure(func(err error) { ch <- result{err: err} })

	if err := d.client.Connect(d.host, d.connCfg); err != nil {
		return nil, err
	}
	r := <-ch
	return r.conn, r.err
}

// invalidate discards the cached session if it is still the given one, and
// closes it.
func (d *ClientDialer) invalidate(conn *session.Conn) {
	d.mu.Lock()
	if d.conn != conn {
		d.mu.Unlock()
		return
	}
	d.conn = nil
	d.mu.Unlock()
	d.client.Close()
}

// dialChannel opens one forwarded channel and waits for it to establish or
// fail.
func (d *ClientDialer) dialChannel(ctx context.Context, conn *session.Conn, host string, port int) (net.Conn, error) {
	f := newStreamFactory()
	connector := conn.ConnectTCP(host, port, f, forward.ConnectorConfig{Timeout: d.cfg.ChannelTimeout})

	select {
	case <-ctx.Done():
		connector.StopConnecting()
		select {
		case nc := <-f.peer:
			_ = nc.Close()
		default:
		}
		return nil, ctx.Err()
	case nc := <-f.peer:
		stop := context.AfterFunc(ctx, func() {
			_ = nc.Close()
		})
		return &channelConn{Conn: nc, stop: stop}, nil
	case err := <-f.errs:
		return nil, err
	}
}

func splitHostPort(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("dialer: dial %s: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("dialer: dial %s: invalid port: %w", address, err)
	}
	return host, port, nil
}

// channelConn wraps one forwarded-channel connection. Closing it stops the
// context hook before closing the channel.
type channelConn struct {
	net.Conn
	stop func() bool
}

func (c *channelConn) Close() error {
	if c.stop != nil {
		c.stop()
	}
	return c.Conn.Close()
}
