package session

import (
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/tetherdev/tether/internal/forward"
)

// Conn is an authenticated multiplexed SSH connection. It satisfies
// [forward.MultiplexedConn], so forwarded channels are opened over it.
type Conn struct {
	client *ssh.Client
}

// OpenSubChannel opens one sub-channel, blocking until the remote side
// confirms or refuses.
func (c *Conn) OpenSubChannel(name string, payload []byte) (forward.SubChannel, error) {
	ch, reqs, err := c.client.OpenChannel(name, payload)
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// LocalAddr returns the local endpoint of the underlying transport.
func (c *Conn) LocalAddr() net.Addr {
	return c.client.LocalAddr()
}

// LoseConnection tears down the transport and every channel on it.
func (c *Conn) LoseConnection() error {
	return c.client.Close()
}

// Wait blocks until the connection is gone.
func (c *Conn) Wait() error {
	return c.client.Wait()
}

// User returns the authenticated username.
func (c *Conn) User() string {
	return c.client.User()
}

// ConnectTCP opens a forwarded logical connection to host:port as seen from
// the remote side, driving factory through the standard connector lifecycle.
// The returned connector is already connecting.
func (c *Conn) ConnectTCP(host string, port int, factory forward.Factory, cfg forward.ConnectorConfig) *forward.ChannelConnector {
	connector := forward.NewChannelConnector(c, host, port, factory, cfg)
	connector.Connect()
	return connector
}
