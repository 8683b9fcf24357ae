package forward

import (
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

const channelType = "direct-tcpip"

// channelOpenDirectMsg is the direct-tcpip open payload (RFC 4254 section
// 7.2): forwarding target plus the originator of the connection.
type channelOpenDirectMsg struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

type state int

const (
	stateIdle state = iota
	stateOpening
	stateOpen
	stateDisconnecting
	stateDisconnected
	stateFailedToOpen
)

// channelClient adapts one sub-channel to outbound-socket semantics. It is
// created fresh for each connection attempt, owned by exactly one
// ChannelConnector, and discarded once it reaches a terminal state.
//
// Exactly one of the two completion signals fires over its lifetime: a
// connect failure (never established) or a connection loss (established,
// then gone). Late or duplicate signals are no-ops.
type channelClient struct {
	conn      MultiplexedConn
	host      string
	port      int
	connector *ChannelConnector

	mu    sync.Mutex
	st    state
	ch    SubChannel
	proto Protocol
	done  bool // a completion signal has fired
}

func newChannelClient(conn MultiplexedConn, host string, port int, connector *ChannelConnector) *channelClient {
	return &channelClient{
		conn:      conn,
		host:      host,
		port:      port,
		connector: connector,
		st:        stateIdle,
	}
}

// start issues the open request asynchronously.
func (c *channelClient) start() {
	c.mu.Lock()
	c.st = stateOpening
	c.mu.Unlock()
	go c.open()
}

func (c *channelClient) open() {
	payload := openPayload(c.host, c.port, c.conn.LocalAddr())
	ch, err := c.conn.OpenSubChannel(channelType, payload)

	c.mu.Lock()
	if c.st != stateOpening {
		// Cancelled or timed out while the open was in flight. A late
		// confirmation must not transition state; just release the channel.
		c.mu.Unlock()
		if err == nil {
			_ = ch.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.failIfNotConnected(&ConnectError{Host: c.host, Port: c.port, Err: err})
		return
	}
	c.ch = ch
	c.st = stateOpen
	c.mu.Unlock()

	proto := c.connector.buildProtocol(Addr{Host: c.host, Port: c.port})

	c.mu.Lock()
	if c.st != stateOpen {
		c.mu.Unlock()
		return
	}
	c.proto = proto
	c.mu.Unlock()

	proto.MakeConnection(c)
	go c.readLoop()
}

func (c *channelClient) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.ch.Read(buf)
		if n > 0 {
			c.mu.Lock()
			proto, open := c.proto, c.st == stateOpen
			c.mu.Unlock()
			if open && proto != nil {
				proto.DataReceived(buf[:n])
			}
		}
		if err != nil {
			reason := err
			if errors.Is(err, io.EOF) {
				// Remote end-of-data becomes a local close.
				reason = ErrConnectionDone
			}
			c.connectionLost(reason)
			return
		}
	}
}

// StopConnecting aborts the attempt. It only has effect while opening.
func (c *channelClient) StopConnecting() {
	c.failIfNotConnected(&ConnectError{Host: c.host, Port: c.port, Err: ErrCancelled})
}

// failIfNotConnected moves an in-flight attempt to FailedToOpen and signals
// the connector once. Calls in any other state are no-ops, so a refusal, a
// cancellation and a timeout can race harmlessly.
func (c *channelClient) failIfNotConnected(reason error) {
	c.mu.Lock()
	if c.st != stateOpening || c.done {
		c.mu.Unlock()
		return
	}
	c.st = stateFailedToOpen
	c.done = true
	c.mu.Unlock()

	c.connector.connectionFailed(reason)
}

// connectionLost finishes an established channel: the protocol hears
// ConnectionLost exactly once, then the connector. The protocol reference
// is dropped here to break the adapter/protocol cycle deterministically.
func (c *channelClient) connectionLost(reason error) {
	c.mu.Lock()
	if c.st != stateOpen && c.st != stateDisconnecting {
		c.mu.Unlock()
		return
	}
	c.st = stateDisconnected
	proto := c.proto
	c.proto = nil
	ch := c.ch
	fired := c.done
	c.done = true
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if proto != nil {
		proto.ConnectionLost(reason)
	}
	if !fired {
		c.connector.connectionLost(reason)
	}
}

// Write implements Transport. Writes outside the open state fail.
func (c *channelClient) Write(p []byte) (int, error) {
	c.mu.Lock()
	ch, open := c.ch, c.st == stateOpen
	c.mu.Unlock()
	if !open {
		return 0, ErrNotConnected
	}
	return ch.Write(p)
}

// LoseConnection implements Transport: an orderly local close.
func (c *channelClient) LoseConnection() {
	c.mu.Lock()
	if c.st != stateOpen {
		c.mu.Unlock()
		return
	}
	c.st = stateDisconnecting
	ch := c.ch
	c.mu.Unlock()

	_ = ch.Close()
	c.connectionLost(ErrConnectionDone)
}

func (c *channelClient) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *channelClient) RemoteAddr() net.Addr { return Addr{Host: c.host, Port: c.port} }

// openPayload builds the direct-tcpip open request, tagging the local
// endpoint of the multiplexed connection as the originator.
func openPayload(host string, port int, origin net.Addr) []byte {
	msg := channelOpenDirectMsg{
		DestAddr:   host,
		DestPort:   uint32(port), //nolint:gosec // Ports fit in uint32.
		OriginAddr: "0.0.0.0",
	}
	if ta, ok := origin.(*net.TCPAddr); ok && ta != nil && ta.IP != nil {
		msg.OriginAddr = ta.IP.String()
		msg.OriginPort = uint32(ta.Port) //nolint:gosec // Ports fit in uint32.
	}
	return ssh.Marshal(&msg)
}
