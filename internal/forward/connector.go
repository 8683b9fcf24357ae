package forward

import (
	"log"
	"net"
	"sync"
	"time"
)

// ConnectorConfig controls one ChannelConnector.
type ConnectorConfig struct {
	// Timeout bounds each connection attempt. An attempt still opening when
	// it expires fails the same way a remote refusal would. Zero disables.
	Timeout time.Duration

	// CloseOnLost additionally closes the parent multiplexed connection,
	// and halts the factory's retry loop if it has one, when an established
	// channel's protocol loses its connection.
	CloseOnLost bool

	// CloseOnFailed does the same when a connection attempt fails.
	CloseOnFailed bool
}

// ChannelConnector drives forwarded-channel connection attempts over a
// multiplexed connection. It satisfies the same contract as a plain network
// connector, so any client factory can be pointed at it unmodified.
//
// Each Connect builds a fresh channel adapter owned by that one attempt; on
// any terminal signal the connector drops its adapter reference, so the
// connector/adapter/protocol cycle unwinds without waiting for a collector.
type ChannelConnector struct {
	conn    MultiplexedConn
	host    string
	port    int
	factory Factory
	cfg     ConnectorConfig

	mu         sync.Mutex
	adapter    *channelClient
	timer      *time.Timer
	propagated bool
}

func NewChannelConnector(conn MultiplexedConn, host string, port int, factory Factory, cfg ConnectorConfig) *ChannelConnector {
	return &ChannelConnector{
		conn:    conn,
		host:    host,
		port:    port,
		factory: factory,
		cfg:     cfg,
	}
}

// Connect starts a new attempt. While a previous attempt or its established
// channel is still live, Connect is a no-op.
func (c *ChannelConnector) Connect() {
	c.mu.Lock()
	if c.adapter != nil {
		c.mu.Unlock()
		return
	}
	a := newChannelClient(c.conn, c.host, c.port, c)
	c.adapter = a
	if c.cfg.Timeout > 0 {
		c.timer = time.AfterFunc(c.cfg.Timeout, func() {
			a.failIfNotConnected(&ConnectError{Host: c.host, Port: c.port, Err: ErrTimeout})
		})
	}
	c.mu.Unlock()

	c.factory.StartedConnecting(c)
	a.start()
}

// StopConnecting cancels an in-flight attempt. No effect once the channel is
// open or the attempt already finished.
func (c *ChannelConnector) StopConnecting() {
	c.mu.Lock()
	a := c.adapter
	c.mu.Unlock()
	if a != nil {
		a.StopConnecting()
	}
}

// buildProtocol is called by the adapter once its channel is open.
func (c *ChannelConnector) buildProtocol(peer net.Addr) Protocol {
	c.stopTimer()
	return c.factory.BuildProtocol(peer)
}

func (c *ChannelConnector) connectionFailed(reason error) {
	c.finishAttempt()
	c.factory.ConnectionFailed(c, reason)
	if c.cfg.CloseOnFailed {
		c.propagateClose()
	}
}

func (c *ChannelConnector) connectionLost(reason error) {
	c.finishAttempt()
	c.factory.ConnectionLost(c, reason)
	if c.cfg.CloseOnLost {
		c.propagateClose()
	}
}

func (c *ChannelConnector) finishAttempt() {
	c.mu.Lock()
	c.adapter = nil
	c.mu.Unlock()
	c.stopTimer()
}

func (c *ChannelConnector) stopTimer() {
	c.mu.Lock()
	t := c.timer
	c.timer = nil
	c.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// propagateClose closes the parent multiplexed connection and halts the
// factory's retry loop. It fires at most once per connector and swallows
// errors from the close.
func (c *ChannelConnector) propagateClose() {
	c.mu.Lock()
	if c.propagated {
		c.mu.Unlock()
		return
	}
	c.propagated = true
	c.mu.Unlock()

	log.Printf("forward: channel to %s down, closing parent connection", Addr{Host: c.host, Port: c.port})
	_ = c.conn.LoseConnection()
	if st, ok := c.factory.(StopTrier); ok {
		st.StopTrying()
	}
}
