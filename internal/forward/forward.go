package forward

import (
	"io"
	"net"
	"strconv"
)

// Protocol handles the events of one logical connection.
type Protocol interface {
	// MakeConnection binds the protocol to its transport once the
	// connection is established.
	MakeConnection(t Transport)
	// DataReceived delivers bytes read from the remote end.
	DataReceived(p []byte)
	// ConnectionLost reports that the connection is gone. It is called at
	// most once, after MakeConnection.
	ConnectionLost(reason error)
}

// Transport is the write side of a connection, handed to a Protocol.
type Transport interface {
	Write(p []byte) (int, error)
	// LoseConnection requests an orderly close.
	LoseConnection()
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Factory builds protocols and observes connection attempts. It mirrors the
// generic client-factory contract used with plain TCP connectors, so
// reconnect policies layered on a factory work unchanged over SSH channels.
type Factory interface {
	StartedConnecting(c Connector)
	BuildProtocol(peer net.Addr) Protocol
	// ConnectionFailed reports an attempt that never established.
	ConnectionFailed(c Connector, reason error)
	// ConnectionLost reports an established connection going away.
	ConnectionLost(c Connector, reason error)
}

// Connector starts and cancels connection attempts.
type Connector interface {
	Connect()
	// StopConnecting cancels an in-flight attempt. It has no effect once
	// the attempt has established or reached a terminal state.
	StopConnecting()
}

// StopTrier is implemented by factories whose retry loop can be halted.
type StopTrier interface {
	StopTrying()
}

// SubChannel is one bidirectional sub-channel of a multiplexed connection.
// The engine's channel type satisfies it.
type SubChannel interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// MultiplexedConn is an authenticated connection that multiplexes
// sub-channels. OpenSubChannel blocks until the remote side confirms or
// refuses the open.
type MultiplexedConn interface {
	OpenSubChannel(name string, payload []byte) (SubChannel, error)
	LocalAddr() net.Addr
	// LoseConnection tears down the whole multiplexed connection.
	LoseConnection() error
}

// Addr identifies the remote endpoint of a forwarded channel. The host may
// be a name; it is resolved by the remote side of the multiplexed
// connection, not locally.
type Addr struct {
	Host string
	Port int
}

func (a Addr) Network() string { return "tcp" }

func (a Addr) String() string { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }
