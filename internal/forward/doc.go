// Package forward makes SSH sub-channels behave like outbound TCP
// connections.
//
// A [ChannelConnector] plays the role of a plain network connector: each
// Connect call opens a fresh "direct-tcpip" sub-channel over a
// [MultiplexedConn] and drives a [Factory] through the usual lifecycle
// (StartedConnecting, BuildProtocol, ConnectionLost/ConnectionFailed). Any
// factory written against that contract, including [ReconnectingFactory],
// works over an SSH channel without modification.
package forward
