// Package proxy implements a SOCKS5 front end for dynamic port forwarding:
// every CONNECT is dialed through the configured Dialer, typically a
// dialer.ClientDialer forwarding over an SSH session.
package proxy
