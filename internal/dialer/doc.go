// Package dialer gives forwarded SSH channels a net.Conn surface.
//
// [ClientDialer] mirrors net.Dialer: each DialContext opens one forwarded
// channel over a lazily established SSH session, reconnecting the session
// once when a channel dial suggests the transport died.
package dialer
