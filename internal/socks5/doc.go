// Package socks5 holds client-side SOCKS5 negotiation helpers over the
// txthinking/socks5 wire types, used to exercise the proxy front end in
// tests.
package socks5
