package socks5

import (
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// ClientDial negotiates no-auth SOCKS5 on conn and issues a CONNECT to
// address. On return the conn carries the proxied stream.
func ClientDial(conn net.Conn, address string) error {
	if err := clientNegotiate(conn); err != nil {
		return err
	}
	return clientConnect(conn, address)
}

func clientNegotiate(conn net.Conn) error {
	req := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone})
	if _, err := req.WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write negotiation: %w", err)
	}

	rep, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5: read negotiation: %w", err)
	}
	if rep.Method != txsocks5.MethodNone {
		return fmt.Errorf("socks5: unsupported negotiation method: %d", rep.Method)
	}
	return nil
}

func clientConnect(conn net.Conn, address string) error {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("socks5: parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5: read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return errors.New("socks5: connect refused")
	}
	return nil
}
