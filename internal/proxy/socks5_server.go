package proxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
)

// SOCKS5Server answers SOCKS5 CONNECT requests by dialing the destination
// through the configured forwarder. Only CONNECT and no-auth are supported,
// which is all dynamic port forwarding needs.
type SOCKS5Server struct {
	ctx context.Context
	cfg Config
}

func NewSOCKS5Server(ctx context.Context, cfg Config) *SOCKS5Server {
	return &SOCKS5Server{ctx: ctx, cfg: cfg}
}

// Serve accepts and handles connections until the listener is closed.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(c)
	}
}

func (s *SOCKS5Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if err := s.proxy(conn); err != nil && s.cfg.Verbose {
		log.Printf("socks5: %v", err)
	}
}

func (s *SOCKS5Server) proxy(conn net.Conn) error {
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	dst, err := s.negotiate(br, bw)
	if err != nil {
		return err
	}

	up, err := s.cfg.Forward.DialContext(s.ctx, "tcp", dst)
	if err != nil {
		s.writeReply(bw, 0x05, nil) // Connection refused
		_ = bw.Flush()
		return fmt.Errorf("dial %s: %w", dst, err)
	}
	defer up.Close()

	s.writeReply(bw, 0x00, up.LocalAddr())
	if err := bw.Flush(); err != nil {
		return err
	}

	return CopyBidirectional(s.ctx, conn, up, s.cfg.IOTimeout)
}

// negotiate runs the greeting and request phases and returns the CONNECT
// destination as host:port.
func (s *SOCKS5Server) negotiate(br *bufio.Reader, bw *bufio.Writer) (string, error) {
	// greeting
	if ver, err := br.ReadByte(); err != nil || ver != 0x05 {
		return "", errSOCKS
	}
	nMethods, err := br.ReadByte()
	if err != nil {
		return "", err
	}
	methods := make([]byte, int(nMethods))
	if _, err := io.ReadFull(br, methods); err != nil {
		return "", err
	}

	// no-auth only
	if _, err := bw.Write([]byte{0x05, 0x00}); err != nil {
		return "", err
	}
	if err := bw.Flush(); err != nil {
		return "", err
	}

	// request
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return "", err
	}
	if hdr[0] != 0x05 {
		return "", errSOCKS
	}
	if hdr[1] != 0x01 { // CONNECT
		s.writeReply(bw, 0x07, nil) // Command not supported
		_ = bw.Flush()
		return "", errSOCKS
	}

	dstHost, err := readSocksAddr(br, hdr[3])
	if err != nil {
		s.writeReply(bw, 0x08, nil) // Address type not supported
		_ = bw.Flush()
		return "", err
	}
	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(br, portBytes); err != nil {
		return "", err
	}
	dstPort := binary.BigEndian.Uint16(portBytes)

	return net.JoinHostPort(dstHost, fmt.Sprintf("%d", dstPort)), nil
}

func (s *SOCKS5Server) writeReply(w *bufio.Writer, rep byte, bindAddr net.Addr) {
	// VER REP RSV ATYP BND.ADDR BND.PORT
	_ = w.WriteByte(0x05)
	_ = w.WriteByte(rep)
	_ = w.WriteByte(0x00)

	ip := net.IPv4zero
	port := uint16(0)
	if ta, ok := bindAddr.(*net.TCPAddr); ok {
		if ta.IP != nil {
			ip = ta.IP
		}
		port = uint16(ta.Port) //nolint:gosec // Ports fit in uint16.
	}

	pb := make([]byte, 2)
	binary.BigEndian.PutUint16(pb, port)

	if ip4 := ip.To4(); ip4 != nil {
		_ = w.WriteByte(0x01)
		_, _ = w.Write(ip4)
		_, _ = w.Write(pb)
		return
	}

	ip16 := ip.To16()
	if ip16 == nil {
		ip16 = net.IPv6zero
	}
	_ = w.WriteByte(0x04)
	_, _ = w.Write(ip16)
	_, _ = w.Write(pb)
}

var errSOCKS = errors.New("socks5: protocol error")

func readSocksAddr(r *bufio.Reader, atyp byte) (string, error) {
	switch atyp {
	case 0x01:
		b := make([]byte, 4)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return net.IP(b).String(), nil
	case 0x03:
		n, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		b := make([]byte, int(n))
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return string(b), nil
	case 0x04:
		b := make([]byte, 16)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return net.IP(b).String(), nil
	default:
		return "", errSOCKS
	}
}
