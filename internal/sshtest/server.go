// Package sshtest runs a minimal in-process SSH server for package tests:
// password and public-key auth plus direct-tcpip channel handling, enough to
// exercise the client-side session layer end to end.
package sshtest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Config describes the test server's behavior.
type Config struct {
	// HostKey is the server's host key. Start generates one when nil.
	HostKey ssh.Signer

	// Users maps usernames to accepted passwords.
	Users map[string]string

	// AuthorizedKeys are public keys accepted for any username.
	AuthorizedKeys []ssh.PublicKey

	// RejectChannels refuses every direct-tcpip open with "administratively
	// prohibited", for exercising open-failure paths.
	RejectChannels bool
}

// Server is a test SSH server accepting direct-tcpip channels and proxying
// them to their requested destination on the local machine.
type Server struct {
	config   *ssh.ServerConfig
	hostKey  ssh.Signer
	reject   bool
	listener net.Listener

	mu     sync.Mutex
	closed bool
	conns  []net.Conn
	wg     sync.WaitGroup
}

// Start launches a server on a random localhost port and registers its
// shutdown with t.Cleanup.
func Start(t *testing.T, cfg Config) *Server {
	t.Helper()

	srv, err := NewServer("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	go func() { _ = srv.Serve() }()
	return srv
}

func NewServer(addr string, cfg Config) (*Server, error) {
	hostKey := cfg.HostKey
	if hostKey == nil {
		var err error
		hostKey, err = GenerateHostKey()
		if err != nil {
			return nil, err
		}
	}

	sshCfg := &ssh.ServerConfig{}
	if len(cfg.Users) > 0 {
		users := cfg.Users
		sshCfg.PasswordCallback = func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if want, ok := users[meta.User()]; ok && string(pass) == want {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("sshtest: bad credentials for %q", meta.User())
		}
	}
	if len(cfg.AuthorizedKeys) > 0 {
		authorized := cfg.AuthorizedKeys
		sshCfg.PublicKeyCallback = func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range authorized {
				if bytes.Equal(k.Marshal(), key.Marshal()) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("sshtest: unknown public key")
		}
	}
	if sshCfg.PasswordCallback == nil && sshCfg.PublicKeyCallback == nil {
		return nil, fmt.Errorf("sshtest: no auth configured")
	}
	sshCfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sshtest: listen: %w", err)
	}

	return &Server{
		config:   sshCfg,
		hostKey:  hostKey,
		reject:   cfg.RejectChannels,
		listener: ln,
	}, nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

// HostPublicKey returns the public half of the server's host key.
func (s *Server) HostPublicKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// Serve accepts connections until Close.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops the listener, drops open connections and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := s.conns
	s.mu.Unlock()

	err := s.listener.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		if s.reject {
			_ = newChan.Reject(ssh.Prohibited, "administratively prohibited")
			continue
		}

		newChan := newChan
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleDirectTCPIP(newChan)
		}()
	}
	wg.Wait()
}

// directTCPIPPayload is the direct-tcpip open payload.
type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

func (s *Server) handleDirectTCPIP(newChan ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		_ = newChan.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}

	addr := net.JoinHostPort(payload.Host, fmt.Sprint(payload.Port))
	var d net.Dialer
	dst, err := d.DialContext(context.Background(), "tcp", addr)
	if err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("dial %s: %v", addr, err))
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		_ = dst.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	go func() {
		defer ch.Close()
		defer dst.Close()

		done := make(chan struct{}, 2)
		go func() {
			_, _ = io.Copy(dst, ch)
			done <- struct{}{}
		}()
		go func() {
			_, _ = io.Copy(ch, dst)
			done <- struct{}{}
		}()
		<-done
	}()
}

// GenerateHostKey generates a random ed25519 host key.
func GenerateHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}
