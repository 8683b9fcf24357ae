package proxy

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tetherdev/tether/internal/dialer"
	"github.com/tetherdev/tether/internal/hostkeys"
	"github.com/tetherdev/tether/internal/session"
	"github.com/tetherdev/tether/internal/socks5"
	"github.com/tetherdev/tether/internal/sshtest"
	"github.com/tetherdev/tether/internal/testutil"
)

func startSOCKS5Server(t *testing.T, ctx context.Context, cfg Config) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	srv := NewSOCKS5Server(ctx, cfg)
	go func() { _ = srv.Serve(ln) }()
	return ln
}

func socksConnect(t *testing.T, ctx context.Context, proxyAddr, target string) net.Conn {
	t.Helper()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := socks5.ClientDial(conn, target); err != nil {
		t.Fatal(err)
	}
	return conn
}

func TestSOCKS5ServerDirect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	proxyLn := startSOCKS5Server(t, ctx, Config{Forward: &net.Dialer{}})

	c := socksConnect(t, ctx, proxyLn.Addr().String(), echoLn.Addr().String())
	testutil.AssertEcho(t, c, c, []byte("through the proxy"))
}

func TestSOCKS5ServerDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	proxyLn := startSOCKS5Server(t, ctx, Config{Forward: &net.Dialer{Timeout: time.Second}})

	// Grab a port with no listener behind it.
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	target := ln.Addr().String()
	_ = ln.Close()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := socks5.ClientDial(conn, target); err == nil {
		t.Fatal("expected SOCKS5 connect to fail for a dead destination")
	}
}

func TestSOCKS5ServerOverSSH(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	sshSrv := sshtest.Start(t, sshtest.Config{
		AuthorizedKeys: []ssh.PublicKey{signer.PublicKey()},
	})

	client := session.NewClient()
	client.SetMissingHostKeyPolicy(hostkeys.WarningPolicy{})
	fwd, err := dialer.NewClientDialer(client, "127.0.0.1", session.ConnectConfig{
		Port:                sshSrv.Addr().Port,
		Username:            "testuser",
		Key:                 signer,
		DisableAgent:        true,
		DisableKeyDiscovery: true,
		DialTimeout:         2 * time.Second,
		HandshakeTimeout:    2 * time.Second,
	}, dialer.Config{ChannelTimeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer fwd.Close()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	proxyLn := startSOCKS5Server(t, ctx, Config{Forward: fwd})

	c1 := socksConnect(t, ctx, proxyLn.Addr().String(), echoLn.Addr().String())
	testutil.AssertEcho(t, c1, c1, []byte("tunneled"))

	c2 := socksConnect(t, ctx, proxyLn.Addr().String(), echoLn.Addr().String())
	testutil.AssertEcho(t, c2, c2, []byte("tunneled again"))
}
