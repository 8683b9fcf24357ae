package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tetherdev/tether/internal/auth"
	"github.com/tetherdev/tether/internal/hostkeys"
)

// ConnectConfig holds the parameters of one connect attempt. All parameters
// are captured when Connect is called.
type ConnectConfig struct {
	// Port of the SSH server. Zero means 22.
	Port int

	// Username to authenticate as. Empty means the invoking user.
	Username string

	// Password for password authentication and for decrypting encrypted
	// key files. Optional.
	Password string

	// Key is an explicit private key, tried before everything else.
	Key ssh.Signer

	// KeyFiles are private key files to try, in order.
	KeyFiles []string

	// DisableKeyDiscovery skips probing ~/.ssh and ~/ssh for conventional
	// key files. Discovery is on by default.
	DisableKeyDiscovery bool

	// DisableAgent skips SSH agent keys. The agent is used by default when
	// its socket is advertised; an unreachable agent is skipped, not fatal.
	DisableAgent bool

	// UseSSHConfig resolves HostName, User, Port and IdentityFile defaults
	// from the user's OpenSSH client configuration. Explicit values win.
	UseSSHConfig bool

	// DialTimeout bounds the TCP connect. Zero means no timeout.
	DialTimeout time.Duration

	// HandshakeTimeout is the deadline for the SSH handshake and
	// authentication. Zero means no timeout.
	HandshakeTimeout time.Duration
}

// Client is a high-level representation of a session with an SSH server. It
// wraps the engine's transport, user-auth and connection services, taking
// care of host-key verification and credential rotation.
//
// Lifecycle: configure stores and policy, register callbacks, call Connect
// once; exactly one callback fires. After Close the client may be reused
// for a new Connect.
type Client struct {
	mu         sync.Mutex
	systemKeys *hostkeys.Store
	localKeys  *hostkeys.Store
	policy     hostkeys.Policy
	onSuccess  func(*Conn)
	onFailure  func(error)
	conn       *Conn
	cancel     context.CancelFunc
	connecting bool
}

func NewClient() *Client {
	return &Client{
		systemKeys: hostkeys.NewStore(),
		localKeys:  hostkeys.NewStore(),
		policy:     hostkeys.RejectPolicy{},
	}
}

// LoadSystemHostKeys merges host keys from a system (read-only) file. With
// an empty path it reads the user's ~/.ssh/known_hosts and tolerates the
// file being absent; with an explicit path a missing file is an error.
// Callable multiple times; new records overwrite old ones on conflict.
func (c *Client) LoadSystemHostKeys(path string) error {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil //nolint:nilerr // No home directory, nothing to read.
		}
		err = c.systemKeys.Load(filepath.Join(home, ".ssh", "known_hosts"))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	return c.systemKeys.Load(path)
}

// LoadLocalHostKeys merges host keys from a local file, checked after the
// system keys. The AutoAdd policy records new hosts here and the file is
// rewritten on every such mutation. A missing file is an error; use
// SetLocalHostKeysPath for a file that may not exist yet.
func (c *Client) LoadLocalHostKeys(path string) error {
	return c.localKeys.Load(path)
}

// SetLocalHostKeysPath binds the local store to path for persistence,
// loading it if it exists.
func (c *Client) SetLocalHostKeysPath(path string) error {
	return c.localKeys.Bind(path)
}

// HostKeys returns the local host-key store for inspection.
func (c *Client) HostKeys() *hostkeys.Store {
	return c.localKeys
}

// SetMissingHostKeyPolicy sets the policy for host keys found in neither
// store. The default rejects all unknown servers.
func (c *Client) SetMissingHostKeyPolicy(policy hostkeys.Policy) {
	c.mu.Lock()
	c.policy = policy
	c.mu.Unlock()
}

// OnSuccess registers the callback fired with the ready multiplexed
// connection. A nil callback clears it; a new one replaces the old.
func (c *Client) OnSuccess(cb func(*Conn)) {
	c.mu.Lock()
	c.onSuccess = cb
	c.mu.Unlock()
}

// OnFailure registers the callback fired with any fatal setup error.
// A nil callback clears it; a new one replaces the old.
func (c *Client) OnFailure(cb func(error)) {
	c.mu.Lock()
	c.onFailure = cb
	c.mu.Unlock()
}

// Connect starts one authenticated transport attempt and returns
// immediately. Exactly one of the registered callbacks fires later: success
// with the ready connection, or failure with the fatal setup error
// (host-key rejection, auth exhaustion, dial failure). A second Connect
// before the first session ended is an error.
func (c *Client) Connect(hostname string, cfg ConnectConfig) error {
	if hostname == "" {
		return errors.New("session: missing hostname")
	}

	c.mu.Lock()
	if c.connecting {
		c.mu.Unlock()
		return errors.New("session: connect already in progress")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("session: already connected")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.connecting = true
	c.cancel = cancel
	c.mu.Unlock()

	go c.dial(ctx, hostname, cfg)
	return nil
}

// Close terminates the underlying transport. Safe to call whether or not a
// connection is established; an in-flight connect attempt fails with
// ErrAborted.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.LoseConnection()
	}
}

func (c *Client) dial(ctx context.Context, hostname string, cfg ConnectConfig) {
	conn, err := c.establish(ctx, hostname, cfg)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.cancel = nil
		cb := c.onFailure
		c.mu.Unlock()
		if cb != nil {
			cb(err)
		}
		return
	}

	c.mu.Lock()
	c.connecting = false
	c.conn = conn
	cb := c.onSuccess
	c.mu.Unlock()

	// Release the slot when the connection dies out from under us, so the
	// client can be reused.
	go func() {
		_ = conn.Wait()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	if cb != nil {
		cb(conn)
	}
}

// establish performs the blocking part of a connect attempt: credential
// collection, TCP dial, handshake, authentication. Trust and setup failures
// tear the transport down before the error is surfaced.
func (c *Client) establish(ctx context.Context, hostname string, cfg ConnectConfig) (*Conn, error) {
	if cfg.UseSSHConfig {
		hostname, cfg = resolveSSHConfig(hostname, cfg)
	}

	port := cfg.Port
	if port == 0 {
		port = hostkeys.DefaultPort
	}

	username := cfg.Username
	if username == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("session: resolving username: %w", err)
		}
		username = u.Username
	}

	var agentKeys []ssh.Signer
	if !cfg.DisableAgent && auth.AgentAvailable() {
		signers, err := auth.AgentSigners(ctx)
		if err != nil {
			log.Printf("session: skipping ssh agent: %v", err)
		} else {
			agentKeys = signers
		}
	}

	provider, err := auth.NewProvider(auth.Config{
		Key:          cfg.Key,
		KeyFiles:     cfg.KeyFiles,
		AgentKeys:    agentKeys,
		Password:     cfg.Password,
		DiscoverKeys: !cfg.DisableKeyDiscovery,
	})
	if err != nil {
		return nil, err
	}

	methods := provider.AuthMethods()
	if len(methods) == 0 {
		return nil, errors.New("session: no credentials: need a key, key file, agent key or password")
	}

	c.mu.Lock()
	policy := c.policy
	c.mu.Unlock()
	verifier := hostkeys.NewVerifier(c.systemKeys, c.localKeys, policy)

	addr := net.JoinHostPort(hostname, strconv.Itoa(port))
	d := net.Dialer{Timeout: cfg.DialTimeout}
	rawConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrAborted
		}
		return nil, fmt.Errorf("session: dial %s: %w", addr, err)
	}

	// Close rawConn if the attempt is aborted during the handshake.
	stop := context.AfterFunc(ctx, func() {
		_ = rawConn.Close()
	})
	defer stop()

	sshCfg := &ssh.ClientConfig{
		User:            username,
		Auth:            methods,
		HostKeyCallback: verifier.Callback(hostname, port),
		Timeout:         cfg.DialTimeout,
	}

	if cfg.HandshakeTimeout > 0 {
		_ = rawConn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(rawConn, addr, sshCfg)
	if err != nil {
		_ = rawConn.Close()
		if verr := verifier.Err(); verr != nil {
			return nil, verr
		}
		if ctx.Err() != nil {
			return nil, ErrAborted
		}
		if rerr, ok := remoteProtocolError(err); ok {
			return nil, rerr
		}
		return nil, fmt.Errorf("session: ssh handshake: %w", err)
	}

	if cfg.HandshakeTimeout > 0 {
		_ = rawConn.SetDeadline(time.Time{})
	}

	return &Conn{client: ssh.NewClient(cc, chans, reqs)}, nil
}
