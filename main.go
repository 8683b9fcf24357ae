package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tetherdev/tether/internal/dialer"
	"github.com/tetherdev/tether/internal/hostkeys"
	"github.com/tetherdev/tether/internal/proxy"
	"github.com/tetherdev/tether/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socksListen = pflag.String("socks5-listen", "127.0.0.1:1080", "SOCKS5 proxy listen address")

		username = pflag.String("user", "", "SSH username. Empty means the invoking user (or the ssh_config value with --use-ssh-config)")
		keyFiles = pflag.StringSlice("ssh-key", nil, "Private key file to try, repeatable. The agent and ~/.ssh keys are also tried unless disabled")
		askPass  = pflag.Bool("ask-pass", false, "Prompt for a password on the terminal")
		noAgent  = pflag.Bool("no-agent", false, "Skip SSH agent keys")
		noKeys   = pflag.Bool("no-key-discovery", false, "Skip probing ~/.ssh for conventional key files")
		sshConf  = pflag.Bool("use-ssh-config", false, "Resolve host alias, user, port and identity files from ~/.ssh/config")

		knownHosts      = pflag.String("known-hosts", "", "System known_hosts file, read-only. Empty means ~/.ssh/known_hosts if present")
		localKnownHosts = pflag.String("local-known-hosts", "", "Local known_hosts file, written by the auto-add policy. Empty disables persistence")
		policyName      = pflag.String("host-key-policy", "reject", "Policy for servers in neither store: auto-add | reject | warn")

		dialTimeout      = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for DNS lookup and TCP connect to the SSH server")
		handshakeTimeout = pflag.Duration("handshake-timeout", 15*time.Second, "Timeout for SSH handshake and authentication")
		channelTimeout   = pflag.Duration("channel-timeout", 10*time.Second, "Timeout for opening a forwarded channel")
		ioTimeout        = pflag.Duration("io-timeout", 4*time.Minute, "Idle timeout for proxied connections")
		verbose          = pflag.Bool("verbose", false, "Enable per-connection error logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [user@]host[:port]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if pflag.NArg() != 1 {
		pflag.Usage()
		return errors.New("expected exactly one SSH destination")
	}

	host, connCfg, err := parseDestination(pflag.Arg(0))
	if err != nil {
		return err
	}

	if *username != "" {
		connCfg.Username = *username
	}
	connCfg.KeyFiles = *keyFiles
	connCfg.DisableAgent = *noAgent
	connCfg.DisableKeyDiscovery = *noKeys
	connCfg.UseSSHConfig = *sshConf
	connCfg.DialTimeout = *dialTimeout
	connCfg.HandshakeTimeout = *handshakeTimeout

	if *askPass {
		connCfg.Password, err = promptPassword(pflag.Arg(0))
		if err != nil {
			return err
		}
	}

	policy, err := parsePolicy(*policyName)
	if err != nil {
		return fmt.Errorf("invalid --host-key-policy: %w", err)
	}

	client := session.NewClient()
	client.SetMissingHostKeyPolicy(policy)
	if err := client.LoadSystemHostKeys(*knownHosts); err != nil {
		return fmt.Errorf("loading --known-hosts: %w", err)
	}
	if *localKnownHosts != "" {
		if err := client.SetLocalHostKeysPath(*localKnownHosts); err != nil {
			return fmt.Errorf("loading --local-known-hosts: %w", err)
		}
	}

	fwd, err := dialer.NewClientDialer(client, host, connCfg, dialer.Config{
		ChannelTimeout: *channelTimeout,
	})
	if err != nil {
		return err
	}
	defer fwd.Close()

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", *socksListen)
	if err != nil {
		return fmt.Errorf("socks5 listen: %w", err)
	}
	s5 := proxy.NewSOCKS5Server(ctx, proxy.Config{
		Forward:   fwd,
		IOTimeout: *ioTimeout,
		Verbose:   *verbose,
	})
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := s5.Serve(ln); err != nil {
			return fmt.Errorf("socks5 serve: %w", err)
		}
		return nil
	})
	log.Printf("socks5 proxy listening on %s, forwarding via %s", *socksListen, host)

	err = g.Wait()

	log.Print("shutting down")
	return err
}

// parseDestination splits "[user@]host[:port]" into the host plus the
// user/port parts of a connect config. IPv6 hosts take the usual
// bracketed form.
func parseDestination(dest string) (string, session.ConnectConfig, error) {
	var cfg session.ConnectConfig

	if user, rest, ok := strings.Cut(dest, "@"); ok {
		if user == "" {
			return "", cfg, fmt.Errorf("invalid destination %q: empty user", dest)
		}
		cfg.Username = user
		dest = rest
	}
	if dest == "" {
		return "", cfg, errors.New("invalid destination: empty host")
	}

	host, portStr, err := net.SplitHostPort(dest)
	if err != nil {
		// No port part; take the whole thing as the host.
		return strings.Trim(dest, "[]"), cfg, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", cfg, fmt.Errorf("invalid destination %q: bad port %q", dest, portStr)
	}
	cfg.Port = port
	return host, cfg, nil
}

func parsePolicy(name string) (hostkeys.Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "auto-add":
		return hostkeys.AutoAddPolicy{}, nil
	case "reject":
		return hostkeys.RejectPolicy{}, nil
	case "warn":
		return hostkeys.WarningPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown policy %q (want auto-add, reject or warn)", name)
	}
}

func promptPassword(dest string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--ask-pass requires a terminal")
	}

	fmt.Fprintf(os.Stderr, "%s password: ", dest)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pass), nil
}
