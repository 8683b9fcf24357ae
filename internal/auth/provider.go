package auth

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// discoverNames are the conventional private-key filenames probed, in order,
// under each of discoverDirs (relative to the user's home directory) when key
// discovery is enabled.
var (
	discoverNames = []string{"id_rsa", "id_dsa", "id_ecdsa", "id_ed25519"}
	discoverDirs  = []string{".ssh", "ssh"}
)

// Config describes the credential sources for one connect attempt, in the
// order they will be offered: explicit key, key files, agent keys,
// discovered keys, and finally password as a non-key fallback.
type Config struct {
	// Key is an explicit private key, offered first if set.
	Key ssh.Signer
	// KeyFiles are paths of private key files to load. A file that cannot
	// be read or decrypted is a fatal setup error, not a skip.
	KeyFiles []string
	// AgentKeys are signers obtained from an SSH agent (see [AgentSigners]).
	AgentKeys []ssh.Signer
	// Password is used to decrypt encrypted key files and, if non-empty,
	// offered as password authentication after all keys.
	Password string
	// DiscoverKeys probes the conventional key filenames under ~/.ssh and
	// ~/ssh and adds any that exist.
	DiscoverKeys bool
}

// Provider is a stateful iterator over candidate credentials. It never
// tracks auth success or failure; it only hands out the next candidate.
type Provider struct {
	signers  []ssh.Signer
	cursor   int
	current  ssh.Signer
	password string
}

// NewProvider collects credentials per cfg. An encrypted key file with no
// usable password fails the whole collection.
func NewProvider(cfg Config) (*Provider, error) {
	p := &Provider{cursor: -1, password: cfg.Password}

	if cfg.Key != nil {
		p.signers = append(p.signers, cfg.Key)
	}

	for _, path := range cfg.KeyFiles {
		signer, err := loadKeyFile(path, cfg.Password)
		if err != nil {
			return nil, err
		}
		log.Printf("auth: using key %s from %s", ssh.FingerprintSHA256(signer.PublicKey()), path)
		p.signers = append(p.signers, signer)
	}

	p.signers = append(p.signers, cfg.AgentKeys...)

	if cfg.DiscoverKeys {
		signers, err := discoverKeys(cfg.Password)
		if err != nil {
			return nil, err
		}
		p.signers = append(p.signers, signers...)
	}

	return p, nil
}

// NextPublicKey advances the circular cursor and returns the public half of
// the next candidate key, or nil if there are no candidates. Safe to call
// any number of times; the sequence wraps around.
func (p *Provider) NextPublicKey() ssh.PublicKey {
	if len(p.signers) == 0 {
		return nil
	}
	p.cursor = (p.cursor + 1) % len(p.signers)
	p.current = p.signers[p.cursor]
	return p.current.PublicKey()
}

// NextPrivateKey returns the signer matching the most recent NextPublicKey
// call, or nil if no candidate has been selected yet.
func (p *Provider) NextPrivateKey() ssh.Signer {
	return p.current
}

// Password returns the configured password, if any. It is a fallback auth
// method independent of key rotation.
func (p *Provider) Password() (string, bool) {
	return p.password, p.password != ""
}

// Len returns the number of collected key candidates.
func (p *Provider) Len() int {
	return len(p.signers)
}

// AuthMethods bridges the provider into the engine's auth protocol: public
// key auth over the candidate sequence, then password as a fallback. The
// engine retries each offered key per its own protocol until the server
// accepts one or all are exhausted.
func (p *Provider) AuthMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(p.signers) > 0 {
		methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			return p.signers, nil
		}))
	}
	if pw, ok := p.Password(); ok {
		methods = append(methods, ssh.Password(pw))
	}
	return methods
}

// loadKeyFile reads and parses a private key file. An encrypted key is
// decrypted with password; if decryption is impossible the error propagates
// so the connect attempt fails fast.
func loadKeyFile(path, password string) (ssh.Signer, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("auth: reading key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("auth: parsing key file %s: %w", path, err)
	}
	if password == "" {
		return nil, fmt.Errorf("auth: key file %s is encrypted and no password is available: %w", path, err)
	}

	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("auth: decrypting key file %s: %w", path, err)
	}
	return signer, nil
}

// discoverKeys probes the conventional filenames under the user's home
// directory. Only files that exist are loaded; a file that exists but fails
// to load is a fatal error.
func discoverKeys(password string) ([]ssh.Signer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, nil //nolint:nilerr // No home directory, nothing to probe.
	}

	var signers []ssh.Signer
	for _, name := range discoverNames {
		for _, dir := range discoverDirs {
			path := filepath.Join(home, dir, name)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			signer, err := loadKeyFile(path, password)
			if err != nil {
				return nil, err
			}
			log.Printf("auth: using discovered key %s from %s", ssh.FingerprintSHA256(signer.PublicKey()), path)
			signers = append(signers, signer)
		}
	}
	return signers, nil
}
