package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func generateSigner(t *testing.T) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

// writeKeyFile generates a fresh key, writes it to path in OpenSSH PEM form
// (encrypted if passphrase is non-empty) and returns its signer.
func writeKeyFile(t *testing.T, path, passphrase string) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	}
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func TestProviderRotation(t *testing.T) {
	t.Parallel()

	k1 := generateSigner(t)
	k2 := generateSigner(t)
	k3 := generateSigner(t)

	p, err := NewProvider(Config{Key: k1, AgentKeys: []ssh.Signer{k2, k3}})
	if err != nil {
		t.Fatal(err)
	}
	if p.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", p.Len())
	}

	if p.NextPrivateKey() != nil {
		t.Fatal("NextPrivateKey before any NextPublicKey must be nil")
	}

	// Four calls: the sequence wraps back to the first key.
	want := []ssh.Signer{k1, k2, k3, k1}
	for i, w := range want {
		pub := p.NextPublicKey()
		if pub == nil {
			t.Fatalf("call %d: nil public key", i)
		}
		if string(pub.Marshal()) != string(w.PublicKey().Marshal()) {
			t.Fatalf("call %d: wrong key in sequence", i)
		}
		if p.NextPrivateKey() != w {
			t.Fatalf("call %d: NextPrivateKey does not match NextPublicKey", i)
		}
	}
}

func TestProviderEmpty(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if p.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", p.Len())
	}
	if p.NextPublicKey() != nil {
		t.Fatal("NextPublicKey on empty provider must be nil")
	}
	if p.NextPrivateKey() != nil {
		t.Fatal("NextPrivateKey on empty provider must be nil")
	}
	if methods := p.AuthMethods(); len(methods) != 0 {
		t.Fatalf("AuthMethods() returned %d methods, want 0", len(methods))
	}
}

func TestProviderPassword(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(Config{Password: "hunter2"})
	if err != nil {
		t.Fatal(err)
	}

	pw, ok := p.Password()
	if !ok || pw != "hunter2" {
		t.Fatalf("Password() = %q, %v", pw, ok)
	}
	// Same answer on every call, unlike the key cursor.
	if pw2, ok2 := p.Password(); !ok2 || pw2 != "hunter2" {
		t.Fatal("Password() must be repeatable")
	}

	if methods := p.AuthMethods(); len(methods) != 1 {
		t.Fatalf("AuthMethods() returned %d methods, want password only", len(methods))
	}
}

func TestProviderKeyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "id_ed25519")
	signer := writeKeyFile(t, path, "")

	p, err := NewProvider(Config{KeyFiles: []string{path}})
	if err != nil {
		t.Fatal(err)
	}
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", p.Len())
	}
	pub := p.NextPublicKey()
	if string(pub.Marshal()) != string(signer.PublicKey().Marshal()) {
		t.Fatal("loaded key does not match the written one")
	}
}

func TestProviderEncryptedKeyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "id_ed25519")
	writeKeyFile(t, path, "sekrit")

	// Without a password, collection fails fast.
	_, err := NewProvider(Config{KeyFiles: []string{path}})
	if err == nil {
		t.Fatal("expected error for encrypted key without password")
	}
	if !strings.Contains(err.Error(), "encrypted") {
		t.Fatalf("unexpected error: %v", err)
	}

	// With the password, the key decrypts and loads.
	p, err := NewProvider(Config{KeyFiles: []string{path}, Password: "sekrit"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", p.Len())
	}
}

func TestProviderMissingKeyFile(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(Config{KeyFiles: []string{filepath.Join(t.TempDir(), "nope")}})
	if err == nil {
		t.Fatal("expected error for missing key file")
	}
}

func TestProviderDiscovery(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	sshDir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		t.Fatal(err)
	}
	signer := writeKeyFile(t, filepath.Join(sshDir, "id_ed25519"), "")

	p, err := NewProvider(Config{DiscoverKeys: true})
	if err != nil {
		t.Fatal(err)
	}
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 discovered key", p.Len())
	}
	pub := p.NextPublicKey()
	if string(pub.Marshal()) != string(signer.PublicKey().Marshal()) {
		t.Fatal("discovered key does not match the written one")
	}
}

func TestProviderDiscoveryDisabled(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	sshDir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		t.Fatal(err)
	}
	writeKeyFile(t, filepath.Join(sshDir, "id_ed25519"), "")

	p, err := NewProvider(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if p.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 with discovery off", p.Len())
	}
}
