package hostkeys

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestVerifierKnownKey(t *testing.T) {
	t.Parallel()

	key := generateKey(t)

	system := NewStore()
	if err := system.Add("host.example.com", key); err != nil {
		t.Fatal(err)
	}

	v := NewVerifier(system, NewStore(), RejectPolicy{})
	if err := v.Verify("host.example.com", 22, key); err != nil {
		t.Fatalf("known key rejected: %v", err)
	}
}

func TestVerifierSystemStoreWins(t *testing.T) {
	t.Parallel()

	systemKey := generateKey(t)
	localKey := generateKey(t)

	system := NewStore()
	if err := system.Add("host.example.com", systemKey); err != nil {
		t.Fatal(err)
	}
	local := NewStore()
	if err := local.Add("host.example.com", localKey); err != nil {
		t.Fatal(err)
	}

	v := NewVerifier(system, local, RejectPolicy{})
	if err := v.Verify("host.example.com", 22, systemKey); err != nil {
		t.Fatalf("system record did not take precedence: %v", err)
	}

	var bad *BadHostKeyError
	err := v.Verify("host.example.com", 22, localKey)
	if !errors.As(err, &bad) {
		t.Fatalf("expected BadHostKeyError for the shadowed local key, got %v", err)
	}
}

func TestVerifierMismatch(t *testing.T) {
	t.Parallel()

	trusted := generateKey(t)
	presented := generateKey(t)

	local := NewStore()
	if err := local.Add("host.example.com", trusted); err != nil {
		t.Fatal(err)
	}

	// The policy must not be consulted for a mismatch, even a permissive one.
	v := NewVerifier(NewStore(), local, AutoAddPolicy{})
	err := v.Verify("host.example.com", 22, presented)

	var bad *BadHostKeyError
	if !errors.As(err, &bad) {
		t.Fatalf("expected BadHostKeyError, got %v", err)
	}
	if string(bad.Expected.Marshal()) != string(trusted.Marshal()) {
		t.Error("BadHostKeyError.Expected is not the trusted key")
	}
	if got, _ := local.Get("host.example.com", trusted.Type()); string(got.Marshal()) != string(trusted.Marshal()) {
		t.Error("store mutated on mismatch")
	}
}

func TestVerifierPortLabel(t *testing.T) {
	t.Parallel()

	key := generateKey(t)

	local := NewStore()
	if err := local.Add("host.example.com", key); err != nil {
		t.Fatal(err)
	}

	// The port-22 record must not vouch for the same host on another port.
	v := NewVerifier(NewStore(), local, RejectPolicy{})
	err := v.Verify("host.example.com", 2222, key)

	var unknown *UnknownHostKeyError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownHostKeyError, got %v", err)
	}
	if unknown.Hostname != "[host.example.com]:2222" {
		t.Errorf("Hostname = %q, want the port-qualified label", unknown.Hostname)
	}
}

func TestAutoAddPolicy(t *testing.T) {
	t.Parallel()

	key := generateKey(t)
	path := filepath.Join(t.TempDir(), "known_hosts")

	local := NewStore()
	if err := local.Bind(path); err != nil {
		t.Fatal(err)
	}

	v := NewVerifier(NewStore(), local, AutoAddPolicy{})
	if err := v.Verify("new.example.com", 22, key); err != nil {
		t.Fatalf("auto-add rejected the key: %v", err)
	}

	if _, ok := local.Get("new.example.com", key.Type()); !ok {
		t.Fatal("key not recorded in the local store")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("bound store not persisted: %v", err)
	}

	// Second connection: satisfied from the store, not the policy.
	v2 := NewVerifier(NewStore(), local, RejectPolicy{})
	if err := v2.Verify("new.example.com", 22, key); err != nil {
		t.Fatalf("previously added key rejected: %v", err)
	}
}

func TestWarningPolicy(t *testing.T) {
	t.Parallel()

	key := generateKey(t)
	local := NewStore()

	v := NewVerifier(NewStore(), local, WarningPolicy{})
	if err := v.Verify("warn.example.com", 22, key); err != nil {
		t.Fatalf("warning policy rejected the key: %v", err)
	}
	if local.Len() != 0 {
		t.Error("warning policy must not record keys")
	}
}

func TestVerifierRecordsFailure(t *testing.T) {
	t.Parallel()

	key := generateKey(t)

	v := NewVerifier(NewStore(), NewStore(), RejectPolicy{})
	cb := v.Callback("host.example.com", 22)

	if err := cb("ignored:22", nil, key); err == nil {
		t.Fatal("expected rejection")
	}

	var unknown *UnknownHostKeyError
	if !errors.As(v.Err(), &unknown) {
		t.Fatalf("Err() = %v, want UnknownHostKeyError", v.Err())
	}
}
