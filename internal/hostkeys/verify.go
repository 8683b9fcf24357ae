package hostkeys

import (
	"bytes"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Verifier makes the trust decision for one connect attempt.
//
// Lookup order is System first, Local second; the first record found wins.
// A recorded key that differs byte-for-byte from the presented key fails
// with [BadHostKeyError] regardless of policy. A host absent from both
// stores is delegated to Policy.
type Verifier struct {
	System *Store
	Local  *Store
	Policy Policy

	mu      sync.Mutex
	failure error
}

func NewVerifier(system, local *Store, policy Policy) *Verifier {
	if policy == nil {
		policy = RejectPolicy{}
	}
	return &Verifier{System: system, Local: local, Policy: policy}
}

// Verify checks the key presented by hostname:port against the stores.
func (v *Verifier) Verify(hostname string, port int, presented ssh.PublicKey) error {
	label := HostLabel(hostname, port)

	known, ok := v.System.Get(label, presented.Type())
	if !ok {
		known, ok = v.Local.Get(label, presented.Type())
	}
	if !ok {
		return v.Policy.MissingHostKey(v.Local, label, presented)
	}

	if !bytes.Equal(known.Marshal(), presented.Marshal()) {
		return &BadHostKeyError{Hostname: hostname, Key: presented, Expected: known}
	}
	return nil
}

// Callback adapts the trust decision to the SSH engine's host-key hook for a
// connection to hostname:port. A rejection is recorded so the caller can
// recover the structured error after the engine reports a failed handshake.
func (v *Verifier) Callback(hostname string, port int) ssh.HostKeyCallback {
	return func(_ string, _ net.Addr, key ssh.PublicKey) error {
		err := v.Verify(hostname, port, key)
		if err != nil {
			v.mu.Lock()
			v.failure = err
			v.mu.Unlock()
		}
		return err
	}
}

// Err returns the trust error recorded by the callback, if any.
func (v *Verifier) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.failure
}
