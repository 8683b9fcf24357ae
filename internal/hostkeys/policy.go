package hostkeys

import (
	"log"

	"golang.org/x/crypto/ssh"
)

// Policy decides what to do with a host key that is in neither trust store.
//
// Returning nil accepts the key for this connection. Returning an error
// rejects it and fails the handshake; the error is surfaced to the caller
// unchanged, so custom policies may return their own error types.
type Policy interface {
	MissingHostKey(local *Store, hostname string, key ssh.PublicKey) error
}

// AutoAddPolicy accepts unknown host keys and records them in the local
// store, persisting it if the store is bound to a file (trust on first use).
type AutoAddPolicy struct{}

func (AutoAddPolicy) MissingHostKey(local *Store, hostname string, key ssh.PublicKey) error {
	if err := local.Add(hostname, key); err != nil {
		return err
	}
	log.Printf("hostkeys: added %s key for %s (%s)", key.Type(), hostname, ssh.FingerprintSHA256(key))
	return nil
}

// RejectPolicy rejects all unknown host keys. This is the default.
type RejectPolicy struct{}

func (RejectPolicy) MissingHostKey(_ *Store, hostname string, key ssh.PublicKey) error {
	log.Printf("hostkeys: rejecting %s key for %s (%s)", key.Type(), hostname, ssh.FingerprintSHA256(key))
	return &UnknownHostKeyError{Hostname: hostname, Key: key}
}

// WarningPolicy accepts unknown host keys without recording them, logging a
// warning for each.
type WarningPolicy struct{}

func (WarningPolicy) MissingHostKey(_ *Store, hostname string, key ssh.PublicKey) error {
	log.Printf("hostkeys: warning: unknown %s key for %s (%s)", key.Type(), hostname, ssh.FingerprintSHA256(key))
	return nil
}
