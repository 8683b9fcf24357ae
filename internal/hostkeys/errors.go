package hostkeys

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// UnknownHostKeyError is returned when a server presents a key that is in
// neither trust store and the policy rejected it.
type UnknownHostKeyError struct {
	Hostname string
	Key      ssh.PublicKey
}

func (e *UnknownHostKeyError) Error() string {
	return fmt.Sprintf("unknown host key for %s (%s %s)",
		e.Hostname, e.Key.Type(), ssh.FingerprintSHA256(e.Key))
}

// BadHostKeyError is returned when a server presents a key that differs from
// the trusted record for the same host and key type. The store is never
// updated on mismatch.
type BadHostKeyError struct {
	Hostname string
	Key      ssh.PublicKey // key presented by the server
	Expected ssh.PublicKey // key on record
}

func (e *BadHostKeyError) Error() string {
	return fmt.Sprintf("host key for %s does not match: got %s %s, expected %s %s",
		e.Hostname, e.Key.Type(), ssh.FingerprintSHA256(e.Key),
		e.Expected.Type(), ssh.FingerprintSHA256(e.Expected))
}
