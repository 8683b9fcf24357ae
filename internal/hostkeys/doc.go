// Package hostkeys verifies SSH server host keys against trust stores.
//
// A [Store] maps a host label and key type to an expected public key. A
// session owns two of them: a read-only "system" store (typically
// ~/.ssh/known_hosts) and a read/write "local" store that policies may
// mutate. The [Verifier] implements the trust decision: a presented key is
// checked against the system store first, then the local store; an unknown
// host is delegated to a pluggable [Policy] ([AutoAddPolicy], [RejectPolicy],
// [WarningPolicy]); a known host whose key differs is always rejected with
// [BadHostKeyError].
package hostkeys
