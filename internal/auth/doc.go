// Package auth collects authentication credentials for one SSH connect
// attempt and replays them for the engine's user-auth protocol.
//
// A [Provider] holds an ordered set of private keys (explicit signer,
// key files, agent keys, discovered keys) plus an optional password. The
// key sequence is circular: the auth protocol may ask for the next public
// key any number of times, and the provider wraps around rather than
// terminating the cycle. Detecting exhaustion is the auth protocol's job,
// not the provider's.
package auth
