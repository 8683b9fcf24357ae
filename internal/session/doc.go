// Package session establishes authenticated SSH sessions.
//
// A [Client] owns the host-key trust stores, the missing-host-key policy and
// the connection parameters. Connect is non-blocking: it starts one
// transport attempt and later fires exactly one of the registered success or
// failure callbacks. On success the caller receives a [Conn], the
// authenticated multiplexed connection, over which any number of forwarded
// logical connections can be opened (see ConnectTCP and package forward).
//
//	client := session.NewClient()
//	_ = client.LoadSystemHostKeys("")
//	client.SetMissingHostKeyPolicy(hostkeys.AutoAddPolicy{})
//	client.OnSuccess(func(conn *session.Conn) { ... })
//	client.OnFailure(func(err error) { ... })
//	_ = client.Connect("ssh.example.com", session.ConnectConfig{Username: "user"})
package session
