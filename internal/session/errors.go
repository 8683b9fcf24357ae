package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrAborted is reported to the failure callback when Close cancels an
// in-flight connect attempt.
var ErrAborted = errors.New("session: connect aborted by close")

// RemoteProtocolError is a disconnect initiated by the remote side, carrying
// the protocol-level reason code and description.
type RemoteProtocolError struct {
	Code        uint32
	Description string
}

func (e *RemoteProtocolError) Error() string {
	return fmt.Sprintf("session: remote disconnect, code %d: %s", e.Code, e.Description)
}

// remoteProtocolError recovers code and description from the engine's
// disconnect error, which the engine only exposes as formatted text
// ("ssh: disconnect, reason <code>: <description>").
func remoteProtocolError(err error) (*RemoteProtocolError, bool) {
	const prefix = "ssh: disconnect, reason "

	msg := err.Error()
	i := strings.Index(msg, prefix)
	if i < 0 {
		return nil, false
	}

	codeStr, desc, found := strings.Cut(msg[i+len(prefix):], ":")
	if !found {
		return nil, false
	}
	code, perr := strconv.ParseUint(strings.TrimSpace(codeStr), 10, 32)
	if perr != nil {
		return nil, false
	}
	return &RemoteProtocolError{Code: uint32(code), Description: strings.TrimSpace(desc)}, true
}
