package edge

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConnectionNotFound is returned when a message names a connection id
	// the channel does not know.
	ErrConnectionNotFound = errors.New("connection not found")

	ErrChannelClosed       = errors.New("channel closed")
	ErrChannelNotConnected = errors.New("channel not connected")
	ErrConnectionClosed    = errors.New("connection closed")

	ErrAlreadyBound      = errors.New("connection already bound to a channel")
	ErrHelloRejected     = errors.New("hello rejected by edge router")
	ErrUnexpectedReply   = errors.New("unexpected reply")
	ErrInnerTLSAttached  = errors.New("inner tls session already attached")
	ErrStreamingConn     = errors.New("connection delivers data to a callback")
	ErrCryptoNotComplete = errors.New("crypto header exchange did not complete")
)

// ConnectFailureError reports a Connect the edge router answered with
// StateClosed, typically because the service has no usable terminator.
type ConnectFailureError struct {
	ConnID  uint32
	Service string
	Reason  string
}

func (e *ConnectFailureError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connect to service %q failed (connId %d)", e.Service, e.ConnID)
	}
	return fmt.Sprintf("connect to service %q failed (connId %d): %s", e.Service, e.ConnID, e.Reason)
}
