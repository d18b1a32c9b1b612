package protocol

import "github.com/pkg/errors"

var (
	// ErrProtocolVersionMismatch is returned when a frame does not start with Version.
	ErrProtocolVersionMismatch = errors.New("protocol version mismatch")

	// ErrHeaderNotFound is returned when a required header is absent from a message.
	ErrHeaderNotFound = errors.New("header not found")

	ErrInvalidHeaderType = errors.New("invalid header type")
	ErrInvalidBodyType   = errors.New("invalid body type")

	// ErrTruncatedMessage is returned when a frame is shorter than its declared lengths.
	ErrTruncatedMessage = errors.New("truncated message")
)
