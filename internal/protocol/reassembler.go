package protocol

import (
	"bytes"

	"github.com/pkg/errors"
)

// Reassembler turns a stream of transport reads into complete messages.
// A read may carry part of a frame, exactly one frame, or several frames
// back to back; partial bytes are kept until the rest arrives.
//
// It is not safe for concurrent use; the channel feeds it under its inbound mutex.
type Reassembler struct {
	partial []byte
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed appends chunk to the buffered bytes and returns every message that is
// now complete, in arrival order.
//
// A version mismatch is fatal: the buffered bytes are discarded and
// ErrProtocolVersionMismatch is returned along with any messages decoded
// before the bad frame.
func (r *Reassembler) Feed(chunk []byte) ([]*Message, error) {
	buf := chunk
	if len(r.partial) > 0 {
		buf = append(r.partial, chunk...)
	}

	var out []*Message
	for len(buf) > 0 {
		// Reject a bad prefix as soon as its first bytes are visible.
		n := min(len(buf), len(Version))
		if !bytes.Equal(buf[:n], Version[:n]) {
			r.partial = nil
			return out, errors.Wrapf(ErrProtocolVersionMismatch, "got % x", buf[:n])
		}

		if len(buf) < MessageHeaderSize {
			break
		}

		total, err := FrameLength(buf)
		if err != nil {
			r.partial = nil
			return out, err
		}
		if len(buf) < total {
			break
		}

		msg, err := Unmarshal(buf[:total])
		if err != nil {
			r.partial = nil
			return out, err
		}
		out = append(out, msg)
		buf = buf[total:]
	}

	r.partial = append([]byte(nil), buf...)
	if len(r.partial) == 0 {
		r.partial = nil
	}
	return out, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (r *Reassembler) Buffered() int { return len(r.partial) }

// Reset discards any partial frame.
func (r *Reassembler) Reset() { r.partial = nil }
