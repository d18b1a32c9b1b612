// Package protocol implements the edge wire format: typed headers, framed
// messages and reassembly of frames split across transport reads.
//
// Every multi-byte integer on the wire is little-endian.
package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Version is the magic prefix of every frame.
var Version = [4]byte{0x03, 0x06, 0x09, 0x0c}

// MessageHeaderSize is the fixed prefix size:
// Version(4) + ContentType(4) + Sequence(4) + HeadersLength(4) + BodyLength(4).
const MessageHeaderSize = 20

// Message is a decoded frame.
type Message struct {
	ContentType ContentType
	Sequence    int32
	Headers     []Header
	Body        []byte
}

// Marshal serializes a frame. body may be a string (UTF-8 encoded), a []byte
// (copied verbatim) or nil (empty body).
func Marshal(contentType ContentType, headers []Header, body any, sequence int32) ([]byte, error) {
	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	case string:
		payload = []byte(b)
	default:
		return nil, errors.Wrapf(ErrInvalidBodyType, "%T", body)
	}
	return encode(contentType, headers, payload, sequence), nil
}

// Marshal serializes m.
func (m *Message) Marshal() []byte {
	return encode(m.ContentType, m.Headers, m.Body, m.Sequence)
}

func encode(contentType ContentType, headers []Header, body []byte, sequence int32) []byte {
	headersLen := 0
	for _, h := range headers {
		headersLen += h.EncodedLen()
	}

	buf := make([]byte, 0, MessageHeaderSize+headersLen+len(body))
	buf = append(buf, Version[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(contentType))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sequence))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(headersLen))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	for _, h := range headers {
		buf = h.appendTo(buf)
	}
	return append(buf, body...)
}

// FrameLength returns the total size of the frame starting at buf, which must
// hold at least MessageHeaderSize bytes.
func FrameLength(buf []byte) (int, error) {
	if len(buf) < MessageHeaderSize {
		return 0, errors.Wrapf(ErrTruncatedMessage, "%d bytes, need %d", len(buf), MessageHeaderSize)
	}
	if !bytes.Equal(buf[:4], Version[:]) {
		return 0, errors.Wrapf(ErrProtocolVersionMismatch, "got % x", buf[:4])
	}
	headersLen := int32(binary.LittleEndian.Uint32(buf[12:16]))
	if headersLen < 0 {
		return 0, errors.Wrapf(ErrTruncatedMessage, "negative headers length %d", headersLen)
	}
	bodyLen := binary.LittleEndian.Uint32(buf[16:20])
	return MessageHeaderSize + int(headersLen) + int(bodyLen), nil
}

// Unmarshal decodes exactly one complete frame. Header payloads and the body
// are copied, so frame may be reused by the caller.
func Unmarshal(frame []byte) (*Message, error) {
	total, err := FrameLength(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) < total {
		return nil, errors.Wrapf(ErrTruncatedMessage, "%d bytes, frame declares %d", len(frame), total)
	}

	headersEnd := MessageHeaderSize + int(binary.LittleEndian.Uint32(frame[12:16]))
	headers, err := decodeHeaders(frame[MessageHeaderSize:headersEnd])
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ContentType: ContentType(int32(binary.LittleEndian.Uint32(frame[4:8]))),
		Sequence:    int32(binary.LittleEndian.Uint32(frame[8:12])),
		Headers:     headers,
	}
	if total > headersEnd {
		msg.Body = make([]byte, total-headersEnd)
		copy(msg.Body, frame[headersEnd:total])
	}
	return msg, nil
}

// ---------------------------------------------------------------------------
// Header lookup
// ---------------------------------------------------------------------------

// Header returns the first header with the given id.
func (m *Message) Header(id HeaderID) (Header, bool) {
	for _, h := range m.Headers {
		if h.id == id {
			return h, true
		}
	}
	return Header{}, false
}

// Int32Header returns the value of an int header.
func (m *Message) Int32Header(id HeaderID) (int32, error) {
	h, ok := m.Header(id)
	if !ok {
		return 0, errors.Wrapf(ErrHeaderNotFound, "%s", id)
	}
	n, ok := h.Int32()
	if !ok {
		return 0, errors.Wrapf(ErrInvalidHeaderType, "%s has %d bytes", id, h.Len())
	}
	return n, nil
}

// ReplyFor returns the sequence this message answers, if it says so.
func (m *Message) ReplyFor() (int32, bool) {
	n, err := m.Int32Header(HeaderReplyFor)
	return n, err == nil
}

// ConnID returns the edge connection id carried by the message.
func (m *Message) ConnID() (uint32, bool) {
	n, err := m.Int32Header(HeaderConnID)
	return uint32(n), err == nil
}

// HeadersLen returns the encoded size of the header section.
func (m *Message) HeadersLen() int {
	n := 0
	for _, h := range m.Headers {
		n += h.EncodedLen()
	}
	return n
}
