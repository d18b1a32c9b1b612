package protocol

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// HeaderType selects how a header value is encoded into its payload.
type HeaderType uint8

const (
	HeaderTypeInt HeaderType = iota + 1
	HeaderTypeString
	HeaderTypeByteArray
)

func (t HeaderType) String() string {
	switch t {
	case HeaderTypeInt:
		return "int"
	case HeaderTypeString:
		return "string"
	case HeaderTypeByteArray:
		return "bytes"
	default:
		return "unknown"
	}
}

// headerPrefixSize is the size of the id and length fields in front of every payload.
const headerPrefixSize = 8

// Header is a single (id, payload) pair of a Message. It is immutable once
// constructed.
//
// Headers decoded from the wire carry no type information; they report
// HeaderTypeByteArray and are interpreted through Int32, Text and Bytes.
type Header struct {
	id   HeaderID
	typ  HeaderType
	data []byte
}

// NewHeader encodes value according to typ. Int accepts int32, int and
// uint32; String accepts string; ByteArray accepts []byte.
func NewHeader(id HeaderID, typ HeaderType, value any) (Header, error) {
	switch typ {
	case HeaderTypeInt:
		var n int32
		switch v := value.(type) {
		case int32:
			n = v
		case uint32:
			n = int32(v)
		case int:
			if v < math.MinInt32 || v > math.MaxInt32 {
				return Header{}, errors.Wrapf(ErrInvalidHeaderType, "header %s: int %d out of range", id, v)
			}
			n = int32(v)
		default:
			return Header{}, errors.Wrapf(ErrInvalidHeaderType, "header %s: %T is not an int", id, value)
		}
		return IntHeader(id, n), nil

	case HeaderTypeString:
		s, ok := value.(string)
		if !ok {
			return Header{}, errors.Wrapf(ErrInvalidHeaderType, "header %s: %T is not a string", id, value)
		}
		return StringHeader(id, s), nil

	case HeaderTypeByteArray:
		b, ok := value.([]byte)
		if !ok {
			return Header{}, errors.Wrapf(ErrInvalidHeaderType, "header %s: %T is not a byte array", id, value)
		}
		return BytesHeader(id, b), nil
	}

	return Header{}, errors.Wrapf(ErrInvalidHeaderType, "header %s: type %d", id, typ)
}

// IntHeader returns a header holding n as 4 little-endian bytes.
func IntHeader(id HeaderID, n int32) Header {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(n))
	return Header{id: id, typ: HeaderTypeInt, data: data}
}

// StringHeader returns a header holding the UTF-8 bytes of s.
func StringHeader(id HeaderID, s string) Header {
	return Header{id: id, typ: HeaderTypeString, data: []byte(s)}
}

// BytesHeader returns a header holding a copy of b.
func BytesHeader(id HeaderID, b []byte) Header {
	data := make([]byte, len(b))
	copy(data, b)
	return Header{id: id, typ: HeaderTypeByteArray, data: data}
}

func (h Header) ID() HeaderID     { return h.id }
func (h Header) Type() HeaderType { return h.typ }

// Len returns the payload length in bytes.
func (h Header) Len() int { return len(h.data) }

// EncodedLen returns the number of bytes Encode produces.
func (h Header) EncodedLen() int { return headerPrefixSize + len(h.data) }

// Encode returns the wire form [id u32][len u32][payload].
func (h Header) Encode() []byte {
	return h.appendTo(make([]byte, 0, h.EncodedLen()))
}

func (h Header) appendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(h.id))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(h.data)))
	return append(dst, h.data...)
}

// Int32 interprets the payload as a little-endian signed 32-bit integer.
func (h Header) Int32() (int32, bool) {
	if len(h.data) != 4 {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(h.data)), true
}

// Text interprets the payload as UTF-8.
func (h Header) Text() string { return string(h.data) }

// Bytes returns a copy of the payload.
func (h Header) Bytes() []byte {
	out := make([]byte, len(h.data))
	copy(out, h.data)
	return out
}

// Bool interprets a one-byte payload as a boolean, as used by ResultSuccess.
// A 4-byte payload is treated as an int flag.
func (h Header) Bool() (bool, bool) {
	switch len(h.data) {
	case 1:
		return h.data[0] != 0, true
	case 4:
		n, _ := h.Int32()
		return n != 0, true
	}
	return false, false
}

// ---------------------------------------------------------------------------
// Header section scanning
// ---------------------------------------------------------------------------

// FindHeader scans the header section of a complete frame for id and returns
// the first match. The scan stops at the declared headers length or at the
// first truncated triple; it never fails.
func FindHeader(frame []byte, id HeaderID) (Header, bool) {
	if len(frame) < MessageHeaderSize {
		return Header{}, false
	}
	headersLen := int(int32(binary.LittleEndian.Uint32(frame[12:16])))
	if headersLen <= 0 {
		return Header{}, false
	}
	end := MessageHeaderSize + headersLen
	if end > len(frame) {
		end = len(frame)
	}

	section := frame[MessageHeaderSize:end]
	for len(section) >= headerPrefixSize {
		hid := HeaderID(binary.LittleEndian.Uint32(section[0:4]))
		n := int(binary.LittleEndian.Uint32(section[4:8]))
		if n < 0 || n > len(section)-headerPrefixSize {
			return Header{}, false
		}
		if hid == id {
			return BytesHeader(hid, section[headerPrefixSize:headerPrefixSize+n]), true
		}
		section = section[headerPrefixSize+n:]
	}
	return Header{}, false
}

// decodeHeaders parses a complete header section. Each payload is copied.
func decodeHeaders(section []byte) ([]Header, error) {
	var headers []Header
	for len(section) > 0 {
		if len(section) < headerPrefixSize {
			return nil, errors.Wrapf(ErrTruncatedMessage, "%d trailing header bytes", len(section))
		}
		id := HeaderID(binary.LittleEndian.Uint32(section[0:4]))
		n := int(binary.LittleEndian.Uint32(section[4:8]))
		if n < 0 || n > len(section)-headerPrefixSize {
			return nil, errors.Wrapf(ErrTruncatedMessage, "header %s declares %d bytes", id, n)
		}
		headers = append(headers, BytesHeader(id, section[headerPrefixSize:headerPrefixSize+n]))
		section = section[headerPrefixSize+n:]
	}
	return headers, nil
}
