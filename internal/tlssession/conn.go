package tlssession

import (
	"io"
	"net"
	"sync"
	"time"
)

// inboundBuffer is the number of ciphertext chunks queued ahead of the TLS engine.
const inboundBuffer = 64

// VirtualConn is a net.Conn with no socket behind it. Reads return ciphertext
// pushed in with Feed; writes are handed to a sink. The TLS engine runs on
// top of it while the real bytes travel inside edge frames.
type VirtualConn struct {
	name string
	sink func([]byte) error

	inbound chan []byte
	rest    []byte // unread remainder of the last chunk

	closed    chan struct{}
	closeOnce sync.Once
}

// NewVirtualConn creates a conn whose writes are passed to sink. name only
// shows up in LocalAddr/RemoteAddr.
func NewVirtualConn(name string, sink func([]byte) error) *VirtualConn {
	return &VirtualConn{
		name:    name,
		sink:    sink,
		inbound: make(chan []byte, inboundBuffer),
		closed:  make(chan struct{}),
	}
}

// Feed queues ciphertext for the engine. It blocks while the queue is full
// and fails once the conn is closed.
func (c *VirtualConn) Feed(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	b := make([]byte, len(p))
	copy(b, p)

	select {
	case c.inbound <- b:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *VirtualConn) Read(p []byte) (int, error) {
	if len(c.rest) == 0 {
		select {
		case b := <-c.inbound:
			c.rest = b
		case <-c.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, c.rest)
	c.rest = c.rest[n:]
	return n, nil
}

func (c *VirtualConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	// the engine reuses its record buffer
	b := make([]byte, len(p))
	copy(b, p)
	if err := c.sink(b); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *VirtualConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *VirtualConn) LocalAddr() net.Addr  { return virtualAddr(c.name) }
func (c *VirtualConn) RemoteAddr() net.Addr { return virtualAddr(c.name) }

// Deadlines are not supported; the handshake is bounded by its context,
// which closes the conn on expiry.
func (c *VirtualConn) SetDeadline(time.Time) error      { return nil }
func (c *VirtualConn) SetReadDeadline(time.Time) error  { return nil }
func (c *VirtualConn) SetWriteDeadline(time.Time) error { return nil }

type virtualAddr string

func (a virtualAddr) Network() string { return "edge" }
func (a virtualAddr) String() string  { return string(a) }
