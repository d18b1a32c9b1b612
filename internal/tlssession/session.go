// Package tlssession runs a crypto/tls engine over a VirtualConn so that TLS
// records can be carried inside another protocol.
//
// The outer session protects the channel to an edge router, with records
// carried in WebSocket messages. The inner session runs end to end over a
// single edge connection, with records carried in Data frames.
package tlssession

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultSettleDelay      = 100 * time.Millisecond

	defaultPlaintextBuffer = 64
	readBufferSize         = 16 * 1024
)

var (
	// ErrHandshakeTimeout is wrapped in a HandshakeError when the handshake deadline passes.
	ErrHandshakeTimeout = errors.New("tls handshake timed out")

	ErrNotConnected = errors.New("tls session not connected")
)

// HandshakeError attributes a failed handshake to the inner or outer session.
type HandshakeError struct {
	Inner bool
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s tls handshake failed: %v", layer(e.Inner), e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func layer(inner bool) string {
	if inner {
		return "inner"
	}
	return "outer"
}

// Config configures a Session. Zero durations select the defaults.
type Config struct {
	TLS *tls.Config

	// Inner marks the end-to-end session of a single edge connection.
	Inner bool

	// Server runs the engine as the accepting side. Loopback peers use it.
	Server bool

	HandshakeTimeout time.Duration

	// SettleDelay is waited after the handshake completes before the session
	// reports itself connected. Negative means no delay.
	SettleDelay time.Duration

	PlaintextBuffer int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.PlaintextBuffer <= 0 {
		c.PlaintextBuffer = defaultPlaintextBuffer
	}
	if c.TLS == nil {
		c.TLS = &tls.Config{}
	}
	return c
}

// Session is one TLS engine instance.
type Session struct {
	cfg  Config
	conn *VirtualConn
	tls  *tls.Conn

	handshakeOnce sync.Once
	handshakeErr  error
	handshakeDone chan struct{}
	connected     chan struct{}

	plaintext chan []byte
	mu        sync.Mutex
	readErr   error

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a session whose outgoing records are passed to sink. Nothing
// is sent until Handshake is called.
func New(cfg Config, sink func([]byte) error) *Session {
	cfg = cfg.withDefaults()

	s := &Session{
		cfg:           cfg,
		conn:          NewVirtualConn(layer(cfg.Inner)+"-tls", sink),
		handshakeDone: make(chan struct{}),
		connected:     make(chan struct{}),
		plaintext:     make(chan []byte, cfg.PlaintextBuffer),
		done:          make(chan struct{}),
	}
	if cfg.Server {
		s.tls = tls.Server(s.conn, cfg.TLS)
	} else {
		s.tls = tls.Client(s.conn, cfg.TLS)
	}
	return s
}

func (s *Session) Inner() bool { return s.cfg.Inner }

// Handshake runs the TLS handshake, starts delivering plaintext and then
// waits out the settle delay. Concurrent and repeated calls share the result
// of the first one.
func (s *Session) Handshake(ctx context.Context) error {
	s.handshakeOnce.Do(func() {
		s.handshakeErr = s.handshake(ctx)
		close(s.handshakeDone)
		if s.handshakeErr == nil {
			close(s.connected)
		}
	})
	return s.handshakeErr
}

func (s *Session) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	if err := s.tls.HandshakeContext(hctx); err != nil {
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			err = errors.Wrapf(ErrHandshakeTimeout, "after %s", s.cfg.HandshakeTimeout)
		}
		return &HandshakeError{Inner: s.cfg.Inner, Err: err}
	}

	go s.readLoop()

	settle := time.NewTimer(s.cfg.SettleDelay)
	defer settle.Stop()
	select {
	case <-settle.C:
	case <-ctx.Done():
		return &HandshakeError{Inner: s.cfg.Inner, Err: ctx.Err()}
	case <-s.done:
		return &HandshakeError{Inner: s.cfg.Inner, Err: ErrNotConnected}
	}
	return nil
}

// IsConnected reports whether the handshake finished and the settle delay elapsed.
func (s *Session) IsConnected() bool {
	select {
	case <-s.connected:
		return true
	default:
		return false
	}
}

// Connected is closed once IsConnected becomes true.
func (s *Session) Connected() <-chan struct{} { return s.connected }

// ProcessInbound passes ciphertext received from the peer to the engine.
func (s *Session) ProcessInbound(ciphertext []byte) error {
	return s.conn.Feed(ciphertext)
}

// Plaintext delivers decrypted application data in order. It is closed when
// the session ends; Err then tells why.
func (s *Session) Plaintext() <-chan []byte { return s.plaintext }

// Write encrypts p and passes the records to the sink.
func (s *Session) Write(p []byte) (int, error) {
	select {
	case <-s.handshakeDone:
	default:
		return 0, ErrNotConnected
	}
	if s.handshakeErr != nil {
		return 0, errors.Wrap(ErrNotConnected, s.handshakeErr.Error())
	}
	return s.tls.Write(p)
}

// Err returns the error that ended plaintext delivery, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// Done is closed by Close.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close sends close_notify when possible and stops the engine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.tls.Close()
		_ = s.conn.Close()
	})
	return err
}

func (s *Session) readLoop() {
	defer close(s.plaintext)

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.tls.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case s.plaintext <- b:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.mu.Lock()
				s.readErr = err
				s.mu.Unlock()
			}
			return
		}
	}
}
