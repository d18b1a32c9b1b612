package edge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/openziti/ziti-browzer-core-sub000/internal/e2ee"
	"github.com/openziti/ziti-browzer-core-sub000/internal/protocol"
	"github.com/openziti/ziti-browzer-core-sub000/internal/tlssession"
	"github.com/openziti/ziti-browzer-core-sub000/internal/util"
)

// State is the lifecycle state of a channel or a connection.
type State int32

const (
	StateInitial State = iota
	StateConnecting
	StateConnected
	StateBinding // reserved for hosting
	StateBound
	StateAccepting
	StateTimedout
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBinding:
		return "binding"
	case StateBound:
		return "bound"
	case StateAccepting:
		return "accepting"
	case StateTimedout:
		return "timedout"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateTimedout || s == StateClosed
}

// ConnectionOptions describe the service a connection dials.
type ConnectionOptions struct {
	ServiceName         string
	NetworkSessionToken string // sent as the Connect body
	EncryptionRequired  bool
	AppData             []byte
}

type cryptoPhase int32

const (
	cryptoNone cryptoPhase = iota
	cryptoAwaitingPeerHeader
	cryptoEstablished
)

// backlogLimit bounds the data kept for a connection that has no callback yet.
const backlogLimit = 256

// Connection is one virtual stream to a service, multiplexed over a Channel.
type Connection struct {
	id    atomic.Uint32
	state atomic.Int32
	seq   DataSequence

	mu      sync.Mutex
	opts    ConnectionOptions
	channel *Channel
	crypto  *e2ee.Session
	handler func([]byte)
	backlog [][]byte
	inner   *tlssession.Session
	innerSt innerState

	encrypted atomic.Bool
	phase     atomic.Int32

	// guarded by the owning channel's inbound mutex
	parking bool
	early   []*protocol.Message

	deliverMu sync.Mutex
	writeMu   sync.Mutex

	cryptoReady chan struct{}
	readyOnce   sync.Once

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// NewConnection creates an unbound connection.
func NewConnection(opts ConnectionOptions) *Connection {
	return &Connection{
		opts:        opts,
		cryptoReady: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Configure replaces the options of a connection that has not been dialed yet.
func (c *Connection) Configure(opts ConnectionOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		return ErrAlreadyBound
	}
	c.opts = opts
	return nil
}

func (c *Connection) Options() ConnectionOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// ID returns the channel-scoped id, or 0 while unbound.
func (c *Connection) ID() uint32 { return c.id.Load() }

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) ServiceName() string { return c.Options().ServiceName }

// Encrypted reports whether Data bodies are sealed end to end.
func (c *Connection) Encrypted() bool { return c.encrypted.Load() }

// CryptoEstablished reports whether both secretstream directions are ready.
func (c *Connection) CryptoEstablished() bool {
	return cryptoPhase(c.phase.Load()) == cryptoEstablished
}

// Sequence is the counter used for this connection's Data and StateClosed frames.
func (c *Connection) Sequence() *DataSequence { return &c.seq }

func (c *Connection) Channel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// OnData registers the callback that receives application data. Data that
// arrived before registration is delivered first, in order.
func (c *Connection) OnData(fn func([]byte)) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	c.handler = fn
	backlog := c.backlog
	c.backlog = nil
	c.mu.Unlock()

	if fn == nil {
		return
	}
	for _, p := range backlog {
		fn(p)
	}
}

// Write sends p, waiting for crypto establishment if needed.
func (c *Connection) Write(p []byte) (int, error) {
	if err := c.WriteContext(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Connection) WriteContext(ctx context.Context, p []byte) error {
	ch := c.Channel()
	if ch == nil {
		return errors.Wrap(ErrChannelNotConnected, "connection not dialed")
	}
	return ch.Write(ctx, c, p)
}

// Request sends p and waits for the Data frame answering it. It is only
// usable while no data callback is registered.
func (c *Connection) Request(ctx context.Context, p []byte) ([]byte, error) {
	ch := c.Channel()
	if ch == nil {
		return nil, errors.Wrap(ErrChannelNotConnected, "connection not dialed")
	}
	return ch.Request(ctx, c, p)
}

// AttachInnerTLS runs a TLS session end to end over this connection. Once
// it returns, Write encrypts through it and the data callback receives its
// plaintext.
func (c *Connection) AttachInnerTLS(ctx context.Context, cfg tlssession.Config) error {
	ch := c.Channel()
	if ch == nil {
		return errors.Wrap(ErrChannelNotConnected, "connection not dialed")
	}
	return ch.AttachInnerTLS(ctx, c, cfg)
}

// Close sends StateClosed to the router. Closing an unbound connection
// only marks it closed.
func (c *Connection) Close() error {
	ch := c.Channel()
	if ch == nil {
		c.setState(StateClosed)
		c.finish(nil)
		return nil
	}
	return ch.Close(c)
}

// Done is closed when the connection reaches a terminal state.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended; nil for a local Close.
func (c *Connection) Err() error {
	<-c.done
	return c.err
}

// ---------------------------------------------------------------------------
// Internal state
// ---------------------------------------------------------------------------

func (c *Connection) bind(ch *Channel, id uint32, cs *e2ee.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		return ErrAlreadyBound
	}
	if c.State().Terminal() {
		return ErrConnectionClosed
	}
	c.channel = ch
	c.crypto = cs
	c.id.Store(id)
	c.parking = true
	return nil
}

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

func (c *Connection) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *Connection) currentPhase() cryptoPhase    { return cryptoPhase(c.phase.Load()) }
func (c *Connection) setCryptoPhase(p cryptoPhase) { c.phase.Store(int32(p)) }

func (c *Connection) session() *e2ee.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crypto
}

func (c *Connection) streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}

// deliver hands application bytes to the data callback, or keeps them until
// one is registered.
func (c *Connection) deliver(p []byte) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	fn := c.handler
	if fn == nil {
		if len(c.backlog) < backlogLimit {
			c.backlog = append(c.backlog, p)
		} else {
			util.WithField("connId", c.ID()).Warnf("backlog full, dropping %d bytes", len(p))
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	fn(p)
}

// markCryptoReady releases writers waiting for connection setup.
func (c *Connection) markCryptoReady() {
	c.readyOnce.Do(func() { close(c.cryptoReady) })
}

// awaitWritable blocks until setup finished, then reports whether writes are allowed.
func (c *Connection) awaitWritable(ctx context.Context) error {
	if c.State().Terminal() {
		return errors.Wrapf(ErrConnectionClosed, "connId %d", c.ID())
	}
	select {
	case <-c.cryptoReady:
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s := c.State(); s != StateConnected {
		return errors.Wrapf(ErrConnectionClosed, "connId %d is %s", c.ID(), s)
	}
	return nil
}

// finish records the terminal cause and wakes everything waiting on the connection.
func (c *Connection) finish(err error) {
	c.doneOnce.Do(func() {
		c.err = err
		close(c.done)
		c.markCryptoReady()

		c.mu.Lock()
		inner := c.inner
		c.mu.Unlock()
		if inner != nil {
			_ = inner.Close()
		}
	})
}
