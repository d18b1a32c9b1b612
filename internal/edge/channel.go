// Package edge implements the client side of the edge channel protocol: one
// Channel per edge router, carrying many Connections to services.
//
// A channel completes Hello (after the outer TLS handshake, when enabled)
// before any Connect or Data frame is sent. Inbound bytes are reassembled,
// correlated and dispatched under a single mutex per channel.
package edge

import (
	"context"
	"crypto/tls"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/openziti/ziti-browzer-core-sub000/internal/e2ee"
	"github.com/openziti/ziti-browzer-core-sub000/internal/pending"
	"github.com/openziti/ziti-browzer-core-sub000/internal/protocol"
	"github.com/openziti/ziti-browzer-core-sub000/internal/tlssession"
	"github.com/openziti/ziti-browzer-core-sub000/internal/transport"
	"github.com/openziti/ziti-browzer-core-sub000/internal/util"
)

const (
	DefaultHelloTimeout   = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second

	defaultEventBuffer = 32

	// helloVersion is advertised in the HelloVersion header.
	helloVersion int32 = 2
)

// ChannelConfig configures a Channel. Zero values select the defaults.
type ChannelConfig struct {
	// SessionToken is the API session token presented in Hello.
	SessionToken string
	CallerID     string

	// TLS configures the outer mTLS session. Nil disables the outer TLS
	// layer and frames travel on the transport as is (loopback routers, tests).
	TLS *tls.Config

	HelloTimeout        time.Duration
	RequestTimeout      time.Duration // Connect replies and crypto header exchange
	TLSHandshakeTimeout time.Duration
	TLSSettleDelay      time.Duration

	EventBuffer int
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = DefaultHelloTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	return c
}

// Channel is the multiplexed link to one edge router.
type Channel struct {
	id     uint32
	router string
	cfg    ChannelConfig
	tr     transport.Transport
	outer  atomic.Pointer[tlssession.Session]

	state      atomic.Int32
	controlSeq ControlSequence
	connIDs    atomic.Uint32
	conns      *Registry
	pending    *pending.Table

	recvMu sync.Mutex
	reasm  *protocol.Reassembler

	helloMu sync.Mutex
	helloAt atomic.Int64

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel creates a channel over tr. Nothing is sent until Hello.
func NewChannel(id uint32, router string, tr transport.Transport, cfg ChannelConfig) *Channel {
	cfg = cfg.withDefaults()
	c := &Channel{
		id:      id,
		router:  router,
		cfg:     cfg,
		tr:      tr,
		conns:   NewRegistry(),
		pending: pending.New(),
		reasm:   protocol.NewReassembler(),
		events:  make(chan Event, cfg.EventBuffer),
		done:    make(chan struct{}),
	}
	tr.OnMessage(c.recvWire)
	return c
}

func (c *Channel) ID() uint32     { return c.id }
func (c *Channel) Router() string { return c.router }
func (c *Channel) State() State   { return State(c.state.Load()) }

func (c *Channel) setState(s State) { c.state.Store(int32(s)) }

// HelloCompletedAt returns when Hello succeeded, or the zero time.
func (c *Channel) HelloCompletedAt() time.Time {
	ns := c.helloAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Events delivers channel events. Events are dropped while the buffer is full.
func (c *Channel) Events() <-chan Event { return c.events }

// Done is closed when the channel shuts down.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Connections returns the number of registered connections.
func (c *Channel) Connections() int { return c.conns.Len() }

func (c *Channel) log() util.Entry {
	return util.WithField("channelId", c.id).WithField("router", c.router)
}

// ---------------------------------------------------------------------------
// Hello
// ---------------------------------------------------------------------------

// Hello opens the transport, runs the outer TLS handshake and exchanges
// Hello with the router. It returns immediately on a connected channel.
// Any failure shuts the channel down.
func (c *Channel) Hello(ctx context.Context) error {
	c.helloMu.Lock()
	defer c.helloMu.Unlock()

	switch s := c.State(); {
	case s == StateConnected:
		return nil
	case s.Terminal() || c.IsClosed():
		return errors.Wrapf(ErrChannelClosed, "channel %d is %s", c.id, s)
	}
	c.setState(StateConnecting)
	log := c.log()

	if c.cfg.TLS != nil && c.outer.Load() == nil {
		s := tlssession.New(tlssession.Config{
			TLS:              c.outerTLSConfig(),
			HandshakeTimeout: c.cfg.TLSHandshakeTimeout,
			SettleDelay:      c.cfg.TLSSettleDelay,
		}, c.tr.Send)
		c.outer.Store(s)
		go c.pumpOuter(s)
	}

	if err := c.tr.Open(ctx); err != nil {
		_ = c.shutdown(err)
		return errors.Wrapf(err, "channel %d", c.id)
	}
	go c.watchTransport()

	if s := c.outer.Load(); s != nil {
		if err := s.Handshake(ctx); err != nil {
			if errors.Is(err, tlssession.ErrHandshakeTimeout) {
				c.setState(StateTimedout)
				c.publish(Event{Type: EventHandshakeTimeout, Err: err})
			}
			log.WithError(err).Warnf("outer tls handshake failed")
			_ = c.shutdown(err)
			return err
		}
	}

	seq := c.controlSeq.Next()
	headers := []protocol.Header{
		protocol.StringHeader(protocol.HeaderSessionToken, c.cfg.SessionToken),
		protocol.StringHeader(protocol.HeaderUUID, uuid.NewString()),
		protocol.IntHeader(protocol.HeaderHelloVersion, helloVersion),
	}
	if c.cfg.CallerID != "" {
		headers = append(headers, protocol.StringHeader(protocol.HeaderCallerID, c.cfg.CallerID))
	}

	req := c.pending.Create(pending.HelloKey, seq, func() error {
		return c.send(protocol.ContentTypeHello, headers, nil, seq, 0)
	}, c.cfg.HelloTimeout)

	reply, err := req.Wait(ctx)
	if err != nil {
		if errors.Is(err, pending.ErrRequestTimeout) {
			c.setState(StateTimedout)
			err = errors.Wrap(err, "hello timed out")
		}
		log.WithError(err).Warnf("hello failed")
		_ = c.shutdown(err)
		return err
	}

	if h, ok := reply.Header(protocol.HeaderResultSuccess); ok {
		if success, _ := h.Bool(); !success {
			err := errors.Wrapf(ErrHelloRejected, "%s", reply.Body)
			_ = c.shutdown(err)
			return err
		}
	}

	c.helloAt.Store(time.Now().UnixNano())
	c.setState(StateConnected)
	util.Stats.AddChannel()
	log.Debugf("hello completed")
	return nil
}

// outerTLSConfig fills in the router host as ServerName when none is set.
func (c *Channel) outerTLSConfig() *tls.Config {
	if c.cfg.TLS.ServerName != "" {
		return c.cfg.TLS
	}
	cfg := c.cfg.TLS.Clone()
	if u, err := url.Parse(c.router); err == nil {
		cfg.ServerName = u.Hostname()
	}
	return cfg
}

// ---------------------------------------------------------------------------
// Connect
// ---------------------------------------------------------------------------

// Connect binds conn to this channel and asks the router to connect it to
// its service. On success conn is Connected and, when the service requires
// it and the router returned a public key, end-to-end encrypted.
func (c *Channel) Connect(ctx context.Context, conn *Connection) error {
	if s := c.State(); s != StateConnected {
		return errors.Wrapf(ErrChannelNotConnected, "channel %d is %s", c.id, s)
	}

	cs, err := e2ee.New()
	if err != nil {
		return err
	}
	id := c.connIDs.Add(1)
	if err := conn.bind(c, id, cs); err != nil {
		return err
	}
	conn.setState(StateConnecting)
	c.conns.Save(conn)

	opts := conn.Options()
	headers := []protocol.Header{
		protocol.IntHeader(protocol.HeaderConnID, int32(id)),
		protocol.IntHeader(protocol.HeaderSeq, 0),
		protocol.StringHeader(protocol.HeaderUUID, uuid.NewString()),
	}
	if opts.EncryptionRequired {
		headers = append(headers, protocol.BytesHeader(protocol.HeaderPublicKey, cs.PublicKey()))
	}
	if len(opts.AppData) > 0 {
		headers = append(headers, protocol.BytesHeader(protocol.HeaderAppData, opts.AppData))
	}

	seq := c.controlSeq.Next()
	log := c.log().WithFields("connId", id, "service", opts.ServiceName)
	log.Debugf("connecting")

	req := c.pending.Create(int64(id), seq, func() error {
		return c.send(protocol.ContentTypeConnect, headers, []byte(opts.NetworkSessionToken), seq, id)
	}, c.cfg.RequestTimeout)

	reply, err := req.Wait(ctx)
	if err != nil {
		if errors.Is(err, pending.ErrRequestTimeout) {
			conn.setState(StateTimedout)
		}
		util.Stats.AddConnectFail()
		c.retire(conn, err)
		return errors.Wrapf(err, "connect to %s", opts.ServiceName)
	}
	return c.recvConnectResponse(ctx, conn, reply)
}

// recvConnectResponse finishes a Connect from the router's reply.
func (c *Channel) recvConnectResponse(ctx context.Context, conn *Connection, reply *protocol.Message) error {
	opts := conn.Options()
	log := c.log().WithFields("connId", conn.ID(), "service", opts.ServiceName)

	if s := conn.State(); s.Terminal() {
		log.Warnf("ignoring %s for %s connection", reply.ContentType, s)
		return errors.Wrapf(ErrConnectionClosed, "connId %d is %s", conn.ID(), s)
	}

	switch reply.ContentType {
	case protocol.ContentTypeStateConnected:
	case protocol.ContentTypeStateClosed:
		err := &ConnectFailureError{ConnID: conn.ID(), Service: opts.ServiceName, Reason: string(reply.Body)}
		log.Warnf("connect rejected: %s", reply.Body)
		util.Stats.AddConnectFail()
		c.publish(Event{Type: EventConnectFailure, ConnID: conn.ID(), Service: opts.ServiceName, Err: err})
		c.retire(conn, err)
		return err
	default:
		err := errors.Wrapf(ErrUnexpectedReply, "%s to Connect", reply.ContentType)
		c.retire(conn, err)
		return err
	}

	peerKey, hasKey := reply.Header(protocol.HeaderPublicKey)
	if opts.EncryptionRequired && !hasKey {
		log.Warnf("router returned no public key, connection is not encrypted")
	}

	// Frames that arrived for this connection while the reply was in flight
	// are replayed once crypto is set up, under the inbound mutex.
	var cryptoReq *pending.Request
	c.recvMu.Lock()
	if opts.EncryptionRequired && hasKey {
		req, err := c.startCrypto(conn, peerKey.Bytes())
		if err != nil {
			c.recvMu.Unlock()
			c.retire(conn, err)
			return err
		}
		cryptoReq = req
	}
	conn.parking = false
	early := conn.early
	conn.early = nil
	for _, m := range early {
		c.dispatch(m)
	}
	c.recvMu.Unlock()

	if cryptoReq != nil {
		if err := c.finishCrypto(ctx, conn, cryptoReq); err != nil {
			log.WithError(err).Warnf("crypto establishment failed")
			util.Stats.AddConnectFail()
			_ = c.closeWithCause(conn, err)
			return err
		}
	}

	if !conn.transition(StateConnecting, StateConnected) {
		return errors.Wrapf(ErrConnectionClosed, "connId %d is %s", conn.ID(), conn.State())
	}
	conn.markCryptoReady()
	util.Stats.AddConn()
	log.Debugf("connected, encrypted=%t", conn.Encrypted())
	return nil
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Write sends p on conn. It waits until connection setup (including crypto)
// completes and does not wait for any acknowledgement.
func (c *Channel) Write(ctx context.Context, conn *Connection, p []byte) error {
	if err := conn.awaitWritable(ctx); err != nil {
		return err
	}
	return c.writeRouted(ctx, conn, p, originApp)
}

func (c *Channel) writeRouted(ctx context.Context, conn *Connection, p []byte, origin writeOrigin) error {
	s, st := conn.innerSession()
	switch route(st, origin) {
	case RouteAwaitInner:
		return conn.writeInner(ctx, s, p)
	default:
		_, err := c.writeData(conn, p, false)
		return err
	}
}

// writeData seals p when crypto is established, stamps the next data
// sequence and sends it. With wantReply a pending request is opened under
// the connection's key before the frame leaves.
func (c *Channel) writeData(conn *Connection, p []byte, wantReply bool) (*pending.Request, error) {
	if conn.State().Terminal() {
		return nil, errors.Wrapf(ErrConnectionClosed, "connId %d", conn.ID())
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	body := p
	if conn.currentPhase() == cryptoEstablished {
		sealed, err := conn.session().Seal(p)
		if err != nil {
			return nil, err
		}
		body = sealed
	}

	id := conn.ID()
	seq := conn.seq.Next()
	send := func() error {
		return c.send(protocol.ContentTypeData, dataHeaders(id, seq), body, seq, id)
	}
	if wantReply {
		return c.pending.Create(int64(id), seq, send, c.cfg.RequestTimeout), nil
	}
	return nil, send()
}

// Request writes p on conn and waits for the Data frame that answers it.
func (c *Channel) Request(ctx context.Context, conn *Connection, p []byte) ([]byte, error) {
	if conn.streaming() {
		return nil, errors.Wrapf(ErrStreamingConn, "connId %d", conn.ID())
	}
	if err := conn.awaitWritable(ctx); err != nil {
		return nil, err
	}

	req, err := c.writeData(conn, p, true)
	if err != nil {
		return nil, err
	}
	reply, err := req.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if reply.ContentType != protocol.ContentTypeData {
		return nil, errors.Wrapf(ErrConnectionClosed, "connId %d answered with %s", conn.ID(), reply.ContentType)
	}
	return reply.Body, nil
}

func dataHeaders(connID uint32, seq int32) []protocol.Header {
	return []protocol.Header{
		protocol.IntHeader(protocol.HeaderConnID, int32(connID)),
		protocol.IntHeader(protocol.HeaderSeq, seq),
	}
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

// Close sends StateClosed for conn and forgets it.
func (c *Channel) Close(conn *Connection) error {
	return c.closeWithCause(conn, nil)
}

func (c *Channel) closeWithCause(conn *Connection, cause error) error {
	if conn.State().Terminal() {
		return nil
	}

	id := conn.ID()
	conn.writeMu.Lock()
	seq := conn.seq.Next()
	err := c.send(protocol.ContentTypeStateClosed, dataHeaders(id, seq), nil, seq, id)
	conn.writeMu.Unlock()

	c.retire(conn, cause)
	return err
}

// retire removes conn from the channel and marks it terminal. It never sends.
func (c *Channel) retire(conn *Connection, cause error) {
	id := conn.ID()
	c.conns.Remove(id)

	reason := cause
	if reason == nil {
		reason = errors.Wrapf(ErrConnectionClosed, "connId %d", id)
	}
	c.pending.Reject(int64(id), reason)

	prev := State(conn.state.Swap(int32(StateClosed)))
	if prev == StateTimedout {
		conn.setState(StateTimedout)
	}
	if prev == StateConnected {
		util.Stats.RemoveConn()
	}
	conn.finish(cause)
}

// closedByRouter handles StateClosed sent by the router for an established connection.
func (c *Channel) closedByRouter(conn *Connection) {
	c.log().WithField("connId", conn.ID()).Debugf("connection closed by router")
	c.retire(conn, errors.Wrapf(ErrConnectionClosed, "connId %d closed by router", conn.ID()))
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Shutdown closes every connection, fails every pending request and closes
// the TLS session and the transport.
func (c *Channel) Shutdown() error {
	return c.shutdown(nil)
}

func (c *Channel) shutdown(cause error) error {
	var result *multierror.Error

	c.closeOnce.Do(func() {
		wasConnected := c.State() == StateConnected
		if c.State() != StateTimedout {
			c.setState(StateClosed)
		}
		close(c.done)

		reason := errors.Wrapf(ErrChannelClosed, "channel %d", c.id)
		if cause != nil {
			reason = errors.Wrapf(ErrChannelClosed, "channel %d: %v", c.id, cause)
		}
		c.pending.RejectAll(reason)
		for _, conn := range c.conns.All() {
			c.retire(conn, reason)
		}

		if s := c.outer.Load(); s != nil {
			if err := s.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
				result = multierror.Append(result, err)
			}
		}
		if err := c.tr.Close(); err != nil {
			result = multierror.Append(result, err)
		}

		if wasConnected {
			util.Stats.RemoveChannel()
		}
		c.log().WithError(cause).Debugf("channel closed")
		c.publish(Event{Type: EventChannelClosed, Err: cause})
	})

	return result.ErrorOrNil()
}

// watchTransport shuts the channel down when the transport goes away.
func (c *Channel) watchTransport() {
	select {
	case <-c.tr.Done():
		_ = c.shutdown(errors.WithStack(transport.ErrClosed))
	case <-c.done:
	}
}

// ---------------------------------------------------------------------------
// Wire
// ---------------------------------------------------------------------------

// send marshals and writes one frame, through the outer TLS session when present.
func (c *Channel) send(ct protocol.ContentType, headers []protocol.Header, body []byte, seq int32, connID uint32) error {
	if c.IsClosed() {
		return errors.Wrapf(ErrChannelClosed, "channel %d", c.id)
	}

	msg := &protocol.Message{ContentType: ct, Sequence: seq, Headers: headers, Body: body}
	frame := msg.Marshal()

	var err error
	if s := c.outer.Load(); s != nil {
		_, err = s.Write(frame)
	} else {
		err = c.tr.Send(frame)
	}

	c.log().WithFields("connId", connID, "seq", seq, "contentType", ct).Debugf("sent %d bytes", len(frame))
	return errors.Wrapf(err, "send %s", ct)
}

// recvWire receives transport messages.
func (c *Channel) recvWire(p []byte) {
	if s := c.outer.Load(); s != nil {
		if err := s.ProcessInbound(p); err != nil {
			c.log().WithError(err).Debugf("dropping %d bytes after tls close", len(p))
		}
		return
	}
	c.recvPlaintext(p)
}

// pumpOuter moves the outer session's plaintext into the frame pipeline.
func (c *Channel) pumpOuter(s *tlssession.Session) {
	for {
		select {
		case p, ok := <-s.Plaintext():
			if !ok {
				cause := s.Err()
				if cause == nil {
					cause = errors.New("outer tls session ended")
				}
				_ = c.shutdown(cause)
				return
			}
			c.recvPlaintext(p)
		case <-c.done:
			return
		}
	}
}

// recvPlaintext feeds decrypted channel bytes to the reassembler and
// dispatches every complete message. A version mismatch closes the channel.
func (c *Channel) recvPlaintext(p []byte) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	msgs, err := c.reasm.Feed(p)
	for _, m := range msgs {
		c.dispatch(m)
	}
	if err != nil {
		c.log().WithError(err).Errorf("fatal protocol error")
		c.publish(Event{Type: EventProtocolError, Err: err})
		go func() { _ = c.shutdown(err) }()
	}
}
