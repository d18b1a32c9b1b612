package edge

import (
	"bytes"
	"context"
	"crypto/tls"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openziti/ziti-browzer-core-sub000/internal/e2ee"
	"github.com/openziti/ziti-browzer-core-sub000/internal/protocol"
	"github.com/openziti/ziti-browzer-core-sub000/internal/tlssession"
	"github.com/openziti/ziti-browzer-core-sub000/internal/transport"
)

const waitTimeout = 3 * time.Second

// ---------------------------------------------------------------------------
// mockTransport
// ---------------------------------------------------------------------------

// mockTransport hands sent bytes to a test peer and delivers the peer's
// bytes from its own goroutine, in order.
type mockTransport struct {
	mu      sync.Mutex
	handler func([]byte)
	openErr error

	sent  chan []byte
	inbox chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newMockTransport() *mockTransport {
	m := &mockTransport{
		sent:  make(chan []byte, 256),
		inbox: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	go m.deliverLoop()
	return m
}

func (m *mockTransport) Open(context.Context) error { return m.openErr }

func (m *mockTransport) Send(p []byte) error {
	select {
	case <-m.done:
		return transport.ErrClosed
	default:
	}
	b := make([]byte, len(p))
	copy(b, p)
	select {
	case m.sent <- b:
		return nil
	case <-m.done:
		return transport.ErrClosed
	}
}

func (m *mockTransport) OnMessage(fn func([]byte)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

func (m *mockTransport) Done() <-chan struct{} { return m.done }

func (m *mockTransport) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// toClient queues p for delivery to the channel.
func (m *mockTransport) toClient(p []byte) error {
	select {
	case m.inbox <- p:
		return nil
	case <-m.done:
		return transport.ErrClosed
	}
}

func (m *mockTransport) deliverLoop() {
	for {
		select {
		case p := <-m.inbox:
			m.mu.Lock()
			fn := m.handler
			m.mu.Unlock()
			if fn != nil {
				fn(p)
			}
		case <-m.done:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// fakeRouter
// ---------------------------------------------------------------------------

// routerData is one Data frame as seen by the router, after decryption.
type routerData struct {
	connID uint32
	seq    int32
	body   []byte
	header bool // the frame carried the client's stream header
}

type routerConn struct {
	id           uint32
	cs           *e2ee.Session
	inboundReady bool
	inner        *tlssession.Session
}

// fakeRouter answers Hello and Connect and records the frames it receives.
type fakeRouter struct {
	t  *testing.T
	tr *mockTransport

	blackhole     bool // drop everything the client sends
	rejectHello   bool
	ignoreHello   bool
	rejectConnect string
	encrypt       bool
	echo          bool
	keepalive     bool // send an empty Data frame ahead of the stream header
	outerTLS      *tls.Config
	innerTLS      *tls.Config

	outer *tlssession.Session
	reasm *protocol.Reassembler

	sendMu sync.Mutex
	mu     sync.Mutex
	frames []*protocol.Message
	conns  map[uint32]*routerConn

	data chan routerData
}

func newFakeRouter(t *testing.T, tr *mockTransport) *fakeRouter {
	return &fakeRouter{
		t:     t,
		tr:    tr,
		reasm: protocol.NewReassembler(),
		conns: make(map[uint32]*routerConn),
		data:  make(chan routerData, 64),
	}
}

// start runs the router until the transport closes.
func (r *fakeRouter) start() {
	if r.outerTLS != nil {
		r.outer = tlssession.New(tlssession.Config{TLS: r.outerTLS, Server: true, SettleDelay: -1}, r.tr.toClient)
		go func() {
			if err := r.outer.Handshake(context.Background()); err != nil {
				return
			}
			for p := range r.outer.Plaintext() {
				r.handleBytes(p)
			}
		}()
	}

	go func() {
		for {
			select {
			case p := <-r.tr.sent:
				if r.blackhole {
					continue
				}
				if r.outer != nil {
					_ = r.outer.ProcessInbound(p)
					continue
				}
				r.handleBytes(p)
			case <-r.tr.done:
				if r.outer != nil {
					_ = r.outer.Close()
				}
				return
			}
		}
	}()
}

func (r *fakeRouter) handleBytes(p []byte) {
	msgs, err := r.reasm.Feed(p)
	if err != nil {
		r.t.Errorf("router: %v", err)
		return
	}
	for _, m := range msgs {
		r.mu.Lock()
		r.frames = append(r.frames, m)
		r.mu.Unlock()
		r.handle(m)
	}
}

func (r *fakeRouter) handle(m *protocol.Message) {
	switch m.ContentType {
	case protocol.ContentTypeHello:
		r.handleHello(m)
	case protocol.ContentTypeConnect:
		r.handleConnect(m)
	case protocol.ContentTypeData:
		r.handleData(m)
	}
}

func (r *fakeRouter) handleHello(m *protocol.Message) {
	if r.ignoreHello {
		return
	}
	ok := byte(1)
	var body []byte
	if r.rejectHello {
		ok, body = 0, []byte("invalid session")
	}
	r.send(&protocol.Message{
		ContentType: protocol.ContentTypeResult,
		Headers: []protocol.Header{
			protocol.IntHeader(protocol.HeaderReplyFor, m.Sequence),
			protocol.BytesHeader(protocol.HeaderResultSuccess, []byte{ok}),
		},
		Body: body,
	})
}

func (r *fakeRouter) handleConnect(m *protocol.Message) {
	id, _ := m.ConnID()
	replyHeaders := []protocol.Header{
		protocol.IntHeader(protocol.HeaderConnID, int32(id)),
		protocol.IntHeader(protocol.HeaderReplyFor, m.Sequence),
	}

	if r.rejectConnect != "" {
		r.send(&protocol.Message{ContentType: protocol.ContentTypeStateClosed, Headers: replyHeaders, Body: []byte(r.rejectConnect)})
		return
	}

	rc := &routerConn{id: id}
	var streamHeader []byte
	if pk, ok := m.Header(protocol.HeaderPublicKey); ok && r.encrypt {
		cs, err := e2ee.New()
		if err != nil {
			r.t.Errorf("router: %v", err)
			return
		}
		if err := cs.DeriveServer(pk.Bytes()); err != nil {
			r.t.Errorf("router: %v", err)
			return
		}
		if streamHeader, err = cs.InitOutbound(); err != nil {
			r.t.Errorf("router: %v", err)
			return
		}
		rc.cs = cs
		replyHeaders = append(replyHeaders, protocol.BytesHeader(protocol.HeaderPublicKey, cs.PublicKey()))
	}

	r.mu.Lock()
	r.conns[id] = rc
	r.mu.Unlock()

	r.send(&protocol.Message{ContentType: protocol.ContentTypeStateConnected, Headers: replyHeaders})
	if streamHeader != nil {
		if r.keepalive {
			_ = r.sendFrame(id, -1, nil, false)
		}
		_ = r.sendFrame(id, -1, streamHeader, false)
	}

	if r.innerTLS != nil {
		rc.inner = tlssession.New(tlssession.Config{TLS: r.innerTLS, Server: true, Inner: true, SettleDelay: -1},
			func(p []byte) error { return r.sendFrame(id, -1, p, true) })
		go func() {
			if err := rc.inner.Handshake(context.Background()); err != nil {
				return
			}
			for p := range rc.inner.Plaintext() {
				r.data <- routerData{connID: id, body: p}
				_, _ = rc.inner.Write(bytes.ToUpper(p))
			}
		}()
	}
}

func (r *fakeRouter) handleData(m *protocol.Message) {
	id, _ := m.ConnID()
	r.mu.Lock()
	rc := r.conns[id]
	r.mu.Unlock()
	if rc == nil {
		return
	}

	body := m.Body
	if rc.cs != nil {
		if !rc.inboundReady {
			if err := rc.cs.InitInbound(body); err != nil {
				r.t.Errorf("router: %v", err)
				return
			}
			rc.inboundReady = true
			r.data <- routerData{connID: id, seq: m.Sequence, header: true}
			return
		}
		plain, err := rc.cs.Open(body)
		if err != nil {
			r.t.Errorf("router: %v", err)
			return
		}
		body = plain
	}

	if rc.inner != nil {
		_ = rc.inner.ProcessInbound(body)
		return
	}

	r.data <- routerData{connID: id, seq: m.Sequence, body: body}
	if r.echo {
		_ = r.sendFrame(id, m.Sequence, bytes.ToUpper(body), true)
	}
}

// sendFrame sends a Data frame for connection id, sealing p when the
// connection is encrypted and seal is set. A negative replyFor omits ReplyFor.
func (r *fakeRouter) sendFrame(id uint32, replyFor int32, p []byte, seal bool) error {
	r.mu.Lock()
	rc := r.conns[id]
	r.mu.Unlock()

	headers := []protocol.Header{protocol.IntHeader(protocol.HeaderConnID, int32(id))}
	if replyFor >= 0 {
		headers = append(headers, protocol.IntHeader(protocol.HeaderReplyFor, replyFor))
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	body := p
	if seal && rc != nil && rc.cs != nil {
		sealed, err := rc.cs.Seal(p)
		if err != nil {
			return err
		}
		body = sealed
	}
	return r.sendLocked(&protocol.Message{ContentType: protocol.ContentTypeData, Headers: headers, Body: body})
}

func (r *fakeRouter) send(m *protocol.Message) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if err := r.sendLocked(m); err != nil {
		r.t.Logf("router send: %v", err)
	}
}

func (r *fakeRouter) sendLocked(m *protocol.Message) error {
	frame := m.Marshal()
	if r.outer != nil {
		_, err := r.outer.Write(frame)
		return err
	}
	return r.tr.toClient(frame)
}

// closeConn sends StateClosed for id without a ReplyFor.
func (r *fakeRouter) closeConn(id uint32) {
	r.send(&protocol.Message{
		ContentType: protocol.ContentTypeStateClosed,
		Headers:     []protocol.Header{protocol.IntHeader(protocol.HeaderConnID, int32(id))},
	})
}

// received returns the content types seen so far, in order.
func (r *fakeRouter) received() []protocol.ContentType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.ContentType, 0, len(r.frames))
	for _, m := range r.frames {
		out = append(out, m.ContentType)
	}
	return out
}

func (r *fakeRouter) framesOf(ct protocol.ContentType) []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Message
	for _, m := range r.frames {
		if m.ContentType == ct {
			out = append(out, m)
		}
	}
	return out
}

func (r *fakeRouter) nextData(t *testing.T) routerData {
	t.Helper()
	select {
	case d := <-r.data:
		return d
	case <-time.After(waitTimeout):
		t.Fatal("router received no data")
		return routerData{}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// newTestChannel wires a channel to a started fake router. configure runs
// before the router starts.
func newTestChannel(t *testing.T, cfg ChannelConfig, configure func(*fakeRouter)) (*Channel, *fakeRouter) {
	t.Helper()
	tr := newMockTransport()
	r := newFakeRouter(t, tr)
	if configure != nil {
		configure(r)
	}
	r.start()

	if cfg.SessionToken == "" {
		cfg.SessionToken = "api-session"
	}
	if cfg.HelloTimeout == 0 {
		cfg.HelloTimeout = waitTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = waitTimeout
	}
	ch := NewChannel(1, "wss://router.test", tr, cfg)
	t.Cleanup(func() { _ = ch.Shutdown() })
	return ch, r
}

func helloChannel(t *testing.T, cfg ChannelConfig, configure func(*fakeRouter)) (*Channel, *fakeRouter) {
	t.Helper()
	ch, r := newTestChannel(t, cfg, configure)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, ch.Hello(ctx))
	return ch, r
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

// collector gathers streamed connection data.
type collector struct {
	ch chan []byte
}

func newCollector(conn *Connection) *collector {
	c := &collector{ch: make(chan []byte, 64)}
	conn.OnData(func(p []byte) { c.ch <- p })
	return c
}

func (c *collector) next(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-c.ch:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("no data delivered")
		return nil
	}
}
