package edge

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openziti/ziti-browzer-core-sub000/internal/pending"
	"github.com/openziti/ziti-browzer-core-sub000/internal/protocol"
	"github.com/openziti/ziti-browzer-core-sub000/internal/testutil"
	"github.com/openziti/ziti-browzer-core-sub000/internal/tlssession"
)

func waitEvent(t *testing.T, ch *Channel, typ EventType) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-ch.Events():
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return Event{}
		}
	}
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("not closed")
	}
}

func dial(t *testing.T, ch *Channel, opts ConnectionOptions) *Connection {
	t.Helper()
	conn := NewConnection(opts)
	require.NoError(t, ch.Connect(testContext(t), conn))
	return conn
}

// ---------------------------------------------------------------------------
// Hello
// ---------------------------------------------------------------------------

func TestHello(t *testing.T) {
	before := time.Now()
	ch, r := helloChannel(t, ChannelConfig{SessionToken: "tok", CallerID: "caller"}, nil)

	assert.Equal(t, StateConnected, ch.State())
	assert.False(t, ch.HelloCompletedAt().Before(before))

	hellos := r.framesOf(protocol.ContentTypeHello)
	require.Len(t, hellos, 1)
	hello := hellos[0]
	assert.Equal(t, int32(0), hello.Sequence)

	tok, ok := hello.Header(protocol.HeaderSessionToken)
	require.True(t, ok)
	assert.Equal(t, "tok", tok.Text())

	caller, ok := hello.Header(protocol.HeaderCallerID)
	require.True(t, ok)
	assert.Equal(t, "caller", caller.Text())

	version, err := hello.Int32Header(protocol.HeaderHelloVersion)
	require.NoError(t, err)
	assert.Equal(t, int32(2), version)

	id, ok := hello.Header(protocol.HeaderUUID)
	require.True(t, ok)
	assert.Len(t, id.Text(), 36)
}

func TestHelloIsIdempotent(t *testing.T) {
	ch, r := helloChannel(t, ChannelConfig{}, nil)
	require.NoError(t, ch.Hello(testContext(t)))
	assert.Len(t, r.framesOf(protocol.ContentTypeHello), 1)
}

func TestHelloRejected(t *testing.T) {
	ch, _ := newTestChannel(t, ChannelConfig{}, func(r *fakeRouter) { r.rejectHello = true })

	err := ch.Hello(testContext(t))
	require.ErrorIs(t, err, ErrHelloRejected)
	assert.Contains(t, err.Error(), "invalid session")
	waitClosed(t, ch.Done())
	assert.Equal(t, StateClosed, ch.State())
}

func TestHelloTimeout(t *testing.T) {
	ch, _ := newTestChannel(t, ChannelConfig{HelloTimeout: 50 * time.Millisecond}, func(r *fakeRouter) { r.ignoreHello = true })

	err := ch.Hello(testContext(t))
	require.ErrorIs(t, err, pending.ErrRequestTimeout)
	assert.Equal(t, StateTimedout, ch.State())
	waitEvent(t, ch, EventChannelClosed)

	require.ErrorIs(t, ch.Hello(testContext(t)), ErrChannelClosed)
}

func TestShutdownRejectsOutstandingHello(t *testing.T) {
	ch, _ := newTestChannel(t, ChannelConfig{}, func(r *fakeRouter) { r.ignoreHello = true })

	ctx := testContext(t)
	errCh := make(chan error, 1)
	go func() { errCh <- ch.Hello(ctx) }()

	require.Eventually(t, func() bool { return ch.pending.Len() == 1 }, waitTimeout, 5*time.Millisecond)
	require.NoError(t, ch.Shutdown())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(waitTimeout):
		t.Fatal("hello did not return")
	}
}

func TestConnectRequiresHello(t *testing.T) {
	ch, _ := newTestChannel(t, ChannelConfig{}, nil)
	err := ch.Connect(testContext(t), NewConnection(ConnectionOptions{ServiceName: "svc"}))
	require.ErrorIs(t, err, ErrChannelNotConnected)
}

// ---------------------------------------------------------------------------
// Connect
// ---------------------------------------------------------------------------

func TestConnectUnencrypted(t *testing.T) {
	ch, r := helloChannel(t, ChannelConfig{}, func(r *fakeRouter) { r.echo = true })

	conn := dial(t, ch, ConnectionOptions{ServiceName: "web", NetworkSessionToken: "net-session"})
	assert.Equal(t, StateConnected, conn.State())
	assert.False(t, conn.Encrypted())
	assert.Equal(t, 1, ch.Connections())

	connects := r.framesOf(protocol.ContentTypeConnect)
	require.Len(t, connects, 1)
	_, hasKey := connects[0].Header(protocol.HeaderPublicKey)
	assert.False(t, hasKey)
	assert.Equal(t, "net-session", string(connects[0].Body))
	assert.Empty(t, r.framesOf(protocol.ContentTypeData), "no crypto header exchange")

	got := newCollector(conn)
	_, err := conn.Write([]byte("hello"))
	require.NoError(t, err)

	d := r.nextData(t)
	assert.Equal(t, conn.ID(), d.connID)
	assert.Equal(t, "hello", string(d.body))
	assert.Equal(t, "HELLO", string(got.next(t)))
}

func TestConnectEncrypted(t *testing.T) {
	ch, r := helloChannel(t, ChannelConfig{}, func(r *fakeRouter) {
		r.encrypt = true
		r.echo = true
	})

	conn := NewConnection(ConnectionOptions{ServiceName: "db", EncryptionRequired: true})
	got := newCollector(conn)

	// issued before Connect; must leave only after the crypto header
	ctx := testContext(t)
	written := make(chan error, 1)
	go func() { written <- ch.Write(ctx, conn, []byte("early")) }()

	require.NoError(t, ch.Connect(testContext(t), conn))
	assert.True(t, conn.Encrypted())
	assert.True(t, conn.CryptoEstablished())

	connect := r.framesOf(protocol.ContentTypeConnect)[0]
	key, ok := connect.Header(protocol.HeaderPublicKey)
	require.True(t, ok)
	assert.Len(t, key.Bytes(), 32)

	header := r.nextData(t)
	assert.True(t, header.header)
	assert.Equal(t, int32(0), header.seq)

	require.NoError(t, <-written)
	early := r.nextData(t)
	assert.False(t, early.header)
	assert.Equal(t, int32(1), early.seq)
	assert.Equal(t, "early", string(early.body))

	assert.Equal(t, "EARLY", string(got.next(t)))

	for _, m := range r.framesOf(protocol.ContentTypeData)[1:] {
		assert.NotContains(t, string(m.Body), "early", "payload must be sealed on the wire")
	}
}

func TestConnectWithoutRouterKeyStaysPlain(t *testing.T) {
	ch, r := helloChannel(t, ChannelConfig{}, nil)

	conn := dial(t, ch, ConnectionOptions{ServiceName: "db", EncryptionRequired: true})
	assert.False(t, conn.Encrypted())
	assert.Empty(t, r.framesOf(protocol.ContentTypeData))
}

func TestConnectRejected(t *testing.T) {
	ch, _ := helloChannel(t, ChannelConfig{}, func(r *fakeRouter) { r.rejectConnect = "no terminators" })

	conn := NewConnection(ConnectionOptions{ServiceName: "web"})
	err := ch.Connect(testContext(t), conn)

	var failure *ConnectFailureError
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "web", failure.Service)
	assert.Equal(t, "no terminators", failure.Reason)

	ev := waitEvent(t, ch, EventConnectFailure)
	assert.Equal(t, "web", ev.Service)
	assert.Equal(t, conn.ID(), ev.ConnID)

	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, 0, ch.Connections())
	waitClosed(t, conn.Done())
}

func TestConnectionIDsAreUnique(t *testing.T) {
	ch, _ := helloChannel(t, ChannelConfig{}, nil)

	a := dial(t, ch, ConnectionOptions{ServiceName: "a"})
	b := dial(t, ch, ConnectionOptions{ServiceName: "b"})
	assert.NotEqual(t, a.ID(), b.ID())
	require.ErrorIs(t, ch.Connect(testContext(t), a), ErrAlreadyBound)
}

// ---------------------------------------------------------------------------
// Sequences
// ---------------------------------------------------------------------------

func TestControlAndDataSequencesAreSeparate(t *testing.T) {
	ch, r := helloChannel(t, ChannelConfig{}, nil)

	a := dial(t, ch, ConnectionOptions{ServiceName: "a"})
	b := dial(t, ch, ConnectionOptions{ServiceName: "b"})

	_, err := a.Write([]byte("a0"))
	require.NoError(t, err)
	_, err = a.Write([]byte("a1"))
	require.NoError(t, err)
	_, err = b.Write([]byte("b0"))
	require.NoError(t, err)

	seen := map[string]int32{}
	for i := 0; i < 3; i++ {
		d := r.nextData(t)
		seen[string(d.body)] = d.seq
	}
	assert.Equal(t, map[string]int32{"a0": 0, "a1": 1, "b0": 0}, seen)

	connects := r.framesOf(protocol.ContentTypeConnect)
	require.Len(t, connects, 2)
	assert.Equal(t, int32(1), connects[0].Sequence)
	assert.Equal(t, int32(2), connects[1].Sequence)
	assert.Equal(t, int32(3), ch.controlSeq.Current())
}

func TestCorrelateInfersZeroBodyReply(t *testing.T) {
	ch, _ := helloChannel(t, ChannelConfig{}, nil)
	conn := dial(t, ch, ConnectionOptions{ServiceName: "svc"})

	conn.Sequence().Next()
	conn.Sequence().Next()
	conn.Sequence().Next()

	connHeader := protocol.IntHeader(protocol.HeaderConnID, int32(conn.ID()))

	k := ch.correlate(&protocol.Message{ContentType: protocol.ContentTypeData, Headers: []protocol.Header{connHeader}})
	assert.True(t, k.inferred)
	assert.Equal(t, conn.Sequence().Current()-1, k.seq)
	assert.Equal(t, int32(2), k.seq)
	assert.Same(t, conn, k.conn)

	k = ch.correlate(&protocol.Message{
		ContentType: protocol.ContentTypeData,
		Headers:     []protocol.Header{connHeader, protocol.IntHeader(protocol.HeaderReplyFor, 7)},
	})
	assert.False(t, k.inferred)
	assert.Equal(t, int32(7), k.seq)

	k = ch.correlate(&protocol.Message{ContentType: protocol.ContentTypeData, Headers: []protocol.Header{connHeader}, Body: []byte("x")})
	assert.False(t, k.inferred)
	assert.Equal(t, int32(-1), k.seq)
}

// requestAsync starts conn.Request and returns a channel with its outcome.
func requestAsync(t *testing.T, conn *Connection, p []byte) <-chan requestResult {
	t.Helper()
	ctx := testContext(t)
	out := make(chan requestResult, 1)
	go func() {
		body, err := conn.Request(ctx, p)
		out <- requestResult{body: body, err: err}
	}()
	return out
}

type requestResult struct {
	body []byte
	err  error
}

func waitRequest(t *testing.T, out <-chan requestResult) requestResult {
	t.Helper()
	select {
	case res := <-out:
		return res
	case <-time.After(waitTimeout):
		t.Fatal("request did not complete")
		return requestResult{}
	}
}

func TestReplyForOtherSequenceDoesNotResolve(t *testing.T) {
	ch, r := helloChannel(t, ChannelConfig{}, nil)
	conn := dial(t, ch, ConnectionOptions{ServiceName: "svc"})

	out := requestAsync(t, conn, []byte("ping"))
	sent := r.nextData(t)
	require.Equal(t, int32(0), sent.seq)

	require.NoError(t, r.sendFrame(conn.ID(), 42, []byte("reply-for-42"), false))
	require.NoError(t, r.sendFrame(conn.ID(), sent.seq, []byte("answer"), false))

	res := waitRequest(t, out)
	require.NoError(t, res.err)
	assert.Equal(t, "answer", string(res.body))

	// the stray reply went to the data path instead
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.backlog, 1)
	assert.Equal(t, "reply-for-42", string(conn.backlog[0]))
}

func TestZeroBodyDataAnswersLastRequest(t *testing.T) {
	ch, r := helloChannel(t, ChannelConfig{}, nil)
	conn := dial(t, ch, ConnectionOptions{ServiceName: "svc"})

	out := requestAsync(t, conn, []byte("ping"))
	r.nextData(t)

	require.NoError(t, r.sendFrame(conn.ID(), -1, nil, false))
	res := waitRequest(t, out)
	require.NoError(t, res.err)
	assert.Empty(t, res.body)
}

// TestZeroBodyDataAfterLaterWrite verifies that an empty frame is taken as
// the reply to the last frame sent, not to an older outstanding request.
func TestZeroBodyDataAfterLaterWrite(t *testing.T) {
	ch, r := helloChannel(t, ChannelConfig{}, nil)
	conn := dial(t, ch, ConnectionOptions{ServiceName: "svc"})

	out := requestAsync(t, conn, []byte("ping"))
	first := r.nextData(t)
	require.NoError(t, conn.WriteContext(testContext(t), []byte("more")))
	assert.Equal(t, int32(1), r.nextData(t).seq)

	require.NoError(t, r.sendFrame(conn.ID(), -1, nil, false))
	require.NoError(t, r.sendFrame(conn.ID(), first.seq, []byte("late"), false))

	res := waitRequest(t, out)
	require.NoError(t, res.err)
	assert.Equal(t, "late", string(res.body))
}

func TestEmptyDataBeforePeerHeaderIsIgnored(t *testing.T) {
	ch, _ := helloChannel(t, ChannelConfig{}, func(r *fakeRouter) {
		r.encrypt = true
		r.echo = true
		r.keepalive = true
	})

	conn := dial(t, ch, ConnectionOptions{ServiceName: "api", EncryptionRequired: true})
	assert.True(t, conn.CryptoEstablished())

	reply, err := conn.Request(testContext(t), []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "PING", string(reply))
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

func TestRequestResponse(t *testing.T) {
	ch, _ := helloChannel(t, ChannelConfig{}, func(r *fakeRouter) {
		r.encrypt = true
		r.echo = true
	})

	conn := dial(t, ch, ConnectionOptions{ServiceName: "api", EncryptionRequired: true})
	reply, err := conn.Request(testContext(t), []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "PING", string(reply))

	newCollector(conn)
	_, err = conn.Request(testContext(t), []byte("ping"))
	require.ErrorIs(t, err, ErrStreamingConn)
}

func TestDataBeforeCallbackIsKept(t *testing.T) {
	ch, r := helloChannel(t, ChannelConfig{}, nil)
	conn := dial(t, ch, ConnectionOptions{ServiceName: "svc"})

	require.NoError(t, r.sendFrame(conn.ID(), -1, []byte("one"), false))
	require.NoError(t, r.sendFrame(conn.ID(), -1, []byte("two"), false))
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.backlog) == 2
	}, waitTimeout, 5*time.Millisecond)

	got := newCollector(conn)
	assert.Equal(t, "one", string(got.next(t)))
	assert.Equal(t, "two", string(got.next(t)))
}

func TestWriteOnClosedConnection(t *testing.T) {
	ch, _ := helloChannel(t, ChannelConfig{}, nil)
	conn := dial(t, ch, ConnectionOptions{ServiceName: "svc"})
	require.NoError(t, conn.Close())

	_, err := conn.Write([]byte("late"))
	require.ErrorIs(t, err, ErrConnectionClosed)
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestCloseSendsStateClosed(t *testing.T) {
	ch, r := helloChannel(t, ChannelConfig{}, nil)
	conn := dial(t, ch, ConnectionOptions{ServiceName: "svc"})
	_, err := conn.Write([]byte("x"))
	require.NoError(t, err)
	r.nextData(t)

	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, 0, ch.Connections())
	require.NoError(t, conn.Close(), "second close is a no-op")

	require.Eventually(t, func() bool {
		return len(r.framesOf(protocol.ContentTypeStateClosed)) == 1
	}, waitTimeout, 5*time.Millisecond)
	closed := r.framesOf(protocol.ContentTypeStateClosed)[0]
	id, _ := closed.ConnID()
	assert.Equal(t, conn.ID(), id)
	assert.Equal(t, int32(1), closed.Sequence)
	assert.NoError(t, conn.Err())
}

func TestRouterClosesConnection(t *testing.T) {
	ch, r := helloChannel(t, ChannelConfig{}, nil)
	conn := dial(t, ch, ConnectionOptions{ServiceName: "svc"})

	r.closeConn(conn.ID())
	waitClosed(t, conn.Done())
	assert.Equal(t, StateClosed, conn.State())
	assert.ErrorIs(t, conn.Err(), ErrConnectionClosed)
	assert.Equal(t, 0, ch.Connections())
}

func TestRouterClosesConnectionDuringRequest(t *testing.T) {
	ch, r := helloChannel(t, ChannelConfig{}, nil)
	conn := dial(t, ch, ConnectionOptions{ServiceName: "svc"})

	out := requestAsync(t, conn, []byte("ping"))
	r.nextData(t)
	r.closeConn(conn.ID())

	res := waitRequest(t, out)
	require.ErrorIs(t, res.err, ErrConnectionClosed)

	waitClosed(t, conn.Done())
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, 0, ch.Connections())

	_, err := conn.Write([]byte("late"))
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestShutdownClosesConnections(t *testing.T) {
	ch, _ := helloChannel(t, ChannelConfig{}, nil)
	conn := dial(t, ch, ConnectionOptions{ServiceName: "svc"})

	require.NoError(t, ch.Shutdown())
	waitClosed(t, conn.Done())
	assert.ErrorIs(t, conn.Err(), ErrChannelClosed)
	assert.Equal(t, StateClosed, ch.State())
	waitEvent(t, ch, EventChannelClosed)
}

func TestTransportLossShutsDownChannel(t *testing.T) {
	ch, r := helloChannel(t, ChannelConfig{}, nil)
	require.NoError(t, r.tr.Close())
	waitClosed(t, ch.Done())
}

func TestVersionMismatchShutsDownChannel(t *testing.T) {
	ch, r := helloChannel(t, ChannelConfig{}, nil)
	conn := dial(t, ch, ConnectionOptions{ServiceName: "svc"})

	bogus := make([]byte, protocol.MessageHeaderSize)
	copy(bogus, "HTTP")
	require.NoError(t, r.tr.toClient(bogus))

	ev := waitEvent(t, ch, EventProtocolError)
	assert.ErrorIs(t, ev.Err, protocol.ErrProtocolVersionMismatch)
	waitClosed(t, ch.Done())
	waitClosed(t, conn.Done())
}

// ---------------------------------------------------------------------------
// TLS
// ---------------------------------------------------------------------------

func TestOuterTLS(t *testing.T) {
	pki := testutil.NewPKI(t)
	ch, r := helloChannel(t, ChannelConfig{TLS: pki.ClientConfig(), TLSSettleDelay: -1}, func(r *fakeRouter) {
		r.outerTLS = pki.ServerConfig()
		r.echo = true
	})

	conn := dial(t, ch, ConnectionOptions{ServiceName: "svc"})
	got := newCollector(conn)
	_, err := conn.Write([]byte("through tls"))
	require.NoError(t, err)

	assert.Equal(t, "through tls", string(r.nextData(t).body))
	assert.Equal(t, "THROUGH TLS", string(got.next(t)))
}

func TestOuterTLSHandshakeTimeout(t *testing.T) {
	pki := testutil.NewPKI(t)
	cfg := ChannelConfig{TLS: pki.ClientConfig(), TLSHandshakeTimeout: 50 * time.Millisecond}
	ch, _ := newTestChannel(t, cfg, func(r *fakeRouter) { r.blackhole = true })

	err := ch.Hello(testContext(t))
	require.ErrorIs(t, err, tlssession.ErrHandshakeTimeout)

	var hsErr *tlssession.HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.False(t, hsErr.Inner)

	ev := waitEvent(t, ch, EventHandshakeTimeout)
	assert.False(t, ev.Inner)
	assert.Equal(t, StateTimedout, ch.State())
}

func TestInnerTLSOverEncryptedConnection(t *testing.T) {
	pki := testutil.NewPKI(t)
	ch, r := helloChannel(t, ChannelConfig{}, func(r *fakeRouter) {
		r.encrypt = true
		r.innerTLS = pki.ServerConfig()
	})

	conn := dial(t, ch, ConnectionOptions{ServiceName: "https", EncryptionRequired: true})
	assert.True(t, r.nextData(t).header)

	got := newCollector(conn)
	require.NoError(t, conn.AttachInnerTLS(testContext(t), tlssession.Config{TLS: pki.ClientConfig(), SettleDelay: -1}))

	_, state := conn.innerSession()
	assert.Equal(t, innerConnected, state)

	_, err := conn.Write([]byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, "secret", string(r.nextData(t).body))
	assert.Equal(t, "SECRET", string(got.next(t)))

	err = conn.AttachInnerTLS(testContext(t), tlssession.Config{TLS: pki.ClientConfig()})
	require.ErrorIs(t, err, ErrInnerTLSAttached)
}

func TestInnerTLSHandshakeTimeout(t *testing.T) {
	pki := testutil.NewPKI(t)
	ch, _ := helloChannel(t, ChannelConfig{}, nil)
	conn := dial(t, ch, ConnectionOptions{ServiceName: "https"})

	err := conn.AttachInnerTLS(testContext(t), tlssession.Config{TLS: pki.ClientConfig(), HandshakeTimeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, tlssession.ErrHandshakeTimeout)

	ev := waitEvent(t, ch, EventHandshakeTimeout)
	assert.True(t, ev.Inner)
	assert.Equal(t, conn.ID(), ev.ConnID)
	waitClosed(t, conn.Done())
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

func TestRoute(t *testing.T) {
	tests := []struct {
		state  innerState
		origin writeOrigin
		want   Route
	}{
		{innerNone, originApp, RoutePlain},
		{innerHandshaking, originApp, RouteAwaitInner},
		{innerConnected, originApp, RouteAwaitInner},
		{innerNone, originInnerTLS, RouteInnerReady},
		{innerHandshaking, originInnerTLS, RouteInnerReady},
		{innerConnected, originInnerTLS, RouteInnerReady},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, route(tt.state, tt.origin))
		})
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	a, b := NewConnection(ConnectionOptions{}), NewConnection(ConnectionOptions{})
	a.id.Store(1)
	b.id.Store(2)

	reg.Save(a)
	reg.Save(b)
	assert.Equal(t, 2, reg.Len())

	got, ok := reg.Get(1)
	require.True(t, ok)
	assert.Same(t, a, got)

	assert.True(t, reg.Remove(1))
	assert.False(t, reg.Remove(1))
	_, ok = reg.Get(1)
	assert.False(t, ok)
	assert.Len(t, reg.All(), 1)
}
