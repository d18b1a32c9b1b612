package tunnel

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openziti/ziti-browzer-core-sub000/internal/dial"
	"github.com/openziti/ziti-browzer-core-sub000/internal/edge"
	"github.com/openziti/ziti-browzer-core-sub000/internal/testutil"
)

func newForwarder(t *testing.T) *Forwarder {
	t.Helper()
	router := testutil.NewEdgeRouter(t)
	zc := dial.New(dial.NewStaticDirectory(dial.Service{
		Name: "echo",
		Session: dial.NetworkSession{
			Token:       "net",
			EdgeRouters: []dial.EdgeRouter{{Name: "er1", URL: router.URL}},
		},
	}), dial.Options{Channel: edge.ChannelConfig{SessionToken: "api"}})
	t.Cleanup(func() { _ = zc.Close() })
	return NewForwarder(zc, "echo")
}

func serve(t *testing.T, f *Forwarder) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return ln.Addr()
}

func readN(t *testing.T, r io.Reader, n int) string {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestForwarderBridgesTCP(t *testing.T) {
	f := newForwarder(t)
	addr := serve(t, f)

	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = c.Write([]byte("hello edge"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO EDGE", readN(t, c, len("hello edge")))
	assert.Equal(t, 1, f.Active())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return f.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestForwarderServesManySockets(t *testing.T) {
	f := newForwarder(t)
	addr := serve(t, f)

	conns := make([]net.Conn, 3)
	for i := range conns {
		c, err := net.Dial("tcp", addr.String())
		require.NoError(t, err)
		require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
		conns[i] = c
		t.Cleanup(func() { _ = c.Close() })
	}

	for i, c := range conns {
		msg := []string{"one", "two", "six"}[i]
		_, err := c.Write([]byte(msg))
		require.NoError(t, err)
	}
	assert.Equal(t, "ONE", readN(t, conns[0], 3))
	assert.Equal(t, "TWO", readN(t, conns[1], 3))
	assert.Equal(t, "SIX", readN(t, conns[2], 3))
	assert.Equal(t, 3, f.Active())
}

func TestBridgeUnknownServiceClosesLocal(t *testing.T) {
	f := newForwarder(t)
	f.service = "missing"

	local, remote := net.Pipe()
	err := f.Bridge(context.Background(), 1, local)
	require.ErrorIs(t, err, dial.ErrServiceNotFound)

	_, err = remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestBridgeEndsWithContext(t *testing.T) {
	f := newForwarder(t)
	local, remote := net.Pipe()
	defer remote.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Bridge(ctx, 7, local) }()

	require.Eventually(t, func() bool { return f.Active() == 1 }, 5*time.Second, 10*time.Millisecond)
	conn, ok := f.Lookup(7)
	require.True(t, ok)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not end")
	}
	assert.Equal(t, edge.StateClosed, conn.State())
	assert.Equal(t, 0, f.Active())
}
