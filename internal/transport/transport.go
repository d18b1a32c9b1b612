// Package transport carries raw edge frames between this process and an edge
// router. The WebSocket transport is the only production implementation.
package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/openziti/ziti-browzer-core-sub000/internal/util"
)

// ErrClosed is returned by Send after the transport has shut down.
var ErrClosed = errors.New("transport closed")

// Transport is a message-oriented link to one edge router. Every inbound
// message is handed to the OnMessage callback in arrival order; a message
// may hold part of a frame or several frames.
type Transport interface {
	// Open connects. The OnMessage callback must be registered first.
	Open(ctx context.Context) error
	Send(p []byte) error
	OnMessage(fn func([]byte))
	// Done is closed once the link is gone, for whatever reason.
	Done() <-chan struct{}
	Close() error
}

// Options tunes a WebSocket transport. Zero values select the defaults.
type Options struct {
	HandshakeTimeout time.Duration
	TLSClientConfig  *tls.Config
	Header           http.Header
	SendBuffer       int
}

const defaultHandshakeTimeout = 10 * time.Second

// WebSocket is a Transport over a single binary WebSocket connection.
//
// Its lifecycle is governed by the connection and the context created at
// construction time: a read error, a write error or Close cancels it.
type WebSocket struct {
	url  string
	opts Options

	conn       *websocket.Conn
	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	handler func([]byte)

	openOnce  sync.Once
	openErr   error
	closeOnce sync.Once
}

// NewWebSocket creates an unopened transport for url (ws:// or wss://).
func NewWebSocket(url string, opts Options) *WebSocket {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = sendBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		url:        url,
		opts:       opts,
		openSignal: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Open dials the router. Calling it again returns the first result.
func (w *WebSocket) Open(ctx context.Context) error {
	w.openOnce.Do(func() {
		w.openErr = w.open(ctx)
	})
	return w.openErr
}

func (w *WebSocket) open(ctx context.Context) error {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: w.opts.HandshakeTimeout,
		TLSClientConfig:  w.opts.TLSClientConfig,
	}

	conn, _, err := dialer.DialContext(ctx, w.url, w.opts.Header)
	if err != nil {
		w.cancel()
		return errors.Wrapf(err, "failed to connect to %s", w.url)
	}
	w.conn = conn

	// Start the single writer and the reader.
	w.sender = newSender(w.ctx, w.cancel, conn, w.opts.SendBuffer)
	close(w.openSignal)
	go w.readLoop()

	util.WithField("url", w.url).Debugf("websocket connected")
	return nil
}

// Ready returns a channel that is closed when the connection is established.
func (w *WebSocket) Ready() <-chan struct{} {
	return w.openSignal
}

// Done returns a channel that is closed when the transport shuts down.
func (w *WebSocket) Done() <-chan struct{} {
	return w.ctx.Done()
}

// Close sends a close frame and tears the connection down.
func (w *WebSocket) Close() error {
	var result *multierror.Error
	w.closeOnce.Do(func() {
		w.cancel()
		select {
		case <-w.openSignal:
		default:
			return
		}

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) {
			result = multierror.Append(result, err)
		}
		if err := w.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	})
	return result.ErrorOrNil()
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send queues p as one binary message.
func (w *WebSocket) Send(p []byte) error {
	select {
	case <-w.openSignal:
	default:
		return errors.Wrap(ErrClosed, "not open")
	}
	return w.sender.send(w.ctx, p)
}

// OnMessage registers the callback for inbound messages.
func (w *WebSocket) OnMessage(fn func([]byte)) {
	w.mu.Lock()
	w.handler = fn
	w.mu.Unlock()
}

func (w *WebSocket) readLoop() {
	defer w.cancel()

	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.ctx.Done():
			default:
				util.WithField("url", w.url).WithError(err).Debugf("websocket read ended")
			}
			return
		}
		if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
			continue
		}

		util.Stats.AddRecv(len(data))

		w.mu.RLock()
		fn := w.handler
		w.mu.RUnlock()
		if fn != nil {
			fn(data)
		}
	}
}
