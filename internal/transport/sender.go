package transport

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/openziti/ziti-browzer-core-sub000/internal/util"
)

const sendBufferSize = 64 // outgoing message channel capacity

// sender serializes all writes to a single WebSocket connection. gorilla
// connections allow only one concurrent writer.
type sender struct {
	inbox chan []byte
}

// newSender starts the background loop. The loop exits when ctx is
// cancelled; a write error cancels ctx through cancel.
func newSender(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, size int) *sender {
	s := &sender{
		inbox: make(chan []byte, size),
	}
	go s.loop(ctx, cancel, conn)
	return s
}

// loop is the single-writer goroutine.
func (s *sender) loop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	for {
		select {
		case p := <-s.inbox:
			if err := conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
				util.Log().WithError(err).Errorf("failed to send %d bytes", len(p))
				cancel()
				return
			}
			util.Stats.AddSent(len(p))

		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a message. It blocks while the buffer is full and fails once
// ctx is cancelled.
func (s *sender) send(ctx context.Context, p []byte) error {
	if ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.inbox <- p:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ErrClosed)
	}
}
