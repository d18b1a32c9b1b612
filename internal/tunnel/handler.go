package tunnel

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/openziti/ziti-browzer-core-sub000/internal/edge"
	"github.com/openziti/ziti-browzer-core-sub000/internal/util"
)

const (
	MaxPayloadSize  = 16 * 1024 // bytes read from the local side per Data frame
	InboxBufferSize = 64        // edge → local chunks queued per bridge
)

// ErrInboxOverflow ends a bridge whose local side cannot keep up.
var ErrInboxOverflow = errors.New("local side too slow, inbox full")

// Bridge dials a connection to the forwarder's service and copies bytes
// between it and local until either side ends or ctx is cancelled. local is
// closed on return.
func (f *Forwarder) Bridge(ctx context.Context, tag uint32, local io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer local.Close()

	log := util.WithFields("socket", util.FormatTag(tag), "service", f.service)

	conn := f.dialer.NewConnection()
	inbox := make(chan []byte, InboxBufferSize)
	conn.OnData(func(p []byte) {
		select {
		case inbox <- p:
		default:
			// dropping a chunk would corrupt the stream
			cancel(ErrInboxOverflow)
		}
	})

	if err := f.dialer.Dial(ctx, conn, f.service); err != nil {
		return err
	}
	defer conn.Close()

	f.register(tag, conn)
	defer f.unregister(tag)
	log.WithField("connId", conn.ID()).Debugf("bridge established")

	go f.localToEdge(ctx, cancel, local, conn)

	for {
		select {
		case p := <-inbox:
			if _, err := local.Write(p); err != nil {
				return errors.Wrap(err, "local write")
			}
		case <-conn.Done():
			if err := conn.Err(); err != nil && !errors.Is(err, edge.ErrConnectionClosed) {
				return err
			}
			log.Debugf("closed by peer")
			return nil
		case <-ctx.Done():
			if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
	}
}

// localToEdge copies local reads into Data frames. It cancels the bridge
// when the local side ends or a write fails.
func (f *Forwarder) localToEdge(ctx context.Context, cancel context.CancelCauseFunc, local io.Reader, conn *edge.Connection) {
	defer cancel(nil)

	buf := make([]byte, MaxPayloadSize)
	for {
		n, err := local.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if werr := conn.WriteContext(ctx, payload); werr != nil {
				util.WithField("connId", conn.ID()).WithError(werr).Debugf("edge write failed")
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				util.WithField("connId", conn.ID()).WithError(err).Debugf("local read ended")
			}
			return
		}
	}
}
