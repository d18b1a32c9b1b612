package tunnel

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/openziti/ziti-browzer-core-sub000/internal/util"
)

// ListenAndServe accepts TCP connections on addr and bridges each one to
// the forwarder's service. It blocks until ctx is cancelled.
func (f *Forwarder) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return f.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled, then closes it.
func (f *Forwarder) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	util.WithFields("addr", ln.Addr().String(), "service", f.service).Infof("forwarder listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "accept")
			}
		}

		tag := util.ConnTag(conn)
		util.WithFields("socket", util.FormatTag(tag), "remote", conn.RemoteAddr().String()).Debugf("accepted")

		go func() {
			if err := f.Bridge(ctx, tag, conn); err != nil {
				util.WithField("socket", util.FormatTag(tag)).WithError(err).Warnf("bridge ended")
			}
		}()
	}
}
