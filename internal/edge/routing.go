package edge

import (
	"context"

	"github.com/pkg/errors"

	"github.com/openziti/ziti-browzer-core-sub000/internal/tlssession"
)

// Route tells the write path where outbound bytes go.
type Route int

const (
	// RoutePlain: application bytes become a Data frame directly.
	RoutePlain Route = iota
	// RouteAwaitInner: application bytes are encrypted by the inner TLS session first.
	RouteAwaitInner
	// RouteInnerReady: the bytes are inner TLS records and become a Data frame directly.
	RouteInnerReady
)

func (r Route) String() string {
	switch r {
	case RoutePlain:
		return "plain"
	case RouteAwaitInner:
		return "await-inner"
	case RouteInnerReady:
		return "inner-ready"
	default:
		return "unknown"
	}
}

type innerState int32

const (
	innerNone innerState = iota
	innerHandshaking
	innerConnected
)

type writeOrigin int

const (
	originApp writeOrigin = iota
	originInnerTLS
)

// route derives the write route from the connection's inner TLS state and
// where the bytes came from.
func route(state innerState, origin writeOrigin) Route {
	if origin == originInnerTLS {
		return RouteInnerReady
	}
	if state == innerNone {
		return RoutePlain
	}
	return RouteAwaitInner
}

func (c *Connection) innerSession() (*tlssession.Session, innerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner, c.innerSt
}

func (c *Connection) setInner(s *tlssession.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inner != nil {
		return false
	}
	c.inner = s
	c.innerSt = innerHandshaking
	return true
}

func (c *Connection) setInnerState(st innerState) {
	c.mu.Lock()
	c.innerSt = st
	c.mu.Unlock()
}

// writeInner encrypts p with the inner session once its handshake is done.
func (c *Connection) writeInner(ctx context.Context, s *tlssession.Session, p []byte) error {
	select {
	case <-s.Connected():
	case <-c.done:
		return errors.Wrapf(ErrConnectionClosed, "connId %d", c.ID())
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err := s.Write(p)
	return err
}

// ---------------------------------------------------------------------------
// Inner TLS
// ---------------------------------------------------------------------------

// AttachInnerTLS starts a TLS client session carried in conn's Data frames
// and waits for its handshake.
func (c *Channel) AttachInnerTLS(ctx context.Context, conn *Connection, cfg tlssession.Config) error {
	if err := conn.awaitWritable(ctx); err != nil {
		return err
	}

	cfg.Inner = true
	s := tlssession.New(cfg, func(records []byte) error {
		return c.writeRouted(context.Background(), conn, records, originInnerTLS)
	})
	if !conn.setInner(s) {
		return errors.Wrapf(ErrInnerTLSAttached, "connId %d", conn.ID())
	}

	go c.pumpInner(conn, s)

	log := c.log().WithField("connId", conn.ID())
	if err := s.Handshake(ctx); err != nil {
		if errors.Is(err, tlssession.ErrHandshakeTimeout) {
			c.publish(Event{Type: EventHandshakeTimeout, ConnID: conn.ID(), Service: conn.ServiceName(), Inner: true, Err: err})
		}
		log.WithError(err).Warnf("inner tls handshake failed")
		_ = c.closeWithCause(conn, err)
		return err
	}

	conn.setInnerState(innerConnected)
	log.Debugf("inner tls connected")
	return nil
}

// pumpInner moves the inner session's plaintext to the data callback.
func (c *Channel) pumpInner(conn *Connection, s *tlssession.Session) {
	for {
		select {
		case p, ok := <-s.Plaintext():
			if !ok {
				if err := s.Err(); err != nil {
					c.log().WithField("connId", conn.ID()).WithError(err).Debugf("inner tls read ended")
				}
				return
			}
			conn.deliver(p)
		case <-conn.Done():
			return
		}
	}
}
