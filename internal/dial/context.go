// Package dial connects edge connections to services: it looks the service
// up, elects an edge router, reuses or opens the channel to it and sends
// Connect.
package dial

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/openziti/ziti-browzer-core-sub000/internal/edge"
	"github.com/openziti/ziti-browzer-core-sub000/internal/transport"
	"github.com/openziti/ziti-browzer-core-sub000/internal/util"
)

var ErrContextClosed = errors.New("dial context closed")

// TransportFactory creates the (unopened) transport for a router.
type TransportFactory func(router EdgeRouter) transport.Transport

// Options configures a Context.
type Options struct {
	// Channel is applied to every channel. Its SessionToken also keys the
	// channel cache.
	Channel   edge.ChannelConfig
	Transport transport.Options

	// NewTransport defaults to a WebSocket transport built from Transport.
	NewTransport TransportFactory
}

// Context owns the channels used to dial services.
type Context struct {
	dir  ServiceDirectory
	opts Options

	group    singleflight.Group
	mu       sync.Mutex
	channels map[string]*edge.Channel
	closed   bool

	nextChannelID atomic.Uint32
}

func New(dir ServiceDirectory, opts Options) *Context {
	if opts.NewTransport == nil {
		topts := opts.Transport
		opts.NewTransport = func(r EdgeRouter) transport.Transport {
			return transport.NewWebSocket(r.URL, topts)
		}
	}
	return &Context{
		dir:      dir,
		opts:     opts,
		channels: make(map[string]*edge.Channel),
	}
}

// NewConnection returns an unconfigured connection for Dial.
func (c *Context) NewConnection() *edge.Connection {
	return edge.NewConnection(edge.ConnectionOptions{})
}

// Dial connects conn to serviceName through the first edge router whose
// channel is ready.
func (c *Context) Dial(ctx context.Context, conn *edge.Connection, serviceName string) error {
	svc, err := c.dir.Service(ctx, serviceName)
	if err != nil {
		return err
	}
	if len(svc.Session.EdgeRouters) == 0 {
		return errors.Wrapf(ErrNoEdgeRouters, "%q", serviceName)
	}

	if err := conn.Configure(edge.ConnectionOptions{
		ServiceName:         svc.Name,
		NetworkSessionToken: svc.Session.Token,
		EncryptionRequired:  svc.EncryptionRequired,
	}); err != nil {
		return err
	}

	ch, err := c.elect(ctx, svc.Session.EdgeRouters)
	if err != nil {
		return errors.Wrapf(err, "dial %q", serviceName)
	}

	util.WithFields("service", svc.Name, "router", ch.Router(), "channelId", ch.ID()).Debugf("dialing")
	return ch.Connect(ctx, conn)
}

// elect races the routers and returns the first channel to complete Hello.
// Channels that finish later stay cached for subsequent dials.
func (c *Context) elect(ctx context.Context, routers []EdgeRouter) (*edge.Channel, error) {
	type result struct {
		ch  *edge.Channel
		err error
	}

	results := make(chan result, len(routers))
	for _, r := range routers {
		go func(r EdgeRouter) {
			ch, err := c.channel(ctx, r)
			results <- result{ch, errors.Wrapf(err, "router %s", r.Name)}
		}(r)
	}

	var errs *multierror.Error
	for range routers {
		res := <-results
		if res.err == nil {
			return res.ch, nil
		}
		errs = multierror.Append(errs, res.err)
	}
	return nil, errs.ErrorOrNil()
}

func (c *Context) channelKey(r EdgeRouter) string {
	return r.URL + "|" + c.opts.Channel.SessionToken
}

// channel returns a connected channel to r, opening one if needed.
// Concurrent callers for the same router share a single Hello.
func (c *Context) channel(ctx context.Context, r EdgeRouter) (*edge.Channel, error) {
	key := c.channelKey(r)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrContextClosed
	}
	if ch, ok := c.channels[key]; ok && !ch.IsClosed() && ch.State() == edge.StateConnected {
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		if ch, ok := c.channels[key]; ok && !ch.IsClosed() && ch.State() == edge.StateConnected {
			c.mu.Unlock()
			return ch, nil
		}
		c.mu.Unlock()

		ch := edge.NewChannel(c.nextChannelID.Add(1), r.URL, c.opts.NewTransport(r), c.opts.Channel)
		if err := ch.Hello(ctx); err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = ch.Shutdown()
			return nil, ErrContextClosed
		}
		c.channels[key] = ch
		c.mu.Unlock()

		go c.forget(key, ch)
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*edge.Channel), nil
}

// forget drops ch from the cache once it shuts down.
func (c *Context) forget(key string, ch *edge.Channel) {
	<-ch.Done()
	c.mu.Lock()
	if c.channels[key] == ch {
		delete(c.channels, key)
	}
	c.mu.Unlock()
	util.WithFields("channelId", ch.ID(), "router", ch.Router()).Debugf("channel removed from cache")
}

// Channels returns the number of cached channels.
func (c *Context) Channels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// Close shuts down every channel. Dial fails afterwards.
func (c *Context) Close() error {
	c.mu.Lock()
	c.closed = true
	channels := make([]*edge.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	var errs *multierror.Error
	for _, ch := range channels {
		if err := ch.Shutdown(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
