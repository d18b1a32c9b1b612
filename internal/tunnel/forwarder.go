// Package tunnel bridges local byte streams (accepted TCP sockets, stdio)
// to edge connections.
package tunnel

import (
	"context"
	"sync"

	"github.com/openziti/ziti-browzer-core-sub000/internal/edge"
)

// Dialer creates and dials edge connections. *dial.Context implements it.
type Dialer interface {
	NewConnection() *edge.Connection
	Dial(ctx context.Context, conn *edge.Connection, serviceName string) error
}

// Forwarder bridges every local stream it is given to a new connection to
// one service, and keeps the tag → connection table of live bridges.
type Forwarder struct {
	dialer  Dialer
	service string

	mu     sync.Mutex
	active map[uint32]*edge.Connection
}

func NewForwarder(d Dialer, service string) *Forwarder {
	return &Forwarder{
		dialer:  d,
		service: service,
		active:  make(map[uint32]*edge.Connection),
	}
}

func (f *Forwarder) Service() string { return f.service }

// Active returns the number of live bridges.
func (f *Forwarder) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

// Lookup returns the connection bridged for tag.
func (f *Forwarder) Lookup(tag uint32) (*edge.Connection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.active[tag]
	return conn, ok
}

func (f *Forwarder) register(tag uint32, conn *edge.Connection) {
	f.mu.Lock()
	f.active[tag] = conn
	f.mu.Unlock()
}

func (f *Forwarder) unregister(tag uint32) {
	f.mu.Lock()
	delete(f.active, tag)
	f.mu.Unlock()
}
