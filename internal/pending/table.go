// Package pending correlates outbound requests with their replies.
//
// Requests are keyed by edge connection id (or HelloKey before any
// connection exists). A key holds at most one outstanding request.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/openziti/ziti-browzer-core-sub000/internal/protocol"
)

// HelloKey is the key used for requests that precede any edge connection.
const HelloKey int64 = -1

// AnySequence passed to Resolve matches whatever request is stored under the key.
const AnySequence int32 = -1

var (
	// ErrRequestReplaced rejects a request superseded by a newer one with the same key.
	ErrRequestReplaced = errors.New("request replaced")

	// ErrRequestTimeout rejects a request whose reply did not arrive in time.
	ErrRequestTimeout = errors.New("request timed out")
)

// Request is one outstanding request. It completes exactly once, either with
// a reply or with an error.
type Request struct {
	table *Table
	key   int64
	seq   int32
	timer *time.Timer

	once sync.Once
	done chan struct{}
	msg  *protocol.Message
	err  error
}

func (r *Request) Key() int64 { return r.key }

// Sequence is the sequence of the message that opened the request.
func (r *Request) Sequence() int32 { return r.seq }

// Done is closed once the request completes.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until a reply arrives, the request fails, or ctx ends. When
// ctx ends first the request is removed from the table.
func (r *Request) Wait(ctx context.Context) (*protocol.Message, error) {
	select {
	case <-r.done:
		return r.msg, r.err
	case <-ctx.Done():
		r.table.drop(r, ctx.Err())
		<-r.done
		return r.msg, r.err
	}
}

func (r *Request) complete(msg *protocol.Message, err error) bool {
	completed := false
	r.once.Do(func() {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.msg, r.err = msg, err
		close(r.done)
		completed = true
	})
	return completed
}

// ---------------------------------------------------------------------------
// Table
// ---------------------------------------------------------------------------

// Table holds the outstanding requests of one channel.
type Table struct {
	mu      sync.Mutex
	entries map[int64]*Request
}

// New creates an empty table.
func New() *Table {
	return &Table{entries: make(map[int64]*Request)}
}

// Create registers a request under key, rejecting any previous request for
// the same key with ErrRequestReplaced, then calls send. The entry is stored
// before send runs so that a fast reply cannot miss it. A send error fails
// the request. A positive timeout arms a timer that fails the request with
// ErrRequestTimeout.
func (t *Table) Create(key int64, seq int32, send func() error, timeout time.Duration) *Request {
	req := &Request{
		table: t,
		key:   key,
		seq:   seq,
		done:  make(chan struct{}),
	}

	t.mu.Lock()
	prev := t.entries[key]
	t.entries[key] = req
	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() {
			t.drop(req, errors.Wrapf(ErrRequestTimeout, "key %d seq %d after %s", key, seq, timeout))
		})
	}
	t.mu.Unlock()

	if prev != nil {
		prev.complete(nil, errors.Wrapf(ErrRequestReplaced, "key %d seq %d", key, prev.seq))
	}

	if send != nil {
		if err := send(); err != nil {
			t.drop(req, err)
		}
	}
	return req
}

// Resolve completes the request stored under key with msg when it was
// opened by sequence seq (or seq is AnySequence). It reports whether a
// request was completed; a request with another sequence stays pending.
func (t *Table) Resolve(key int64, seq int32, msg *protocol.Message) bool {
	t.mu.Lock()
	req, ok := t.entries[key]
	if ok && seq != AnySequence && req.seq != seq {
		ok = false
	}
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	return req.complete(msg, nil)
}

// Reject fails the request stored under key.
func (t *Table) Reject(key int64, err error) bool {
	t.mu.Lock()
	req, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	return req.complete(nil, err)
}

// RejectAll fails every outstanding request.
func (t *Table) RejectAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[int64]*Request)
	t.mu.Unlock()

	for _, req := range entries {
		req.complete(nil, err)
	}
}

// Has reports whether a request is outstanding for key.
func (t *Table) Has(key int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Len returns the number of outstanding requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// drop removes req if it is still the current entry for its key and fails it.
func (t *Table) drop(req *Request, err error) {
	t.mu.Lock()
	if t.entries[req.key] == req {
		delete(t.entries, req.key)
	}
	t.mu.Unlock()

	req.complete(nil, err)
}
