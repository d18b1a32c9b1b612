package testutil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/openziti/ziti-browzer-core-sub000/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EdgeRouter is a plaintext edge router on a WebSocket test server. It
// accepts every Hello and Connect and echoes Data upper-cased.
type EdgeRouter struct {
	URL string

	hellos   atomic.Int32
	connects atomic.Int32
}

func NewEdgeRouter(t testing.TB) *EdgeRouter {
	t.Helper()
	r := &EdgeRouter{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		r.serve(conn)
	}))
	t.Cleanup(srv.Close)
	r.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return r
}

// Hellos returns how many Hello frames the router has answered.
func (r *EdgeRouter) Hellos() int { return int(r.hellos.Load()) }

func (r *EdgeRouter) Connects() int { return int(r.connects.Load()) }

func (r *EdgeRouter) serve(conn *websocket.Conn) {
	var mu sync.Mutex
	send := func(m *protocol.Message) {
		mu.Lock()
		defer mu.Unlock()
		_ = conn.WriteMessage(websocket.BinaryMessage, m.Marshal())
	}

	reasm := protocol.NewReassembler()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msgs, err := reasm.Feed(data)
		if err != nil {
			return
		}
		for _, m := range msgs {
			id, _ := m.ConnID()
			reply := []protocol.Header{
				protocol.IntHeader(protocol.HeaderConnID, int32(id)),
				protocol.IntHeader(protocol.HeaderReplyFor, m.Sequence),
			}
			switch m.ContentType {
			case protocol.ContentTypeHello:
				r.hellos.Add(1)
				send(&protocol.Message{
					ContentType: protocol.ContentTypeResult,
					Headers: []protocol.Header{
						protocol.IntHeader(protocol.HeaderReplyFor, m.Sequence),
						protocol.BytesHeader(protocol.HeaderResultSuccess, []byte{1}),
					},
				})
			case protocol.ContentTypeConnect:
				r.connects.Add(1)
				send(&protocol.Message{ContentType: protocol.ContentTypeStateConnected, Headers: reply})
			case protocol.ContentTypeData:
				send(&protocol.Message{ContentType: protocol.ContentTypeData, Headers: reply, Body: bytes.ToUpper(m.Body)})
			}
		}
	}
}

// DeadRouterURL returns a WebSocket URL nothing listens on.
func DeadRouterURL(t testing.TB) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	return url
}
