package agent

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testServer is a signaling endpoint that hands every accepted connection to
// the test and tracks how many are currently alive.
type testServer struct {
	*httptest.Server
	connCh   chan *websocket.Conn
	live     atomic.Int32
	accepted atomic.Int32
	received chan string

	// mute stops the server from answering pings.
	mute atomic.Bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{
		connCh:   make(chan *websocket.Conn, 64),
		received: make(chan string, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.live.Add(1)
	s.accepted.Add(1)
	conn.SetPingHandler(func(data string) error {
		if s.mute.Load() {
			return nil
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	// Read until the client goes away.
	go func() {
		defer s.live.Add(-1)
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if typ == websocket.TextMessage {
				select {
				case s.received <- string(data):
				default:
				}
			}
		}
	}()

	// Tests that churn connections never collect them.
	select {
	case s.connCh <- conn:
	default:
	}
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// waitConn returns the next accepted server-side connection.
func (s *testServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.connCh:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for client connection")
		return nil
	}
}

func (s *testServer) waitReceived(t *testing.T) string {
	t.Helper()
	select {
	case m := <-s.received:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for client message")
		return ""
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
