package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestConnectionsRegister(t *testing.T) {
	c := NewConnections("customer")
	conn := &websocket.Conn{}

	c.Register("tab-1", conn)

	if active := c.Get("tab-1"); active != conn {
		t.Errorf("Expected connection %v, got %v", conn, active)
	}
}

func TestConnectionsUnregister(t *testing.T) {
	c := NewConnections("customer")
	conn := &websocket.Conn{}

	c.Register("tab-1", conn)
	if !c.Unregister("tab-1", conn) {
		t.Fatal("Unregister() = false for the registered connection")
	}

	if active := c.Get("tab-1"); active != nil {
		t.Errorf("Expected nil connection, got %v", active)
	}
}

func TestConnectionsUnregisterStale(t *testing.T) {
	c := NewConnections("customer")
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	c.Register("tab-1", conn1)
	c.Register("tab-2", conn2)

	if c.Unregister("tab-2", conn1) {
		t.Fatal("Unregister() removed a connection it does not own")
	}
	if active := c.Get("tab-2"); active != conn2 {
		t.Errorf("Expected connection %v, got %v", conn2, active)
	}
}

// stalledPeer serves WebSockets that never read, so a close handshake
// against them waits until release is closed.
func stalledPeer(t *testing.T) (url string, release func()) {
	t.Helper()
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		<-done
		_ = c.CloseNow()
	}))
	var once bool
	return "ws" + strings.TrimPrefix(srv.URL, "http"), func() {
		if !once {
			once = true
			close(done)
			srv.Close()
		}
	}
}

func TestConnectionsReplaceDoesNotBlockLookups(t *testing.T) {
	url, release := stalledPeer(t)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	old, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	next, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = next.CloseNow() }()

	c := NewConnections("customer")
	c.Register("s1", old)

	replaced := make(chan struct{})
	go func() {
		defer close(replaced)
		c.Register("s1", next)
	}()

	time.Sleep(50 * time.Millisecond)

	lookup := make(chan *websocket.Conn, 1)
	go func() { lookup <- c.Get("s1") }()
	select {
	case got := <-lookup:
		if got != next {
			t.Fatalf("Get() = %v, want the replacement connection", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Get() blocked while the replaced connection was closing")
	}

	release()
	<-replaced
}

func TestConnectionsSnapshotIsACopy(t *testing.T) {
	c := NewConnections("agent")
	ana := &websocket.Conn{}
	c.Register("ana", ana)

	snap := c.Snapshot()
	c.Unregister("ana", ana)

	if snap["ana"] != ana || len(snap) != 1 {
		t.Fatalf("Snapshot() = %v", snap)
	}
	if len(c.Snapshot()) != 0 {
		t.Fatal("Snapshot() still holds an unregistered connection")
	}
}
