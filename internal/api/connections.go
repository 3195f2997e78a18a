package api

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Connections tracks one live WebSocket per key: a session id for
// customers, an agent id for agents.
type Connections struct {
	kind string

	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewConnections creates an empty connection set. kind labels its log lines.
func NewConnections(kind string) *Connections {
	return &Connections{kind: kind, active: make(map[string]*websocket.Conn)}
}

// Get returns the live connection for key, or nil.
func (c *Connections) Get(key string) *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active[key]
}

// Snapshot returns the current connections by key.
func (c *Connections) Snapshot() map[string]*websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*websocket.Conn, len(c.active))
	for k, conn := range c.active {
		out[k] = conn
	}
	return out
}

// Register makes conn the connection for key, closing any previous one.
func (c *Connections) Register(key string, conn *websocket.Conn) {
	c.mu.Lock()
	existing, ok := c.active[key]
	c.active[key] = conn
	c.mu.Unlock()

	if ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	slog.Info("Connection registered", "kind", c.kind, "key", key)
}

// Unregister removes conn if it is still the connection for key. It reports
// whether it was.
func (c *Connections) Unregister(key string, conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.active[key]; ok && current == conn {
		delete(c.active, key)
		slog.Info("Connection unregistered", "kind", c.kind, "key", key)
		return true
	}
	return false
}

// Close terminates the connection for key, if any.
func (c *Connections) Close(key string) {
	c.mu.Lock()
	conn, ok := c.active[key]
	delete(c.active, key)
	c.mu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}

// CloseAll terminates every connection.
func (c *Connections) CloseAll() {
	c.mu.Lock()
	conns := c.active
	c.active = make(map[string]*websocket.Conn)
	c.mu.Unlock()

	for key, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		slog.Info("Connection closed", "kind", c.kind, "key", key)
	}
}
