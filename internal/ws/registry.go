package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// client is one registered connection. Writes are serialized per connection
// because gorilla/websocket forbids concurrent writers.
type client struct {
	conn   *websocket.Conn
	userID string
	mu     sync.Mutex
}

func (c *client) writeJSON(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(payload)
}

// Registry tracks live WebSocket connections keyed by connection ID with a
// reverse index by user. Entries must be removed on every exit path.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*client
	byUser map[string]map[string]struct{}
}

// NewRegistry initializes an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*client),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection for a user.
func (r *Registry) Register(connID, userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &client{conn: conn, userID: userID}
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][connID] = struct{}{}
}

// Unregister removes a connection. Safe to call more than once.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	if set, ok := r.byUser[c.userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, c.userID)
		}
	}
}

// Send writes a payload to one connection.
func (r *Registry) Send(connID string, payload any) error {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.writeJSON(payload)
}

// SendToUser writes a payload to every connection of a user and returns the
// number of successful deliveries.
func (r *Registry) SendToUser(userID string, payload any) int {
	r.mu.RLock()
	targets := make([]*client, 0)
	for connID := range r.byUser[userID] {
		if c, ok := r.conns[connID]; ok {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	sent := 0
	for _, c := range targets {
		if err := c.writeJSON(payload); err == nil {
			sent++
		}
	}
	return sent
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserConnections returns how many connections a user holds.
func (r *Registry) UserConnections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}
