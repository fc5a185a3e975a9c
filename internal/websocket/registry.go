package websocket

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Socket kinds tracked by the Registry.
const (
	KindSession      = "session"
	KindNotification = "notification"
)

// Registry tracks every open socket so shutdown can close them and health can count them
// ARCHITECTURAL DISCOVERY: Pure connection bookkeeping without business logic;
// session membership lives in the session registry
type Registry struct {
	mu          sync.RWMutex // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy stats lookups
	connections map[string]*tracked
}

type tracked struct {
	conn       *Connection
	kind       string
	sessionKey string
}

// NewRegistry creates an empty socket registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*tracked),
	}
}

// Register records an open socket. sessionKey is empty for notification sockets.
func (r *Registry) Register(conn *Connection, kind, sessionKey string) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ID()] = &tracked{conn: conn, kind: kind, sessionKey: sessionKey}
	return nil
}

// Unregister forgets a socket
// FUNCTIONAL DISCOVERY: Idempotent operation safe for concurrent unregistration
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, conn.ID())
}

// Get returns the open socket with id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.connections[id]
	if !ok {
		return nil, false
	}
	return t.conn, true
}

// CloseAll closes every tracked socket and returns how many were closed.
// Handlers unregister their own sockets as their read loops end.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, t := range r.connections {
		conns = append(conns, t.conn)
	}
	r.mu.RUnlock()

	// closed outside the lock; Close may block on a control frame write
	for _, c := range conns {
		_ = c.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
	}
	return len(conns)
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make(map[string]struct{})
	stats := map[string]int{
		"total_connections":        len(r.connections),
		"session_connections":      0,
		"notification_connections": 0,
	}
	for _, t := range r.connections {
		switch t.kind {
		case KindSession:
			stats["session_connections"]++
			sessions[t.sessionKey] = struct{}{}
		case KindNotification:
			stats["notification_connections"]++
		}
	}
	stats["sessions"] = len(sessions)
	return stats
}
