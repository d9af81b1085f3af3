// Package relay bridges a browser-hosted meeting SDK to a session runner over
// a WebSocket.
package relay

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// SessionManager tracks the active relay connection for each session.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]*Conn
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{active: make(map[string]*Conn)}
}

// Register makes conn the relay for a session, closing any previous one.
func (m *SessionManager) Register(sessionID string, conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[sessionID]; ok && existing != conn {
		existing.close(websocket.StatusNormalClosure, "relay replaced")
		slog.Info("Meeting relay replaced", "session_id", sessionID)
	}
	m.active[sessionID] = conn
	slog.Info("Meeting relay registered", "session_id", sessionID)
}

// Unregister removes conn if it is still the relay for the session.
func (m *SessionManager) Unregister(sessionID string, conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[sessionID]; ok && current == conn {
		delete(m.active, sessionID)
		slog.Info("Meeting relay unregistered", "session_id", sessionID)
	}
}

// CloseSession terminates the relay for a session, if any.
func (m *SessionManager) CloseSession(sessionID string) {
	m.mu.Lock()
	conn, ok := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()

	if ok {
		conn.close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Meeting relay closed", "session_id", sessionID)
	}
}

// Count returns the number of active relays.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
