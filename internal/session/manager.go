// Package session tracks live device WebSocket sessions.
//
// The manager holds at most one session per device. Enforcement
// commands are best-effort pushes: a device without a live session
// simply misses the push and reconciles on its next report.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNoSession is returned by Send when the device has no live session.
var ErrNoSession = errors.New("session: no live session for device")

// Conn is the minimal connection surface the manager needs. Satisfied
// by *websocket.Conn wrappers and by test fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Session is a live connection bound to a device.
type Session struct {
	// ID uniquely identifies this connection instance. A reconnecting
	// device gets a fresh ID, so stale unbinds can be detected.
	ID string

	// DeviceID is the device this session belongs to.
	DeviceID string

	// UserID is the authenticated owner of the connection.
	UserID string

	conn Conn
}

// Manager maps device IDs to their single live session.
// All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session // deviceID -> session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

// Bind registers a session for a device, superseding any existing one.
// The superseded session (if any) is returned so the caller can close
// its connection; the manager does not close it itself because the
// transport owns the socket lifecycle.
func (m *Manager) Bind(deviceID, userID string, conn Conn) (s *Session, superseded *Session) {
	s = &Session{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		UserID:   userID,
		conn:     conn,
	}

	m.mu.Lock()
	superseded = m.sessions[deviceID]
	m.sessions[deviceID] = s
	m.mu.Unlock()

	return s, superseded
}

// Unbind removes the session for a device, but only if it is still the
// session identified by sessionID. A device that reconnected (and was
// rebound) is untouched when the old connection's teardown fires late.
func (m *Manager) Unbind(deviceID, sessionID string) {
	m.mu.Lock()
	if s, ok := m.sessions[deviceID]; ok && s.ID == sessionID {
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()
}

// Get returns the live session for a device, or nil.
func (m *Manager) Get(deviceID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[deviceID]
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Send writes a JSON message to the device's live session.
// Returns ErrNoSession if the device is not connected.
func (m *Manager) Send(deviceID string, v any) error {
	m.mu.RLock()
	s := m.sessions[deviceID]
	m.mu.RUnlock()

	if s == nil {
		return ErrNoSession
	}
	return s.conn.WriteJSON(v)
}

// CloseAll closes every live session and empties the manager.
// Used during server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for deviceID, s := range m.sessions {
		s.conn.Close() //nolint:errcheck // Best effort during shutdown
		delete(m.sessions, deviceID)
	}
}

// Close closes a session's underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
