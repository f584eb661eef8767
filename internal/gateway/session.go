package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SessionState represents the lifecycle state of a client session
type SessionState string

// pingWriteWait bounds how long a control ping write may block.
const pingWriteWait = 10 * time.Second

const (
	StateConnecting   SessionState = "connecting"
	StateReady        SessionState = "ready"
	StateError        SessionState = "error"
	StateDisconnected SessionState = "disconnected"
)

// Conn is the transport side of a session. *websocket.Conn satisfies it; tests
// substitute a fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Session represents one connected client. The registry holds the only owning
// reference; closing the session closes the transport.
type Session struct {
	ID          string
	ConnectedAt time.Time
	conn        Conn

	mu           sync.Mutex
	state        SessionState
	lastActivity time.Time
	closed       bool
	metadata     map[string]string
}

func newSession(id string, conn Conn, meta map[string]string) *Session {
	now := time.Now()
	metadata := make(map[string]string, len(meta))
	for k, v := range meta {
		metadata[k] = v
	}

	return &Session{
		ID:           id,
		ConnectedAt:  now,
		conn:         conn,
		state:        StateConnecting,
		lastActivity: now,
		metadata:     metadata,
	}
}

// State returns the current session state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Touch updates the last-activity timestamp
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last-activity timestamp
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetMeta records a metadata key on the session
func (s *Session) SetMeta(key, value string) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Meta returns a metadata value
func (s *Session) Meta(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata[key]
}

// Send marshals v and writes it as a text frame. The session write lock
// serializes writers; gorilla/websocket permits only one concurrent writer.
func (s *Session) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

func (s *Session) sendRaw(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.closed = true
		return err
	}

	s.lastActivity = time.Now()
	return nil
}

// Ping sends a transport-level ping control frame. Pong replies arrive on the
// read side and update last-activity there.
func (s *Session) Ping(deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close closes the underlying transport exactly once.
func (s *Session) Close() {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.state = StateDisconnected
	s.mu.Unlock()

	if !alreadyClosed {
		s.conn.Close()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
