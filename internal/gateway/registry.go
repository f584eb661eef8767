package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Registry errors
var (
	ErrCapacityExceeded = errors.New("connection limit reached")
	ErrSessionClosed    = errors.New("session closed")
)

// RegistryStats holds the registry's connection counters
type RegistryStats struct {
	TotalConnections    int64                `json:"totalConnections"`
	TotalDisconnections int64                `json:"totalDisconnections"`
	CurrentConnections  int                  `json:"currentConnections"`
	SessionsByState     map[SessionState]int `json:"sessionsByState"`
}

// Registry owns the set of active client sessions. At most one session exists
// per transport connection; unregistering removes both mappings together.
type Registry struct {
	maxClients int

	mu       sync.RWMutex
	sessions map[string]*Session
	conns    map[Conn]string

	totalConnections    int64
	totalDisconnections int64
}

// NewRegistry creates a session registry with the given capacity.
func NewRegistry(maxClients int) *Registry {
	return &Registry{
		maxClients: maxClients,
		sessions:   make(map[string]*Session),
		conns:      make(map[Conn]string),
	}
}

// Register creates a session for the transport connection. Fails with
// ErrCapacityExceeded once the configured maximum is reached.
func (r *Registry) Register(conn Conn, meta map[string]string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxClients {
		return nil, ErrCapacityExceeded
	}

	sess := newSession(uuid.New().String(), conn, meta)
	r.sessions[sess.ID] = sess
	r.conns[conn] = sess.ID
	r.totalConnections++

	log.Debug().
		Str("sessionID", sess.ID).
		Int("total", len(r.sessions)).
		Msg("Session registered")

	return sess, nil
}

// Unregister removes the session mapped to the transport connection and
// closes it. Returns false when the connection is not registered.
func (r *Registry) Unregister(conn Conn) bool {
	r.mu.Lock()
	id, ok := r.conns[conn]
	var sess *Session
	if ok {
		sess = r.sessions[id]
		delete(r.sessions, id)
		delete(r.conns, conn)
		r.totalDisconnections++
	}
	total := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}

	sess.Close()

	log.Debug().
		Str("sessionID", id).
		Int("total", total).
		Msg("Session unregistered")

	return true
}

// GetBySession looks up a session by id
func (r *Registry) GetBySession(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// GetByConn looks up the session owning a transport connection
func (r *Registry) GetByConn(conn Conn) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.conns[conn]
	if !ok {
		return nil
	}
	return r.sessions[id]
}

// SetState transitions a session's state
func (r *Registry) SetState(id string, state SessionState) bool {
	sess := r.GetBySession(id)
	if sess == nil {
		return false
	}

	sess.setState(state)

	log.Debug().
		Str("sessionID", id).
		Str("state", string(state)).
		Msg("Session state updated")

	return true
}

// Touch updates the last-activity timestamp of the session owning conn
func (r *Registry) Touch(conn Conn) {
	if sess := r.GetByConn(conn); sess != nil {
		sess.Touch()
	}
}

// SendTo sends a message to one session by id
func (r *Registry) SendTo(id string, message interface{}) bool {
	sess := r.GetBySession(id)
	if sess == nil {
		return false
	}

	if err := sess.Send(message); err != nil {
		log.Warn().Err(err).Str("sessionID", id).Msg("Failed to send to session")
		return false
	}
	return true
}

// Broadcast sends a message to every session matching the predicate (all
// sessions when predicate is nil) and returns the delivery count.
func (r *Registry) Broadcast(message interface{}, predicate func(*Session) bool) int {
	sent := 0
	for _, sess := range r.snapshot() {
		if predicate != nil && !predicate(sess) {
			continue
		}
		if err := sess.Send(message); err == nil {
			sent++
		}
	}
	return sent
}

// Ready is the broadcast predicate restricting fan-out to ready sessions.
func Ready(s *Session) bool {
	return s.State() == StateReady
}

// SweepInactive evicts sessions inactive beyond the timeout or whose
// transport is no longer open. Eviction is equivalent to Unregister.
func (r *Registry) SweepInactive(timeout time.Duration) int {
	now := time.Now()
	evicted := 0

	for _, sess := range r.snapshot() {
		if now.Sub(sess.LastActivity()) > timeout || sess.isClosed() {
			if r.Unregister(sess.conn) {
				evicted++
				log.Info().Str("sessionID", sess.ID).Msg("Inactive session evicted")
			}
		}
	}

	return evicted
}

// PingAll sends a transport ping to every session matching the predicate.
func (r *Registry) PingAll(predicate func(*Session) bool, deadline time.Time) int {
	pinged := 0
	for _, sess := range r.snapshot() {
		if predicate != nil && !predicate(sess) {
			continue
		}
		if err := sess.Ping(deadline); err == nil {
			pinged++
		}
	}
	return pinged
}

// Count returns the number of active sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats returns the registry counters
func (r *Registry) Stats() RegistryStats {
	byState := make(map[SessionState]int)
	sessions := r.snapshot()
	for _, sess := range sessions {
		byState[sess.State()]++
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		TotalConnections:    r.totalConnections,
		TotalDisconnections: r.totalDisconnections,
		CurrentConnections:  len(r.sessions),
		SessionsByState:     byState,
	}
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}
