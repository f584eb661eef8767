package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/node-fleet/node-gateway/internal/models"
)

// HandlerFunc processes one validated inbound envelope for a session.
type HandlerFunc func(ctx context.Context, sess *Session, env *models.Envelope) error

// RouterStats holds the router's message counters
type RouterStats struct {
	TotalMessages   int64            `json:"totalMessages"`
	ValidMessages   int64            `json:"validMessages"`
	InvalidMessages int64            `json:"invalidMessages"`
	MessagesByType  map[string]int64 `json:"messagesByType"`
}

// Router validates raw frames and dispatches them to the handler registered
// for their type. Handler failures are converted into error replies at this
// boundary; one misbehaving handler cannot take the gateway down.
type Router struct {
	registry       *Registry
	maxMessageSize int64

	mu       sync.Mutex
	handlers map[string]HandlerFunc

	statsMu sync.Mutex
	stats   RouterStats
}

// NewRouter creates a message router
func NewRouter(registry *Registry, maxMessageSize int64) *Router {
	return &Router{
		registry:       registry,
		maxMessageSize: maxMessageSize,
		handlers:       make(map[string]HandlerFunc),
		stats:          RouterStats{MessagesByType: make(map[string]int64)},
	}
}

// RegisterHandler registers the handler for a message type
func (r *Router) RegisterHandler(msgType string, handler HandlerFunc) {
	r.mu.Lock()
	r.handlers[msgType] = handler
	r.mu.Unlock()

	log.Debug().Str("type", msgType).Msg("Message handler registered")
}

// CheckComplete verifies every known inbound type has a handler. Called once
// at startup so a missing registration fails the process, not a client.
func (r *Router) CheckComplete() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for msgType := range knownMessageTypes {
		if _, ok := r.handlers[msgType]; !ok {
			return fmt.Errorf("no handler registered for message type %q", msgType)
		}
	}
	return nil
}

// Route validates a raw frame from conn and invokes the matching handler.
func (r *Router) Route(ctx context.Context, conn Conn, raw []byte) {
	r.countTotal()

	sess := r.registry.GetByConn(conn)
	if sess == nil {
		log.Warn().Msg("Frame received from unregistered connection")
		return
	}
	sess.Touch()

	result := Validate(raw, r.maxMessageSize)
	if !result.OK {
		r.countInvalid()
		log.Warn().
			Str("sessionID", sess.ID).
			Int("code", result.ErrorCode).
			Str("detail", result.ErrorDetail).
			Msg("Invalid message")
		sess.Send(NewErrorFrame(result.ErrorCode, result.ErrorDetail))
		return
	}

	env := result.Envelope
	r.countType(env.Type)

	r.mu.Lock()
	handler, ok := r.handlers[env.Type]
	r.mu.Unlock()

	if !ok {
		r.countInvalid()
		sess.Send(NewErrorFrame(models.ErrCodeInvalidMessageType,
			fmt.Sprintf("unsupported message type: %s", env.Type)))
		return
	}

	r.invoke(ctx, sess, env, handler)
}

// invoke runs one handler, converting panics and returned errors into an
// INTERNAL_ERROR reply for the offending session only.
func (r *Router) invoke(ctx context.Context, sess *Session, env *models.Envelope, handler HandlerFunc) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("sessionID", sess.ID).
				Str("type", env.Type).
				Interface("panic", rec).
				Msg("Handler panicked")
			sess.Send(NewErrorFrame(models.ErrCodeInternalError,
				fmt.Sprintf("error processing %s", env.Type)))
		}
	}()

	if err := handler(ctx, sess, env); err != nil {
		log.Error().
			Err(err).
			Str("sessionID", sess.ID).
			Str("type", env.Type).
			Msg("Handler failed")
		sess.Send(NewErrorFrame(models.ErrCodeInternalError,
			fmt.Sprintf("error processing %s", env.Type)))
	}
}

// HandlePing replies with a pong frame carrying the original timestamp.
func (r *Router) HandlePing(ctx context.Context, sess *Session, env *models.Envelope) error {
	return sess.Send(NewPongFrame(env.Timestamp))
}

// HandlePong records activity; no reply.
func (r *Router) HandlePong(ctx context.Context, sess *Session, env *models.Envelope) error {
	sess.Touch()
	return nil
}

// Stats returns a copy of the router counters
func (r *Router) Stats() RouterStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	byType := make(map[string]int64, len(r.stats.MessagesByType))
	for k, v := range r.stats.MessagesByType {
		byType[k] = v
	}

	return RouterStats{
		TotalMessages:   r.stats.TotalMessages,
		ValidMessages:   r.stats.ValidMessages,
		InvalidMessages: r.stats.InvalidMessages,
		MessagesByType:  byType,
	}
}

func (r *Router) countTotal() {
	r.statsMu.Lock()
	r.stats.TotalMessages++
	r.statsMu.Unlock()
}

func (r *Router) countInvalid() {
	r.statsMu.Lock()
	r.stats.InvalidMessages++
	r.statsMu.Unlock()
}

func (r *Router) countType(msgType string) {
	r.statsMu.Lock()
	r.stats.ValidMessages++
	r.stats.MessagesByType[msgType]++
	r.statsMu.Unlock()
}
