package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/node-fleet/node-gateway/internal/models"
)

const closeWriteWait = 5 * time.Second

// Server owns the websocket endpoint and the per-connection read loop.
type Server struct {
	registry *Registry
	router   *Router
	version  string

	maxMessageSize int64
	upgrader       websocket.Upgrader
}

// NewServer creates the websocket session server
func NewServer(registry *Registry, router *Router, version string, maxMessageSize int64) *Server {
	return &Server{
		registry:       registry,
		router:         router,
		version:        version,
		maxMessageSize: maxMessageSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers are the expected clients and carry no usable origin
			// contract here; access control lives on the HTTP layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the request and runs the session until the connection
// drops or the peer misbehaves.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	sess, err := s.registry.Register(conn, map[string]string{
		"remoteAddr": r.RemoteAddr,
	})
	if err != nil {
		s.refuse(conn, err)
		return
	}

	log.Info().
		Str("sessionID", sess.ID).
		Str("remote", r.RemoteAddr).
		Int("sessions", s.registry.Count()).
		Msg("Client connected")

	sess.Send(NewWelcomeFrame(sess.ID, s.version, s.maxMessageSize))

	// The transport read limit sits at twice the advertised maximum: frames
	// between the maximum and the limit reach the validator and get a
	// MESSAGE_TOO_LARGE reply; frames beyond the limit close the connection.
	conn.SetReadLimit(2 * s.maxMessageSize)
	conn.SetPongHandler(func(string) error {
		sess.Touch()
		return nil
	})

	s.readLoop(r.Context(), conn, sess)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session) {
	defer func() {
		s.registry.Unregister(conn)
		log.Info().
			Str("sessionID", sess.ID).
			Int("sessions", s.registry.Count()).
			Msg("Client disconnected")
	}()

	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.registry.SetState(sess.ID, StateError)
				log.Warn().Err(err).Str("sessionID", sess.ID).Msg("Connection error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		s.router.Route(ctx, conn, raw)
	}
}

// refuse rejects a connection the registry would not admit, with an error
// frame so the client can tell a full server from a network fault.
func (s *Server) refuse(conn *websocket.Conn, err error) {
	code := models.ErrCodeInternalError
	if errors.Is(err, ErrCapacityExceeded) {
		code = models.ErrCodeConnectionLimit
	}

	if frame, merr := json.Marshal(NewErrorFrame(code, err.Error())); merr == nil {
		conn.WriteMessage(websocket.TextMessage, frame)
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
		time.Now().Add(closeWriteWait))
	conn.Close()

	log.Warn().Err(err).Msg("Connection refused")
}
