package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/node-fleet/node-gateway/internal/config"
	"github.com/node-fleet/node-gateway/internal/gateway"
	"github.com/node-fleet/node-gateway/internal/storage"
)

// RESTServer serves the read-only HTTP API and the websocket endpoint.
type RESTServer struct {
	config  *config.Config
	store   storage.Store
	gateway *gateway.Server
	stats   StatsProvider
	router  chi.Router
	server  *http.Server
}

// StatsProvider aggregates runtime counters for the stats endpoint.
type StatsProvider interface {
	RuntimeStats() map[string]interface{}
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, store storage.Store, ws *gateway.Server, stats StatsProvider) *RESTServer {
	s := &RESTServer{
		config:  cfg,
		store:   store,
		gateway: ws,
		stats:   stats,
		router:  chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/healthz", s.HandleHealth)

	// Websocket upgrade is incompatible with the timeout middleware, so it
	// mounts outside the API group.
	s.router.Get("/ws", s.gateway.HandleWS)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/devices", s.HandleListDevices)
		r.Get("/devices/{deviceID}", s.HandleGetDevice)
		r.Get("/events", s.HandleListEvents)
		r.Get("/stats", s.HandleStats)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
