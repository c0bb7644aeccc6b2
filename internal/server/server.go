// Package server wires the realtime HTTP surface: it owns the hub, the
// websocket upgrader and the collaborators every session needs.
package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/bugtracker/internal/registry"
)

// Dependencies are the long-lived collaborators built once at startup.
type Dependencies struct {
	Registry  *registry.Registry
	Gate      Authorizer
	Publisher EventPublisher
	Identity  Identifier
	Logger    *zap.SugaredLogger
	// Events, when set, is mounted at /internal/projects/:project_id/events.
	Events http.Handler
}

// Server is the realtime websocket server.
type Server struct {
	cfg      Config
	hub      *Hub
	registry *registry.Registry
	gate     Authorizer
	pub      EventPublisher
	identity Identifier
	events   http.Handler
	origins  *originPolicy
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
}

// New builds a Server from a sanitized copy of cfg.
func New(cfg Config, deps Dependencies) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	reg := deps.Registry
	if reg == nil {
		reg = registry.New()
	}

	cfg = cfg.Sanitize()
	s := &Server{
		cfg:      cfg,
		hub:      NewHub(log),
		registry: reg,
		gate:     deps.Gate,
		pub:      deps.Publisher,
		identity: deps.Identity,
		events:   deps.Events,
		origins:  newOriginPolicy(cfg.AllowedOrigins, log),
		log:      log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s
}

// Hub returns the session supervisor for shutdown coordination.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Registry returns the group registry sessions join.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Config returns the sanitized configuration in effect.
func (s *Server) Config() Config {
	return s.cfg
}
