// Package server wires HTTP handlers into an httprouter.Router for the
// realtime service via routing helpers.
package server

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// Routes configures and returns the router with all application routes.
func (s *Server) Routes() http.Handler {
	router := httprouter.New()
	router.GET("/", s.HealthHandler)
	router.GET("/healthz", s.ReadinessHandler)
	router.GET("/test", s.TestPageHandler)
	router.GET("/ws/projects/:project_id", s.WebSocketHandler)
	router.GET("/ws/projects/:project_id/", s.WebSocketHandler)
	if s.events != nil {
		router.Handler(http.MethodPost, "/internal/projects/:project_id/events", s.events)
	}
	return router
}
