// Package server defines the collaborator interfaces the HTTP surface depends
// on and small helpers shared by sessions and the hub.
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/Tyrowin/bugtracker/internal/auth"
	"github.com/Tyrowin/bugtracker/internal/events"
	"github.com/Tyrowin/bugtracker/internal/publisher"
)

// EventPublisher publishes events to a project's group.
type EventPublisher interface {
	Publish(ctx context.Context, projectID int64, e events.Event) publisher.Result
	Health(ctx context.Context) error
}

// Authorizer decides whether a user may subscribe to a project.
type Authorizer interface {
	Authorize(ctx context.Context, user auth.Identity, projectID int64) bool
}

// Identifier resolves the user behind a handshake request.
type Identifier interface {
	Identify(r *http.Request) auth.Identity
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
