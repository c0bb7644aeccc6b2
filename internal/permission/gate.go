// Package permission decides which users may subscribe to a project's event
// stream: the project owner and its members, nobody else.
package permission

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/bugtracker/internal/auth"
)

// Gate authorizes subscriptions against a ProjectStore.
type Gate struct {
	store   ProjectStore
	timeout time.Duration
	log     *zap.SugaredLogger
}

// NewGate returns a Gate. A non-positive timeout leaves lookups bounded only
// by the caller's context.
func NewGate(store ProjectStore, timeout time.Duration, log *zap.SugaredLogger) *Gate {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gate{store: store, timeout: timeout, log: log}
}

// Authorize reports whether user may subscribe to projectID. It fails closed:
// anonymous users, unknown projects and lookup errors all yield false.
func (g *Gate) Authorize(ctx context.Context, user auth.Identity, projectID int64) bool {
	if user.Anonymous() || g.store == nil {
		return false
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	project, err := g.store.FindProject(ctx, projectID)
	if err != nil {
		if !errors.Is(err, ErrProjectNotFound) {
			g.log.Warnw("project lookup failed", "project_id", projectID, "user_id", user.UserID, "error", err)
		}
		return false
	}

	if project.OwnerID != nil && *project.OwnerID == user.UserID {
		return true
	}
	return project.HasMember(user.UserID)
}
