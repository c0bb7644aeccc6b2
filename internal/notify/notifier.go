// Package notify is the boundary the CRUD layer calls after committing a
// change. Every method is synchronous and fire-and-forget: failures are
// logged and never returned.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/bugtracker/internal/events"
	"github.com/Tyrowin/bugtracker/internal/publisher"
)

// Publisher is the subset of publisher.Publisher the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, projectID int64, e events.Event) publisher.Result
}

// Bug is the committed state of a bug after a change.
type Bug struct {
	ID        int64
	Title     string
	Status    string
	ProjectID int64
	// AssignedTo is the assignee's username, empty when unassigned.
	AssignedTo string
}

// Comment is a committed comment.
type Comment struct {
	ID        int64
	BugID     int64
	BugTitle  string
	Commenter string
	Message   string
	ProjectID int64
	CreatedAt time.Time
}

// Notifier turns committed changes into project events.
type Notifier struct {
	pub Publisher
	log *zap.SugaredLogger
}

// NewNotifier returns a Notifier publishing through pub.
func NewNotifier(pub Publisher, log *zap.SugaredLogger) *Notifier {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Notifier{pub: pub, log: log}
}

// BugCreated announces a new bug.
func (n *Notifier) BugCreated(ctx context.Context, bug Bug, actor string) {
	n.bugChanged(ctx, events.BugCreated, bug, actor)
}

// BugUpdated announces an edited bug.
func (n *Notifier) BugUpdated(ctx context.Context, bug Bug, actor string) {
	n.bugChanged(ctx, events.BugUpdated, bug, actor)
}

// BugClosed announces a bug moved to complete.
func (n *Notifier) BugClosed(ctx context.Context, bug Bug, actor string) {
	n.bugChanged(ctx, events.BugClosed, bug, actor)
}

func (n *Notifier) bugChanged(ctx context.Context, eventType events.BugEventType, bug Bug, actor string) {
	var assignedTo *string
	if bug.AssignedTo != "" {
		name := bug.AssignedTo
		assignedTo = &name
	}
	n.Publish(ctx, bug.ProjectID, events.BugNotification{
		EventType:  eventType,
		BugID:      bug.ID,
		BugTitle:   bug.Title,
		BugStatus:  bug.Status,
		ProjectID:  bug.ProjectID,
		User:       actor,
		AssignedTo: assignedTo,
	})
}

// CommentAdded announces a new comment.
func (n *Notifier) CommentAdded(ctx context.Context, c Comment) {
	n.Publish(ctx, c.ProjectID, events.CommentNotification{
		CommentID: c.ID,
		BugID:     c.BugID,
		BugTitle:  c.BugTitle,
		Commenter: c.Commenter,
		Message:   c.Message,
		ProjectID: c.ProjectID,
		CreatedAt: c.CreatedAt,
	})
}

// ActivityRecorded announces an activity log entry.
func (n *Notifier) ActivityRecorded(ctx context.Context, a events.Activity) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	n.Publish(ctx, a.ProjectID, events.ActivityLog{Activity: a})
}

// Publish sends any event and discards the result after logging a failure.
func (n *Notifier) Publish(ctx context.Context, projectID int64, e events.Event) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Errorw("websocket notification panicked", "project_id", projectID, "panic", r)
		}
	}()
	if n.pub == nil {
		return
	}
	if res := n.pub.Publish(ctx, projectID, e); !res.OK() {
		n.log.Warnw("websocket notification failed", "project_id", projectID, "kind", res.Kind, "error", res.Err)
	}
}
