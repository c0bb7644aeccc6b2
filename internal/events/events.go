// Package events defines the project events pushed to live subscribers.
//
// Event is a closed set: the four variants below are the only implementations,
// and every consumer dispatches over them with an explicit type switch so that
// a new variant cannot be silently ignored.
package events

import "time"

// Kind is the wire tag carried in the "type" field of every frame.
type Kind string

const (
	KindBugNotification     Kind = "bug_notification"
	KindTypingIndicator     Kind = "typing_indicator"
	KindActivityLog         Kind = "activity_log"
	KindCommentNotification Kind = "comment_notification"
)

// BugEventType describes what happened to a bug.
type BugEventType string

const (
	BugCreated BugEventType = "bug_created"
	BugUpdated BugEventType = "bug_updated"
	BugClosed  BugEventType = "bug_closed"
)

// Event is one of BugNotification, TypingIndicator, ActivityLog or
// CommentNotification.
type Event interface {
	Kind() Kind
	event()
}

// BugNotification announces a bug change committed by the CRUD layer.
type BugNotification struct {
	EventType  BugEventType `validate:"required,oneof=bug_created bug_updated bug_closed"`
	BugID      int64        `validate:"required,gt=0"`
	BugTitle   string       `validate:"required"`
	BugStatus  string       `validate:"required"`
	ProjectID  int64        `validate:"required,gt=0"`
	User       string       `validate:"required"`
	AssignedTo *string
}

// TypingIndicator is relayed from one session to every session of the project.
type TypingIndicator struct {
	User     string `validate:"required"`
	BugID    *int64
	IsTyping bool
}

// Activity is a single activity log entry.
type Activity struct {
	User        string    `json:"user" validate:"required"`
	ProjectID   int64     `json:"project_id" validate:"required,gt=0"`
	BugID       *int64    `json:"bug_id,omitempty"`
	Action      string    `json:"action" validate:"required"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// ActivityLog wraps an Activity for delivery.
type ActivityLog struct {
	Activity Activity
}

// CommentNotification announces a new comment on a bug.
type CommentNotification struct {
	CommentID int64     `validate:"required,gt=0"`
	BugID     int64     `validate:"required,gt=0"`
	BugTitle  string    `validate:"required"`
	Commenter string    `validate:"required"`
	Message   string    `validate:"required"`
	ProjectID int64     `validate:"required,gt=0"`
	CreatedAt time.Time `validate:"required"`
}

func (BugNotification) Kind() Kind     { return KindBugNotification }
func (TypingIndicator) Kind() Kind     { return KindTypingIndicator }
func (ActivityLog) Kind() Kind         { return KindActivityLog }
func (CommentNotification) Kind() Kind { return KindCommentNotification }

func (BugNotification) event()     {}
func (TypingIndicator) event()     {}
func (ActivityLog) event()         {}
func (CommentNotification) event() {}
