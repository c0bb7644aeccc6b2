package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownEventType is returned for frames or values outside the closed
	// set of event kinds.
	ErrUnknownEventType = errors.New("events: unknown event type")
	// ErrMalformedFrame is returned when a frame is not valid JSON for its kind.
	ErrMalformedFrame = errors.New("events: malformed frame")
)

type frameHeader struct {
	Type Kind `json:"type"`
}

type bugNotificationFrame struct {
	Type       Kind         `json:"type"`
	EventType  BugEventType `json:"event_type"`
	BugID      int64        `json:"bug_id"`
	BugTitle   string       `json:"bug_title"`
	BugStatus  string       `json:"bug_status"`
	ProjectID  int64        `json:"project_id"`
	User       string       `json:"user"`
	AssignedTo *string      `json:"assigned_to,omitempty"`
}

type typingIndicatorFrame struct {
	Type     Kind   `json:"type"`
	User     string `json:"user"`
	BugID    *int64 `json:"bug_id"`
	IsTyping bool   `json:"is_typing"`
}

type activityLogFrame struct {
	Type     Kind     `json:"type"`
	Activity Activity `json:"activity"`
}

type commentNotificationFrame struct {
	Type      Kind   `json:"type"`
	CommentID int64  `json:"comment_id"`
	BugID     int64  `json:"bug_id"`
	BugTitle  string `json:"bug_title"`
	Commenter string `json:"commenter"`
	Message   string `json:"message"`
	ProjectID int64  `json:"project_id"`
	CreatedAt string `json:"created_at"`
}

// Encode serializes an event into its outbound text frame.
func Encode(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case BugNotification:
		return json.Marshal(bugNotificationFrame{
			Type:       KindBugNotification,
			EventType:  ev.EventType,
			BugID:      ev.BugID,
			BugTitle:   ev.BugTitle,
			BugStatus:  ev.BugStatus,
			ProjectID:  ev.ProjectID,
			User:       ev.User,
			AssignedTo: ev.AssignedTo,
		})
	case TypingIndicator:
		return json.Marshal(typingIndicatorFrame{
			Type:     KindTypingIndicator,
			User:     ev.User,
			BugID:    ev.BugID,
			IsTyping: ev.IsTyping,
		})
	case ActivityLog:
		return json.Marshal(activityLogFrame{
			Type:     KindActivityLog,
			Activity: ev.Activity,
		})
	case CommentNotification:
		return json.Marshal(commentNotificationFrame{
			Type:      KindCommentNotification,
			CommentID: ev.CommentID,
			BugID:     ev.BugID,
			BugTitle:  ev.BugTitle,
			Commenter: ev.Commenter,
			Message:   ev.Message,
			ProjectID: ev.ProjectID,
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, e)
	}
}

// Decode parses an outbound frame back into an Event. It is used on the
// receiving side of the backplane and by the internal publish endpoint.
func Decode(raw []byte) (Event, error) {
	var header frameHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch header.Type {
	case KindBugNotification:
		var f bugNotificationFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return BugNotification{
			EventType:  f.EventType,
			BugID:      f.BugID,
			BugTitle:   f.BugTitle,
			BugStatus:  f.BugStatus,
			ProjectID:  f.ProjectID,
			User:       f.User,
			AssignedTo: f.AssignedTo,
		}, nil
	case KindTypingIndicator:
		var f typingIndicatorFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return TypingIndicator{User: f.User, BugID: f.BugID, IsTyping: f.IsTyping}, nil
	case KindActivityLog:
		var f activityLogFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return ActivityLog{Activity: f.Activity}, nil
	case KindCommentNotification:
		var f commentNotificationFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, f.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: created_at: %v", ErrMalformedFrame, err)
		}
		return CommentNotification{
			CommentID: f.CommentID,
			BugID:     f.BugID,
			BugTitle:  f.BugTitle,
			Commenter: f.Commenter,
			Message:   f.Message,
			ProjectID: f.ProjectID,
			CreatedAt: createdAt,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, header.Type)
	}
}
