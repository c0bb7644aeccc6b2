package events

import (
	"encoding/json"
	"fmt"
)

// ClientFrame is the only inbound shape a session understands.
type ClientFrame struct {
	Type     string `json:"type"`
	BugID    *int64 `json:"bug_id"`
	IsTyping *bool  `json:"is_typing"`
}

// ParseClientFrame decodes a text frame received from a browser.
func ParseClientFrame(raw []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// IsTypingIndicator reports whether the frame asks for a typing broadcast.
func (f ClientFrame) IsTypingIndicator() bool {
	return Kind(f.Type) == KindTypingIndicator
}

// TypingIndicator builds the broadcast event on behalf of user. A missing
// is_typing means false.
func (f ClientFrame) TypingIndicator(user string) TypingIndicator {
	isTyping := false
	if f.IsTyping != nil {
		isTyping = *f.IsTyping
	}
	return TypingIndicator{User: user, BugID: f.BugID, IsTyping: isTyping}
}
