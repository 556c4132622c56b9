package hibari

import (
	"fmt"
	"strings"
	"time"
)

// Actor identifies one message author on the chat platform.
type Actor struct {
	// ID is the platform-stable user identifier (open_id on Lark).
	ID string
	// DisplayName is the human-readable name, resolved best-effort.
	DisplayName string
	// IsBot reports whether this actor is an application identity.
	IsBot bool
}

// MessageEvent is one neutral inbound group message.
//
// Drivers decode platform payloads into this envelope before dispatch, so the
// pipeline never sees platform-specific structures.
type MessageEvent struct {
	// ID is the intake-assigned event identifier (ULID, sortable by arrival).
	ID string
	// Platform names the originating driver, for example "lark".
	Platform string
	// GroupID identifies the group conversation this message belongs to.
	GroupID string
	// MessageID is the platform message identifier.
	MessageID string
	// ParentMessageID is the replied-to message identifier, empty when the
	// message is not a reply.
	ParentMessageID string
	// Sender is the message author.
	Sender Actor
	// Content is the decoded plain-text message body.
	Content string
	// MentionsBot reports whether the message @-mentions the bot identity.
	MentionsBot bool
	// OccurredAt is the platform message timestamp.
	OccurredAt time.Time
}

// Validate checks the fields the pipeline depends on.
func (e MessageEvent) Validate() error {
	if strings.TrimSpace(e.GroupID) == "" {
		return fmt.Errorf("%w: missing group id", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.MessageID) == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.Sender.ID) == "" {
		return fmt.Errorf("%w: missing sender id", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}

	return nil
}
