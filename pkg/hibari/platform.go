package hibari

import (
	"context"
	"time"
)

// FallbackDisplayName derives a degraded display name from a user identifier,
// used when the platform refuses or fails a name lookup.
func FallbackDisplayName(userID string) string {
	suffix := userID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	if suffix == "" {
		return "user"
	}

	return "user(" + suffix + ")"
}

// GroupInfo describes one group conversation.
type GroupInfo struct {
	// ID is the platform group identifier.
	ID string
	// Name is the group title.
	Name string
	// Description is the operator-set group description, possibly empty.
	Description string
	// MemberCount is the reported member count, zero when unknown.
	MemberCount int
}

// GroupMember is one resolved member of a group conversation.
type GroupMember struct {
	// ID is the platform user identifier.
	ID string
	// DisplayName is the member's name inside this group.
	DisplayName string
}

// ChatMessage is one fetched historical message, used for quoted-reply context.
type ChatMessage struct {
	// ID is the platform message identifier.
	ID string
	// SenderID is the author's platform identifier.
	SenderID string
	// Content is the decoded plain-text body.
	Content string
	// SentAt is the platform message timestamp.
	SentAt time.Time
}

// PlatformClient exposes the platform read and write operations the pipeline
// needs, behind a neutral surface.
//
// Lookup methods return ErrPermissionDenied when the platform refuses access
// and ErrTransient for retryable failures; callers choose caching policy from
// that classification.
type PlatformClient interface {
	// BotIdentity returns the application's own actor identity.
	BotIdentity(ctx context.Context) (Actor, error)
	// ResolveDisplayName returns the display name for one user.
	ResolveDisplayName(ctx context.Context, userID string) (string, error)
	// GroupInfo returns metadata for one group conversation.
	GroupInfo(ctx context.Context, groupID string) (GroupInfo, error)
	// GroupMembers returns the resolved member list for one group.
	GroupMembers(ctx context.Context, groupID string) ([]GroupMember, error)
	// GetMessage fetches one message by identifier.
	GetMessage(ctx context.Context, messageID string) (ChatMessage, error)
	// ReplyText sends a plain-text reply to one message and returns the new
	// message identifier.
	ReplyText(ctx context.Context, messageID, text string) (string, error)
	// React attaches one emoji reaction to a message.
	React(ctx context.Context, messageID, emoji string) error
}
