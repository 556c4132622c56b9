package lark

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"hibari/internal/lookup"
	"hibari/internal/textutil"
	"hibari/pkg/hibari"
)

const memberPatternTTL = 5 * time.Minute

type memberPattern struct {
	pattern   *regexp.Regexp
	idsByName map[string]string
}

// MentionRewriter converts "@Name" spans in outbound text into Lark at tags
// so mentions actually ping. Member lists are fetched per group and cached
// briefly; on any failure the text passes through unchanged.
type MentionRewriter struct {
	platform hibari.PlatformClient
	patterns *lookup.Cache[*memberPattern]
	logger   *slog.Logger
}

// NewMentionRewriter builds the outbound mention rewriter.
func NewMentionRewriter(platform hibari.PlatformClient, logger *slog.Logger) (*MentionRewriter, error) {
	if platform == nil {
		return nil, fmt.Errorf("new mention rewriter: nil platform")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &MentionRewriter{
		platform: platform,
		patterns: lookup.New(
			lookup.WithTTL[*memberPattern](memberPatternTTL),
			lookup.WithLogger[*memberPattern](logger),
		),
		logger: logger,
	}, nil
}

// Rewrite resolves "@Name" spans against the group's member list. Unknown
// names and lookup failures leave the text untouched.
func (r *MentionRewriter) Rewrite(ctx context.Context, groupID, text string) string {
	if text == "" || groupID == "" {
		return text
	}

	pattern, err := r.patterns.GetOrFetch(ctx, groupID, func(ctx context.Context) (*memberPattern, error) {
		return r.buildPattern(ctx, groupID)
	})
	if err != nil {
		r.logger.WarnContext(ctx, "mention rewrite member lookup failed",
			"group", groupID,
			"error", err,
		)
		return text
	}
	if pattern == nil || pattern.pattern == nil {
		return text
	}

	return textutil.RewriteMentions(text, pattern.pattern, func(name string) (string, bool) {
		id, ok := pattern.idsByName[name]
		return id, ok
	})
}

// Invalidate drops the cached pattern for one group, forcing a refetch on
// the next rewrite. Called when membership changes are observed.
func (r *MentionRewriter) Invalidate(groupID string) {
	r.patterns.Invalidate(groupID)
}

func (r *MentionRewriter) buildPattern(ctx context.Context, groupID string) (*memberPattern, error) {
	members, err := r.platform.GroupMembers(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("fetch group members: %w", err)
	}
	if len(members) == 0 {
		return &memberPattern{}, nil
	}

	names := make([]string, 0, len(members))
	idsByName := make(map[string]string, len(members))
	for _, member := range members {
		if member.DisplayName == "" || member.ID == "" {
			continue
		}
		names = append(names, member.DisplayName)
		idsByName[member.DisplayName] = member.ID
	}
	if len(names) == 0 {
		return &memberPattern{}, nil
	}

	pattern, err := textutil.MentionPattern(names)
	if err != nil {
		return nil, fmt.Errorf("build mention pattern: %w", err)
	}

	return &memberPattern{pattern: pattern, idsByName: idsByName}, nil
}
