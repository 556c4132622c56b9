package lark

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"hibari/pkg/hibari"
)

type platformStub struct {
	members     []hibari.GroupMember
	membersErr  error
	memberCalls atomic.Int64
}

func (s *platformStub) BotIdentity(context.Context) (hibari.Actor, error) {
	return hibari.Actor{ID: "ou_bot", DisplayName: "Hibari", IsBot: true}, nil
}

func (s *platformStub) ResolveDisplayName(_ context.Context, userID string) (string, error) {
	return "user-" + userID, nil
}

func (s *platformStub) GroupInfo(_ context.Context, groupID string) (hibari.GroupInfo, error) {
	return hibari.GroupInfo{ID: groupID}, nil
}

func (s *platformStub) GroupMembers(context.Context, string) ([]hibari.GroupMember, error) {
	s.memberCalls.Add(1)
	if s.membersErr != nil {
		return nil, s.membersErr
	}
	return s.members, nil
}

func (s *platformStub) GetMessage(_ context.Context, messageID string) (hibari.ChatMessage, error) {
	return hibari.ChatMessage{ID: messageID}, nil
}

func (s *platformStub) ReplyText(context.Context, string, string) (string, error) {
	return "om_new", nil
}

func (s *platformStub) React(context.Context, string, string) error {
	return nil
}

func TestRewriteResolvesKnownNames(t *testing.T) {
	t.Parallel()

	platform := &platformStub{members: []hibari.GroupMember{
		{ID: "ou_rin", DisplayName: "Rin"},
		{ID: "ou_aoi", DisplayName: "Aoi Sakura"},
	}}
	rewriter, err := NewMentionRewriter(platform, nil)
	if err != nil {
		t.Fatalf("NewMentionRewriter() error = %v", err)
	}

	got := rewriter.Rewrite(context.Background(), "oc_g", "ping @Rin and @Aoi Sakura please")
	want := `ping <at user_id="ou_rin">Rin</at> and <at user_id="ou_aoi">Aoi Sakura</at> please`
	if got != want {
		t.Fatalf("Rewrite() = %q, want %q", got, want)
	}
}

func TestRewriteCachesMemberList(t *testing.T) {
	t.Parallel()

	platform := &platformStub{members: []hibari.GroupMember{{ID: "ou_rin", DisplayName: "Rin"}}}
	rewriter, err := NewMentionRewriter(platform, nil)
	if err != nil {
		t.Fatalf("NewMentionRewriter() error = %v", err)
	}

	for range 4 {
		rewriter.Rewrite(context.Background(), "oc_g", "hi @Rin")
	}
	if calls := platform.memberCalls.Load(); calls != 1 {
		t.Fatalf("member fetches = %d, want 1 (cached)", calls)
	}

	rewriter.Invalidate("oc_g")
	rewriter.Rewrite(context.Background(), "oc_g", "hi @Rin")
	if calls := platform.memberCalls.Load(); calls != 2 {
		t.Fatalf("member fetches = %d, want refetch after invalidate", calls)
	}
}

func TestRewritePassesThroughOnLookupFailure(t *testing.T) {
	t.Parallel()

	platform := &platformStub{membersErr: fmt.Errorf("%w: members api down", hibari.ErrTransient)}
	rewriter, err := NewMentionRewriter(platform, nil)
	if err != nil {
		t.Fatalf("NewMentionRewriter() error = %v", err)
	}

	text := "hi @Rin"
	if got := rewriter.Rewrite(context.Background(), "oc_g", text); got != text {
		t.Fatalf("Rewrite() = %q, want unchanged text", got)
	}
}

func TestRewriteEmptyMemberListIsNoop(t *testing.T) {
	t.Parallel()

	platform := &platformStub{}
	rewriter, err := NewMentionRewriter(platform, nil)
	if err != nil {
		t.Fatalf("NewMentionRewriter() error = %v", err)
	}

	text := "no members here @Anyone"
	if got := rewriter.Rewrite(context.Background(), "oc_g", text); got != text {
		t.Fatalf("Rewrite() = %q, want unchanged text", got)
	}
}
