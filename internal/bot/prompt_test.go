package bot

import (
	"strings"
	"testing"
	"time"

	"hibari/internal/history"
	"hibari/internal/inject"
	"hibari/internal/memory"
	"hibari/pkg/hibari"
)

func newTestPromptBuilder(t *testing.T) *promptBuilder {
	t.Helper()

	builder, err := newPromptBuilder(
		"Hibari",
		"You are {{.BotName}}, assistant for {{.Team}}.",
		map[string]string{"Team": "the platform team"},
	)
	if err != nil {
		t.Fatalf("newPromptBuilder: %v", err)
	}

	return builder
}

func TestNewPromptBuilderValidates(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		botName   string
		template  string
		variables map[string]string
	}{
		{name: "empty bot name", botName: "  ", template: "hello"},
		{name: "malformed template", botName: "Hibari", template: "{{.Broken"},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if _, err := newPromptBuilder(testCase.botName, testCase.template, testCase.variables); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestBuildRendersPersonaAndVariables(t *testing.T) {
	t.Parallel()

	builder := newTestPromptBuilder(t)
	messages, err := builder.Build(turnContext{
		bundle:  inject.Bundle{SenderName: "Rin"},
		content: "hello",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(messages))
	}

	system := messages[0]
	if system.Role != hibari.LLMMessageRoleSystem {
		t.Fatalf("first role = %q, want system", system.Role)
	}
	if !strings.HasPrefix(system.Content, "You are Hibari, assistant for the platform team.") {
		t.Fatalf("system prompt = %q", system.Content)
	}
	if !strings.Contains(system.Content, "[Output format]") {
		t.Fatalf("system prompt missing output format section: %q", system.Content)
	}
	if !strings.Contains(system.Content, "[Current speaker]\nName: Rin") {
		t.Fatalf("system prompt missing speaker section: %q", system.Content)
	}

	user := messages[1]
	if user.Role != hibari.LLMMessageRoleUser {
		t.Fatalf("second role = %q, want user", user.Role)
	}
	if user.Content != "Rin: hello" {
		t.Fatalf("user message = %q", user.Content)
	}
}

func TestBuildOmitsEmptySections(t *testing.T) {
	t.Parallel()

	builder := newTestPromptBuilder(t)
	messages, err := builder.Build(turnContext{
		bundle:  inject.Bundle{SenderName: "Rin"},
		content: "hi",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	system := messages[0].Content
	for _, header := range []string{
		"[Current group]",
		"[Memories about the current speaker]",
		"[Memories about this group]",
		"[Recent group messages",
	} {
		if strings.Contains(system, header) {
			t.Fatalf("system prompt contains %q despite empty input: %q", header, system)
		}
	}
}

func TestBuildIncludesGroupMemoriesAndHistory(t *testing.T) {
	t.Parallel()

	builder := newTestPromptBuilder(t)
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	messages, err := builder.Build(turnContext{
		bundle: inject.Bundle{
			SenderName: "Rin",
			UserMemories: []memory.Record{
				{Kind: memory.KindPreference, Content: "short answers"},
			},
			GroupMemories: []memory.Record{
				{Kind: memory.KindFact, Content: "standup is at 9:30"},
			},
			History: []history.Entry{
				{Timestamp: at, Sender: "Aoi", Role: history.RoleUser, Content: "deploy done"},
				{Timestamp: at.Add(time.Minute), Sender: "Hibari", Role: history.RoleAssistant, Content: "nice work"},
			},
		},
		group:   hibari.GroupInfo{ID: "oc_g1", Name: "Dev Chat", Description: "daily standup"},
		content: "what next?",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	system := messages[0].Content
	for _, want := range []string{
		"[Current group]\nName: Dev Chat\nDescription: daily standup",
		"[Memories about the current speaker]\n- [preference] short answers",
		"[Memories about this group]\n- [fact] standup is at 9:30",
		"[Recent group messages (2, oldest first; the current message is not included)]",
		"[09:30:00] Aoi: deploy done",
		"[09:31:00] Hibari: nice work",
	} {
		if !strings.Contains(system, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, system)
		}
	}
}

func TestBuildPrefixesQuotedContext(t *testing.T) {
	t.Parallel()

	builder := newTestPromptBuilder(t)
	messages, err := builder.Build(turnContext{
		bundle:       inject.Bundle{SenderName: "Rin"},
		content:      "thoughts?",
		quotedText:   "the deploy failed at step 3",
		quotedSender: "Aoi",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := "(The user is replying to a message from Aoi:\nthe deploy failed at step 3)\n\nRin: thoughts?"
	if messages[1].Content != want {
		t.Fatalf("user message = %q, want %q", messages[1].Content, want)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	t.Parallel()

	builder := newTestPromptBuilder(t)
	turn := turnContext{
		bundle: inject.Bundle{
			SenderName:   "Rin",
			UserMemories: []memory.Record{{Kind: memory.KindFact, Content: "uses vim"}},
		},
		group:   hibari.GroupInfo{ID: "oc_g1", Name: "Dev Chat"},
		content: "status?",
	}

	first, err := builder.Build(turn)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	second, err := builder.Build(turn)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if first[0].Content != second[0].Content || first[1].Content != second[1].Content {
		t.Fatal("identical turns produced different prompts")
	}
}

func TestBuildFailsOnMissingTemplateVariable(t *testing.T) {
	t.Parallel()

	builder, err := newPromptBuilder("Hibari", "serving {{.Missing}}", nil)
	if err != nil {
		t.Fatalf("newPromptBuilder: %v", err)
	}

	if _, err := builder.Build(turnContext{
		bundle:  inject.Bundle{SenderName: "Rin"},
		content: "hi",
	}); err == nil {
		t.Fatal("expected render error for missing variable, got nil")
	}
}
