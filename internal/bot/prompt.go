package bot

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"hibari/internal/history"
	"hibari/internal/inject"
	"hibari/internal/memory"
	"hibari/pkg/hibari"
)

// promptBuilder renders the persona template and assembles the message list
// sent to the provider for one turn.
type promptBuilder struct {
	botName   string
	template  *template.Template
	variables map[string]string
}

func newPromptBuilder(botName, systemTemplate string, variables map[string]string) (*promptBuilder, error) {
	botName = strings.TrimSpace(botName)
	if botName == "" {
		return nil, fmt.Errorf("new prompt builder: empty bot name")
	}
	parsed, err := template.New("system-prompt").Option("missingkey=error").Parse(systemTemplate)
	if err != nil {
		return nil, fmt.Errorf("new prompt builder parse template: %w", err)
	}

	merged := make(map[string]string, len(variables)+1)
	for key, value := range variables {
		merged[key] = value
	}
	if _, exists := merged["BotName"]; !exists {
		merged["BotName"] = botName
	}

	return &promptBuilder{
		botName:   botName,
		template:  parsed,
		variables: merged,
	}, nil
}

// turnContext carries everything one reply turn knows about its surroundings.
type turnContext struct {
	bundle       inject.Bundle
	group        hibari.GroupInfo
	quotedText   string
	quotedSender string
	content      string
}

func (b *promptBuilder) Build(turn turnContext) ([]hibari.LLMMessage, error) {
	var persona strings.Builder
	if err := b.template.Execute(&persona, b.variables); err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}

	sections := []string{strings.TrimSpace(persona.String())}
	sections = append(sections,
		"[Output format]\n"+
			"Reply in plain natural language. Never emit serialized structures "+
			"such as JSON arrays or component lists.")

	if turn.group.Name != "" {
		group := "[Current group]\nName: " + turn.group.Name
		if turn.group.Description != "" {
			group += "\nDescription: " + turn.group.Description
		}
		sections = append(sections, group)
	}

	sections = append(sections, "[Current speaker]\nName: "+turn.bundle.SenderName)

	if section := renderMemories("[Memories about the current speaker]", turn.bundle.UserMemories); section != "" {
		sections = append(sections, section)
	}
	if section := renderMemories("[Memories about this group]", turn.bundle.GroupMemories); section != "" {
		sections = append(sections, section)
	}
	if section := renderHistory(turn.bundle.History); section != "" {
		sections = append(sections, section)
	}

	user := turn.bundle.SenderName + ": " + turn.content
	if turn.quotedText != "" {
		header := "(The user is replying to a message"
		if turn.quotedSender != "" {
			header += " from " + turn.quotedSender
		}
		user = header + ":\n" + turn.quotedText + ")\n\n" + user
	}

	return []hibari.LLMMessage{
		{Role: hibari.LLMMessageRoleSystem, Content: strings.Join(sections, "\n\n")},
		{Role: hibari.LLMMessageRoleUser, Content: user},
	}, nil
}

func renderMemories(header string, records []memory.Record) string {
	if len(records) == 0 {
		return ""
	}

	lines := make([]string, 0, len(records)+1)
	lines = append(lines, header)
	for _, record := range records {
		lines = append(lines, fmt.Sprintf("- [%s] %s", record.Kind, record.Content))
	}

	return strings.Join(lines, "\n")
}

func renderHistory(entries []history.Entry) string {
	if len(entries) == 0 {
		return ""
	}

	lines := make([]string, 0, len(entries)+1)
	lines = append(lines, fmt.Sprintf(
		"[Recent group messages (%d, oldest first; the current message is not included)]",
		len(entries),
	))
	for _, entry := range entries {
		lines = append(lines, fmt.Sprintf(
			"[%s] %s: %s",
			entry.Timestamp.Format(time.TimeOnly),
			entry.Sender,
			entry.Content,
		))
	}

	return strings.Join(lines, "\n")
}
