package bot

import (
	"context"
	"fmt"
	"strings"

	"hibari/internal/memory"
	"hibari/pkg/hibari"
)

const commandUsage = `Commands:
/remember <type> <content> - save a memory about you (type: instruction, preference, fact)
/remember group <type> <content> - save a memory shared by this group
/memories - list stored memories
/forget all - forget everything stored about you
/forget <text> - forget your memories containing <text>
/reset - clear this group's recent message history`

// handleCommand routes slash commands and reports whether the message was
// consumed. Command messages never enter history or reach the LLM.
func (b *Bot) handleCommand(ctx context.Context, event hibari.MessageEvent, content string) bool {
	if !strings.HasPrefix(content, "/") {
		return false
	}

	fields := strings.Fields(content)
	command := strings.ToLower(fields[0])

	var reply string
	switch command {
	case "/remember":
		reply = b.commandRemember(event, fields[1:])
	case "/memories":
		reply = b.commandMemories(event)
	case "/forget":
		reply = b.commandForget(event, fields[1:])
	case "/reset":
		reply = b.commandReset(event)
	case "/help":
		reply = commandUsage
	default:
		// Unknown slash-prefixed text is treated as ordinary chat.
		return false
	}

	if _, err := b.deps.Platform.ReplyText(ctx, event.MessageID, reply); err != nil {
		b.logger.WarnContext(ctx, "command reply failed",
			"command", command,
			"group", event.GroupID,
			"error", err,
		)
	}

	return true
}

func (b *Bot) commandRemember(event hibari.MessageEvent, args []string) string {
	groupScope := false
	if len(args) > 0 && strings.EqualFold(args[0], "group") {
		groupScope = true
		args = args[1:]
	}
	if len(args) < 2 {
		return "Usage: /remember [group] <instruction|preference|fact> <content>"
	}

	kind, err := memory.ParseKind(args[0])
	if err != nil {
		return fmt.Sprintf("Unknown memory type %q. Use instruction, preference, or fact.", args[0])
	}
	content := strings.Join(args[1:], " ")

	var record memory.Record
	if groupScope {
		record, err = b.deps.Memory.SaveGroupScope(event.GroupID, kind, content)
	} else {
		record, err = b.deps.Memory.Save(event.GroupID, event.Sender.ID, kind, content)
	}
	if err != nil {
		return fmt.Sprintf("Could not save that memory: %v", err)
	}

	scope := "you"
	if groupScope {
		scope = "this group"
	}

	return fmt.Sprintf("Remembered for %s: [%s] %s", scope, record.Kind, record.Content)
}

func (b *Bot) commandMemories(event hibari.MessageEvent) string {
	personal := b.deps.Memory.List(event.GroupID, event.Sender.ID)
	shared := b.deps.Memory.ListGroupScope(event.GroupID)
	if len(personal) == 0 && len(shared) == 0 {
		return "No memories stored yet."
	}

	var out strings.Builder
	if len(personal) > 0 {
		out.WriteString("Your memories:\n")
		for i, record := range personal {
			fmt.Fprintf(&out, "%d. [%s] %s\n", i+1, record.Kind, record.Content)
		}
	}
	if len(shared) > 0 {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("Group memories:\n")
		for i, record := range shared {
			fmt.Fprintf(&out, "%d. [%s] %s\n", i+1, record.Kind, record.Content)
		}
	}

	return strings.TrimRight(out.String(), "\n")
}

func (b *Bot) commandForget(event hibari.MessageEvent, args []string) string {
	if len(args) == 0 {
		return "Usage: /forget all, or /forget <text> to remove memories containing <text>"
	}

	target := strings.Join(args, " ")
	removed, err := b.deps.Memory.Forget(event.GroupID, event.Sender.ID, target)
	if err != nil {
		return fmt.Sprintf("Could not forget: %v", err)
	}
	if removed == 0 {
		return "Nothing matched."
	}
	if removed == 1 {
		return "Forgot 1 memory."
	}

	return fmt.Sprintf("Forgot %d memories.", removed)
}

func (b *Bot) commandReset(event hibari.MessageEvent) string {
	if err := b.deps.History.Clear(event.GroupID); err != nil {
		return fmt.Sprintf("Could not clear history: %v", err)
	}

	return "Recent message history cleared for this group."
}
