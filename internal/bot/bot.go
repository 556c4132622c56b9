// Package bot wires the retention engine, platform client, and LLM provider
// into the assistant pipeline that answers group messages.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hibari/internal/history"
	"hibari/internal/inject"
	"hibari/internal/lookup"
	"hibari/internal/memory"
	"hibari/internal/textutil"
	"hibari/pkg/hibari"
)

const (
	defaultRequestTimeout = 90 * time.Second

	// reactedSetCapacity bounds the reaction dedupe window.
	reactedSetCapacity = 256
)

// RewriteFunc converts "@Name" spans in outbound text into platform mention
// syntax. A nil func leaves text untouched.
type RewriteFunc func(ctx context.Context, groupID, text string) string

// Config tunes one assistant pipeline.
type Config struct {
	// BotName is the assistant's display name, recorded as the history
	// sender for its own replies.
	BotName string
	// Model is the provider model identifier.
	Model string
	// Temperature controls output randomness. Zero uses provider default.
	Temperature float64
	// MaxOutputTokens bounds generation length. Zero uses provider default.
	MaxOutputTokens int
	// RequestTimeout bounds one LLM turn end to end.
	RequestTimeout time.Duration
	// AckEmoji is the reaction placed on messages the bot will answer.
	// Empty disables the acknowledgement reaction.
	AckEmoji string
	// SystemPromptTemplate is the persona template.
	SystemPromptTemplate string
	// TemplateVariables are extra persona template variables.
	TemplateVariables map[string]string
}

// Deps are the collaborators the pipeline drives. All fields except Rewrite
// are required.
type Deps struct {
	Platform hibari.PlatformClient
	Sink     hibari.StreamSink
	Provider hibari.LLMProvider
	History  *history.Store
	Memory   *memory.Store
	Injector *inject.Injector
	Names    *lookup.Cache[string]
	Groups   *lookup.Cache[hibari.GroupInfo]
	Rewrite  RewriteFunc
	// Self is the bot's own platform identity, used to drop echoes.
	Self hibari.Actor
}

// Option mutates pipeline construction.
type Option func(*Bot)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bot) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bot is the assistant pipeline.
type Bot struct {
	cfg     Config
	deps    Deps
	prompt  *promptBuilder
	logger  *slog.Logger
	reacted *reactedSet
}

// New constructs the pipeline.
func New(cfg Config, deps Deps, options ...Option) (*Bot, error) {
	if deps.Platform == nil {
		return nil, fmt.Errorf("new bot: nil platform")
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("new bot: nil sink")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("new bot: nil provider")
	}
	if deps.History == nil {
		return nil, fmt.Errorf("new bot: nil history store")
	}
	if deps.Memory == nil {
		return nil, fmt.Errorf("new bot: nil memory store")
	}
	if deps.Injector == nil {
		return nil, fmt.Errorf("new bot: nil injector")
	}
	if deps.Names == nil {
		return nil, fmt.Errorf("new bot: nil name cache")
	}
	if deps.Groups == nil {
		return nil, fmt.Errorf("new bot: nil group cache")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("new bot: empty model")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	prompt, err := newPromptBuilder(cfg.BotName, cfg.SystemPromptTemplate, cfg.TemplateVariables)
	if err != nil {
		return nil, fmt.Errorf("new bot: %w", err)
	}

	bot := &Bot{
		cfg:     cfg,
		deps:    deps,
		prompt:  prompt,
		logger:  slog.Default(),
		reacted: newReactedSet(reactedSetCapacity),
	}
	for _, option := range options {
		option(bot)
	}

	return bot, nil
}

// HandleMessage processes one inbound group message end to end. Failures are
// logged and never propagate past the pipeline; a broken turn must not take
// the process down.
func (b *Bot) HandleMessage(ctx context.Context, event hibari.MessageEvent) {
	if err := event.Validate(); err != nil {
		b.logger.WarnContext(ctx, "dropping invalid event", "error", err)
		return
	}
	if event.Sender.IsBot || event.Sender.ID == b.deps.Self.ID {
		return
	}

	content := textutil.Clean(event.Content)
	if content == "" {
		return
	}

	if handled := b.handleCommand(ctx, event, content); handled {
		return
	}

	senderName := b.resolveName(ctx, event.Sender.ID)
	entry := history.Entry{
		Timestamp: event.OccurredAt,
		Sender:    senderName,
		Role:      history.RoleUser,
		Content:   content,
	}

	if !event.MentionsBot {
		b.deps.History.Append(event.GroupID, entry)
		return
	}

	b.acknowledge(ctx, event)

	if err := b.runTurn(ctx, event, content, entry); err != nil {
		b.logger.ErrorContext(ctx, "reply turn failed",
			"group", event.GroupID,
			"message_id", event.MessageID,
			"error", err,
		)
	}
}

// runTurn executes one LLM reply: bundle selection, prompt assembly,
// streaming generation, and delivery.
func (b *Bot) runTurn(ctx context.Context, event hibari.MessageEvent, content string, userEntry history.Entry) error {
	turnCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	// The inbound message is recorded only after the bundle is selected, so
	// the injected history holds prior messages and the one being answered
	// appears solely as the user turn.
	bundle, selectErr := b.deps.Injector.Select(turnCtx, event.GroupID, event.Sender.ID)
	b.deps.History.Append(event.GroupID, userEntry)
	if selectErr != nil {
		return fmt.Errorf("select context bundle: %w", selectErr)
	}

	turn := turnContext{
		bundle:  bundle,
		content: content,
		group:   b.groupSketch(turnCtx, event.GroupID),
	}
	if event.ParentMessageID != "" {
		turn.quotedText, turn.quotedSender = b.quotedContext(turnCtx, event.ParentMessageID)
	}

	messages, err := b.prompt.Build(turn)
	if err != nil {
		return fmt.Errorf("build prompt: %w", err)
	}

	finalText, err := b.generate(turnCtx, event, messages)
	if err != nil {
		return err
	}
	if finalText == "" {
		return nil
	}

	b.deps.History.Append(event.GroupID, history.Entry{
		Timestamp: time.Now(),
		Sender:    b.cfg.BotName,
		Role:      history.RoleAssistant,
		Content:   finalText,
	})
	if err := b.deps.History.Flush(); err != nil {
		b.logger.WarnContext(ctx, "post-reply history flush failed",
			"group", event.GroupID,
			"error", err,
		)
	}

	return nil
}

// generate streams the provider response into the sink and returns the
// delivered text.
func (b *Bot) generate(
	ctx context.Context,
	event hibari.MessageEvent,
	messages []hibari.LLMMessage,
) (text string, err error) {
	stream, err := b.deps.Provider.GenerateStream(ctx, hibari.LLMGenerateRequest{
		Model:           b.cfg.Model,
		Messages:        messages,
		Temperature:     b.cfg.Temperature,
		MaxOutputTokens: b.cfg.MaxOutputTokens,
	})
	if err != nil {
		return "", fmt.Errorf("generate stream: %w", err)
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close stream: %w", closeErr)
		}
	}()

	handle, err := b.deps.Sink.Open(ctx, hibari.ReplyTarget{
		GroupID:          event.GroupID,
		ReplyToMessageID: event.MessageID,
	})
	if err != nil {
		return "", fmt.Errorf("open reply delivery: %w", err)
	}

	var answer strings.Builder
	for {
		chunk, recvErr := stream.Recv(ctx)
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			if discardErr := handle.Discard(ctx); discardErr != nil {
				b.logger.WarnContext(ctx, "discard reply delivery failed", "error", discardErr)
			}
			return "", fmt.Errorf("receive chunk: %w", recvErr)
		}
		if chunk.Kind != hibari.LLMGenerateChunkKindOutputText && chunk.Kind != "" {
			continue
		}
		if chunk.Delta == "" {
			continue
		}

		answer.WriteString(chunk.Delta)
		if updateErr := handle.Update(ctx, answer.String()); updateErr != nil {
			b.logger.WarnContext(ctx, "intermediate update failed", "error", updateErr)
		}
	}

	finalText := strings.TrimSpace(answer.String())
	if finalText != "" && b.deps.Rewrite != nil {
		finalText = b.deps.Rewrite(ctx, event.GroupID, finalText)
	}
	if finalizeErr := handle.Finalize(ctx, finalText); finalizeErr != nil {
		return "", fmt.Errorf("finalize reply: %w", finalizeErr)
	}

	return finalText, nil
}

// acknowledge reacts to the inbound message exactly once.
func (b *Bot) acknowledge(ctx context.Context, event hibari.MessageEvent) {
	if b.cfg.AckEmoji == "" {
		return
	}
	if !b.reacted.Add(event.MessageID) {
		return
	}

	if err := b.deps.Platform.React(ctx, event.MessageID, b.cfg.AckEmoji); err != nil {
		b.logger.WarnContext(ctx, "acknowledge reaction failed",
			"message_id", event.MessageID,
			"error", err,
		)
	}
}

func (b *Bot) resolveName(ctx context.Context, userID string) string {
	name, err := b.deps.Names.GetOrFetch(ctx, userID, func(ctx context.Context) (string, error) {
		return b.deps.Platform.ResolveDisplayName(ctx, userID)
	})
	if err != nil {
		return hibari.FallbackDisplayName(userID)
	}

	return name
}

func (b *Bot) groupSketch(ctx context.Context, groupID string) hibari.GroupInfo {
	info, err := b.deps.Groups.GetOrFetch(ctx, groupID, func(ctx context.Context) (hibari.GroupInfo, error) {
		return b.deps.Platform.GroupInfo(ctx, groupID)
	})
	if err != nil {
		b.logger.WarnContext(ctx, "group info lookup degraded",
			"group", groupID,
			"error", err,
		)
		return hibari.GroupInfo{ID: groupID}
	}

	return info
}

func (b *Bot) quotedContext(ctx context.Context, messageID string) (text, sender string) {
	message, err := b.deps.Platform.GetMessage(ctx, messageID)
	if err != nil {
		b.logger.WarnContext(ctx, "quoted message lookup failed",
			"message_id", messageID,
			"error", err,
		)
		return "", ""
	}
	if message.Content == "" {
		return "", ""
	}
	if message.SenderID != "" {
		sender = b.resolveName(ctx, message.SenderID)
	}

	return message.Content, sender
}

// Close flushes and releases the retention engine. Safe to call once during
// shutdown after intake has drained.
func (b *Bot) Close() error {
	return errors.Join(
		b.deps.History.Close(),
		b.deps.Memory.Close(),
	)
}

// reactedSet is a bounded FIFO set of recently acknowledged message IDs.
// Safe for concurrent use.
type reactedSet struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

func newReactedSet(capacity int) *reactedSet {
	if capacity <= 0 {
		capacity = reactedSetCapacity
	}

	return &reactedSet{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		seen:     make(map[string]struct{}, capacity),
	}
}

// Add records the ID and reports whether it was newly added.
func (s *reactedSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen[id]; exists {
		return false
	}

	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, oldest)
	}
	s.order = append(s.order, id)
	s.seen[id] = struct{}{}

	return true
}
