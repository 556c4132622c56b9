package lark

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"hibari/pkg/hibari"

	"github.com/oklog/ulid/v2"
)

const (
	eventTypeMessageReceive = "im.message.receive_v1"
	chatTypeGroup           = "group"

	maxWebhookBodyBytes = 1 << 20
)

// EventHandler consumes one decoded inbound message event. Handlers run on
// their own goroutine per event; they must not retain the request context.
type EventHandler func(ctx context.Context, event hibari.MessageEvent)

// WebhookConfig configures the Lark event subscription endpoint.
type WebhookConfig struct {
	// VerificationToken, when set, rejects events whose header token does
	// not match.
	VerificationToken string
	// BotOpenID is the application's own open id, used to detect mentions
	// of the bot.
	BotOpenID string
}

// WebhookOption mutates webhook construction.
type WebhookOption func(*Webhook)

// WithWebhookLogger configures structured logging for event intake.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(w *Webhook) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Webhook decodes Lark event subscription callbacks into neutral message
// events and dispatches them to the handler.
type Webhook struct {
	cfg     WebhookConfig
	handler EventHandler
	logger  *slog.Logger

	entropyMu sync.Mutex
	entropy   io.Reader

	dispatches sync.WaitGroup
}

// NewWebhook builds the event intake endpoint.
func NewWebhook(cfg WebhookConfig, handler EventHandler, options ...WebhookOption) (*Webhook, error) {
	if handler == nil {
		return nil, fmt.Errorf("new lark webhook: nil handler")
	}

	webhook := &Webhook{
		cfg:     cfg,
		handler: handler,
		logger:  slog.Default(),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, option := range options {
		option(webhook)
	}

	return webhook, nil
}

// Wait blocks until all in-flight event dispatches complete.
func (w *Webhook) Wait() {
	w.dispatches.Wait()
}

type webhookEnvelope struct {
	// URL verification handshake fields.
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`

	Schema string `json:"schema"`
	Header struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event json.RawMessage `json:"event"`
}

type messageReceiveEvent struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string           `json:"message_id"`
		ParentID    string           `json:"parent_id"`
		CreateTime  string           `json:"create_time"`
		ChatID      string           `json:"chat_id"`
		ChatType    string           `json:"chat_type"`
		MessageType string           `json:"message_type"`
		Content     string           `json:"content"`
		Mentions    []contentMention `json:"mentions"`
	} `json:"message"`
}

func (w *Webhook) ServeHTTP(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(response, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(request.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(response, "read body", http.StatusBadRequest)
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		http.Error(response, "decode body", http.StatusBadRequest)
		return
	}

	if envelope.Type == "url_verification" {
		w.answerChallenge(response, envelope)
		return
	}

	if w.cfg.VerificationToken != "" && envelope.Header.Token != w.cfg.VerificationToken {
		w.logger.WarnContext(request.Context(), "lark webhook token mismatch",
			"event_id", envelope.Header.EventID,
		)
		http.Error(response, "forbidden", http.StatusForbidden)
		return
	}

	if envelope.Header.EventType == eventTypeMessageReceive {
		w.dispatchMessage(request.Context(), envelope)
	}

	// Lark expects a fast 200 regardless of whether the event was handled;
	// slow responses trigger redelivery.
	response.WriteHeader(http.StatusOK)
	_, _ = response.Write([]byte(`{}`))
}

func (w *Webhook) answerChallenge(response http.ResponseWriter, envelope webhookEnvelope) {
	if w.cfg.VerificationToken != "" && envelope.Token != w.cfg.VerificationToken {
		http.Error(response, "forbidden", http.StatusForbidden)
		return
	}

	response.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(response).Encode(map[string]string{"challenge": envelope.Challenge})
}

func (w *Webhook) dispatchMessage(ctx context.Context, envelope webhookEnvelope) {
	var parsed messageReceiveEvent
	if err := json.Unmarshal(envelope.Event, &parsed); err != nil {
		w.logger.WarnContext(ctx, "lark webhook decode event",
			"event_id", envelope.Header.EventID,
			"error", err,
		)
		return
	}
	if parsed.Message.ChatType != chatTypeGroup {
		return
	}

	content, err := DecodeContent(parsed.Message.MessageType, parsed.Message.Content, parsed.Message.Mentions)
	if err != nil {
		w.logger.WarnContext(ctx, "lark webhook decode content",
			"event_id", envelope.Header.EventID,
			"message_id", parsed.Message.MessageID,
			"error", err,
		)
		return
	}

	event := hibari.MessageEvent{
		ID:              w.newEventID(),
		Platform:        "lark",
		GroupID:         parsed.Message.ChatID,
		MessageID:       parsed.Message.MessageID,
		ParentMessageID: parsed.Message.ParentID,
		Sender: hibari.Actor{
			ID:    parsed.Sender.SenderID.OpenID,
			IsBot: parsed.Sender.SenderType == "app",
		},
		Content:     content,
		MentionsBot: mentionsBot(parsed.Message.Mentions, w.cfg.BotOpenID),
		OccurredAt:  parseEventTime(parsed.Message.CreateTime),
	}
	if err := event.Validate(); err != nil {
		w.logger.WarnContext(ctx, "lark webhook invalid event",
			"event_id", envelope.Header.EventID,
			"error", err,
		)
		return
	}

	w.dispatches.Add(1)
	go func() {
		defer w.dispatches.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				w.logger.Error("lark webhook handler panic",
					"event_id", event.ID,
					"message_id", event.MessageID,
					"panic", recovered,
				)
			}
		}()

		w.handler(context.WithoutCancel(ctx), event)
	}()
}

func (w *Webhook) newEventID() string {
	w.entropyMu.Lock()
	defer w.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), w.entropy).String()
}

func parseEventTime(raw string) time.Time {
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || millis <= 0 {
		return time.Now()
	}

	return time.UnixMilli(millis)
}
