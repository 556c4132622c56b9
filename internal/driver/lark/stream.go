package lark

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"hibari/pkg/hibari"
)

const (
	// minUpdateInterval and minUpdateChars gate intermediate card patches:
	// a patch is skipped only when both the elapsed time and the amount of
	// new text are below threshold.
	minUpdateInterval = 300 * time.Millisecond
	minUpdateChars    = 5

	maxUpdateInterval = 10 * time.Second
)

// messageAPI is the subset of the REST client the sinks need.
type messageAPI interface {
	ReplyText(ctx context.Context, messageID, text string) (string, error)
	ReplyCard(ctx context.Context, messageID, cardJSON string) (string, error)
	PatchMessage(ctx context.Context, messageID, cardJSON string) error
	DeleteMessage(ctx context.Context, messageID string) error
}

// SinkOption mutates sink construction.
type SinkOption func(*sinkConfig)

// WithSinkLogger configures structured logging for reply delivery.
func WithSinkLogger(logger *slog.Logger) SinkOption {
	return func(cfg *sinkConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

func withSinkClock(now func() time.Time) SinkOption {
	return func(cfg *sinkConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

type sinkConfig struct {
	logger *slog.Logger
	now    func() time.Time
}

func newSinkConfig(options []SinkOption) sinkConfig {
	cfg := sinkConfig{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, option := range options {
		option(&cfg)
	}

	return cfg
}

// PlainSink delivers each reply as one text message at finalize time.
type PlainSink struct {
	api messageAPI
	cfg sinkConfig
}

// NewPlainSink builds a sink that buffers and sends once.
func NewPlainSink(api messageAPI, options ...SinkOption) (*PlainSink, error) {
	if api == nil {
		return nil, fmt.Errorf("new plain sink: nil api")
	}

	return &PlainSink{api: api, cfg: newSinkConfig(options)}, nil
}

// Open starts one reply delivery.
func (s *PlainSink) Open(ctx context.Context, target hibari.ReplyTarget) (hibari.StreamHandle, error) {
	if err := validateTarget(target); err != nil {
		return nil, fmt.Errorf("plain sink open: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("plain sink open: %w", err)
	}

	return &plainHandle{api: s.api, target: target}, nil
}

type plainHandle struct {
	api    messageAPI
	target hibari.ReplyTarget
	closed bool
}

func (h *plainHandle) Update(_ context.Context, _ string) error {
	if h.closed {
		return hibari.ErrStreamClosed
	}

	return nil
}

func (h *plainHandle) Finalize(ctx context.Context, text string) error {
	if h.closed {
		return hibari.ErrStreamClosed
	}
	h.closed = true

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if _, err := h.api.ReplyText(ctx, h.target.ReplyToMessageID, trimmed); err != nil {
		return fmt.Errorf("plain sink finalize: %w", err)
	}

	return nil
}

func (h *plainHandle) Discard(_ context.Context) error {
	h.closed = true
	return nil
}

// CardSink delivers replies as interactive cards patched progressively while
// the model streams, giving a typewriter effect.
type CardSink struct {
	api messageAPI
	cfg sinkConfig
}

// NewCardSink builds a progressive card sink.
func NewCardSink(api messageAPI, options ...SinkOption) (*CardSink, error) {
	if api == nil {
		return nil, fmt.Errorf("new card sink: nil api")
	}

	return &CardSink{api: api, cfg: newSinkConfig(options)}, nil
}

// Open creates the initial card. When card creation fails the delivery falls
// back to a plain text send at finalize so the reply is never lost.
func (s *CardSink) Open(ctx context.Context, target hibari.ReplyTarget) (hibari.StreamHandle, error) {
	if err := validateTarget(target); err != nil {
		return nil, fmt.Errorf("card sink open: %w", err)
	}

	cardID, err := s.api.ReplyCard(ctx, target.ReplyToMessageID, streamingCard("", false))
	if err != nil {
		s.cfg.logger.WarnContext(ctx, "card sink create failed, falling back to plain reply",
			"group", target.GroupID,
			"reply_to_message_id", target.ReplyToMessageID,
			"error", err,
		)

		return &plainHandle{api: s.api, target: target}, nil
	}

	return &cardHandle{
		api:    s.api,
		cfg:    s.cfg,
		target: target,
		cardID: cardID,
		pacer:  newUpdatePacer(s.cfg.now()),
	}, nil
}

type cardHandle struct {
	api    messageAPI
	cfg    sinkConfig
	target hibari.ReplyTarget
	cardID string
	pacer  *updatePacer

	lastDeliveredLen int
	closed           bool
}

func (h *cardHandle) Update(ctx context.Context, text string) error {
	if h.closed {
		return hibari.ErrStreamClosed
	}

	now := h.cfg.now()
	if !h.pacer.ShouldAttempt(now) && len(text)-h.lastDeliveredLen < minUpdateChars {
		return nil
	}

	if err := h.api.PatchMessage(ctx, h.cardID, streamingCard(text, false)); err != nil {
		h.pacer.RecordFailure(now, err)
		if h.pacer.consecutiveFailures == 1 {
			h.cfg.logger.WarnContext(ctx, "card sink intermediate patch failed",
				"group", h.target.GroupID,
				"card_message_id", h.cardID,
				"error", err,
			)
		}
		return nil
	}

	h.pacer.RecordSuccess(now)
	h.lastDeliveredLen = len(text)

	return nil
}

// Finalize strips the typing indicator and delivers the complete text. An
// empty reply deletes the card instead of leaving a bare indicator behind.
func (h *cardHandle) Finalize(ctx context.Context, text string) error {
	if h.closed {
		return hibari.ErrStreamClosed
	}
	h.closed = true

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		if err := h.api.DeleteMessage(ctx, h.cardID); err != nil {
			return fmt.Errorf("card sink delete empty card %s: %w", h.cardID, err)
		}
		return nil
	}

	if err := h.api.PatchMessage(ctx, h.cardID, streamingCard(trimmed, true)); err != nil {
		// The card may be in an unpatchable state; deliver the text plainly
		// so the reply still lands, then drop the stale card.
		h.cfg.logger.WarnContext(ctx, "card sink finalize patch failed, sending plain reply",
			"group", h.target.GroupID,
			"card_message_id", h.cardID,
			"error", err,
		)
		if _, sendErr := h.api.ReplyText(ctx, h.target.ReplyToMessageID, trimmed); sendErr != nil {
			return fmt.Errorf("card sink finalize fallback send: %w", sendErr)
		}
		if deleteErr := h.api.DeleteMessage(ctx, h.cardID); deleteErr != nil {
			h.cfg.logger.WarnContext(ctx, "card sink drop stale card failed",
				"card_message_id", h.cardID,
				"error", deleteErr,
			)
		}
	}

	return nil
}

func (h *cardHandle) Discard(ctx context.Context) error {
	if h.closed {
		return nil
	}
	h.closed = true

	if err := h.api.DeleteMessage(ctx, h.cardID); err != nil {
		return fmt.Errorf("card sink discard %s: %w", h.cardID, err)
	}

	return nil
}

func validateTarget(target hibari.ReplyTarget) error {
	if strings.TrimSpace(target.GroupID) == "" {
		return fmt.Errorf("empty group id")
	}
	if strings.TrimSpace(target.ReplyToMessageID) == "" {
		return fmt.Errorf("empty reply-to message id")
	}

	return nil
}

// updatePacer throttles intermediate card patches. The interval starts at
// the minimum and backs off on failures, saturating quickly when the
// platform rate-limits patches.
type updatePacer struct {
	nextAttemptAt       time.Time
	currentInterval     time.Duration
	consecutiveFailures int
}

func newUpdatePacer(startedAt time.Time) *updatePacer {
	return &updatePacer{
		nextAttemptAt:   startedAt,
		currentInterval: minUpdateInterval,
	}
}

// ShouldAttempt reports whether one intermediate patch may be attempted.
func (p *updatePacer) ShouldAttempt(now time.Time) bool {
	return !now.Before(p.nextAttemptAt)
}

// RecordSuccess decays the interval back toward the minimum.
func (p *updatePacer) RecordSuccess(now time.Time) {
	if p.currentInterval > minUpdateInterval {
		p.currentInterval /= 2
		if p.currentInterval < minUpdateInterval {
			p.currentInterval = minUpdateInterval
		}
	}
	p.consecutiveFailures = 0
	p.nextAttemptAt = now.Add(p.currentInterval)
}

// RecordFailure backs the interval off, saturating immediately on rate
// limits.
func (p *updatePacer) RecordFailure(now time.Time, err error) {
	p.consecutiveFailures++

	if isRateLimitError(err) {
		p.currentInterval = maxUpdateInterval
	} else {
		next := p.currentInterval * 2
		if next > maxUpdateInterval {
			next = maxUpdateInterval
		}
		p.currentInterval = next
	}
	p.nextAttemptAt = now.Add(p.currentInterval)
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "429"):
		return true
	case strings.Contains(lower, "too many requests"):
		return true
	case strings.Contains(lower, "frequency limit"):
		return true
	default:
		return false
	}
}

var (
	_ hibari.StreamSink = (*PlainSink)(nil)
	_ hibari.StreamSink = (*CardSink)(nil)
)
