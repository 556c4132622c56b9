package lark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"hibari/pkg/hibari"
)

type messageAPIStub struct {
	mu sync.Mutex

	replyTexts  []string
	replyCards  []string
	patches     []string
	deleted     []string
	replyErr    error
	cardErr     error
	patchErr    error
	deleteErr   error
	nextReplyID string
}

func (s *messageAPIStub) ReplyText(_ context.Context, _, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replyErr != nil {
		return "", s.replyErr
	}
	s.replyTexts = append(s.replyTexts, text)
	return s.replyID(), nil
}

func (s *messageAPIStub) ReplyCard(_ context.Context, _, cardJSON string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cardErr != nil {
		return "", s.cardErr
	}
	s.replyCards = append(s.replyCards, cardJSON)
	return s.replyID(), nil
}

func (s *messageAPIStub) PatchMessage(_ context.Context, _, cardJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.patchErr != nil {
		return s.patchErr
	}
	s.patches = append(s.patches, cardJSON)
	return nil
}

func (s *messageAPIStub) DeleteMessage(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, messageID)
	return nil
}

func (s *messageAPIStub) replyID() string {
	if s.nextReplyID != "" {
		return s.nextReplyID
	}
	return "om_reply"
}

type sinkClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *sinkClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *sinkClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testTarget() hibari.ReplyTarget {
	return hibari.ReplyTarget{GroupID: "oc_group", ReplyToMessageID: "om_inbound"}
}

func TestPlainSinkSendsOnceAtFinalize(t *testing.T) {
	t.Parallel()

	api := &messageAPIStub{}
	sink, err := NewPlainSink(api)
	if err != nil {
		t.Fatalf("NewPlainSink() error = %v", err)
	}

	handle, err := sink.Open(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	for _, partial := range []string{"he", "hell", "hello"} {
		if err := handle.Update(context.Background(), partial); err != nil {
			t.Fatalf("Update(%q) error = %v", partial, err)
		}
	}
	if err := handle.Finalize(context.Background(), "hello there"); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if len(api.replyTexts) != 1 || api.replyTexts[0] != "hello there" {
		t.Fatalf("replyTexts = %v, want one final send", api.replyTexts)
	}
	if err := handle.Update(context.Background(), "late"); !errors.Is(err, hibari.ErrStreamClosed) {
		t.Fatalf("Update() after finalize error = %v, want ErrStreamClosed", err)
	}
}

func TestPlainSinkSkipsEmptyFinalText(t *testing.T) {
	t.Parallel()

	api := &messageAPIStub{}
	sink, err := NewPlainSink(api)
	if err != nil {
		t.Fatalf("NewPlainSink() error = %v", err)
	}

	handle, err := sink.Open(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := handle.Finalize(context.Background(), "   "); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if len(api.replyTexts) != 0 {
		t.Fatalf("replyTexts = %v, want none for empty text", api.replyTexts)
	}
}

func TestCardSinkPatchesUnderPacer(t *testing.T) {
	t.Parallel()

	api := &messageAPIStub{}
	clock := &sinkClock{now: time.Unix(1700000000, 0)}
	sink, err := NewCardSink(api, withSinkClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCardSink() error = %v", err)
	}

	handle, err := sink.Open(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if len(api.replyCards) != 1 {
		t.Fatalf("replyCards = %d, want initial card", len(api.replyCards))
	}

	// First update is allowed immediately.
	if err := handle.Update(context.Background(), "hello"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(api.patches) != 1 {
		t.Fatalf("patches = %d, want 1", len(api.patches))
	}

	// Inside the interval with too little new text: skipped.
	if err := handle.Update(context.Background(), "hello w"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(api.patches) != 1 {
		t.Fatalf("patches = %d, want still 1 (paced)", len(api.patches))
	}

	// Inside the interval but enough new characters: delivered.
	if err := handle.Update(context.Background(), "hello world, lots of new text"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(api.patches) != 2 {
		t.Fatalf("patches = %d, want 2 (char gate)", len(api.patches))
	}

	// Past the interval with a tiny delta: delivered.
	clock.Advance(time.Second)
	if err := handle.Update(context.Background(), "hello world, lots of new text!"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(api.patches) != 3 {
		t.Fatalf("patches = %d, want 3 (interval elapsed)", len(api.patches))
	}
}

func TestCardSinkFinalizeStripsIndicator(t *testing.T) {
	t.Parallel()

	api := &messageAPIStub{}
	sink, err := NewCardSink(api)
	if err != nil {
		t.Fatalf("NewCardSink() error = %v", err)
	}

	handle, err := sink.Open(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := handle.Finalize(context.Background(), "done"); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if len(api.patches) != 1 {
		t.Fatalf("patches = %d, want final patch", len(api.patches))
	}
	if strings.Contains(api.patches[0], typingIndicator) {
		t.Fatalf("final card still carries typing indicator: %s", api.patches[0])
	}
	if !strings.Contains(api.patches[0], "done") {
		t.Fatalf("final card missing text: %s", api.patches[0])
	}
}

func TestCardSinkDeletesEmptyCard(t *testing.T) {
	t.Parallel()

	api := &messageAPIStub{nextReplyID: "om_card"}
	sink, err := NewCardSink(api)
	if err != nil {
		t.Fatalf("NewCardSink() error = %v", err)
	}

	handle, err := sink.Open(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := handle.Finalize(context.Background(), ""); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if len(api.deleted) != 1 || api.deleted[0] != "om_card" {
		t.Fatalf("deleted = %v, want [om_card]", api.deleted)
	}
	if len(api.patches) != 0 {
		t.Fatalf("patches = %v, want none for empty reply", api.patches)
	}
}

func TestCardSinkFallsBackToPlainOnCreateFailure(t *testing.T) {
	t.Parallel()

	api := &messageAPIStub{cardErr: fmt.Errorf("card create rejected")}
	sink, err := NewCardSink(api)
	if err != nil {
		t.Fatalf("NewCardSink() error = %v", err)
	}

	handle, err := sink.Open(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("Open() error = %v, want plain fallback", err)
	}
	if err := handle.Finalize(context.Background(), "still delivered"); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if len(api.replyTexts) != 1 || api.replyTexts[0] != "still delivered" {
		t.Fatalf("replyTexts = %v, want fallback send", api.replyTexts)
	}
}

func TestCardSinkFinalizePatchFailureSendsPlain(t *testing.T) {
	t.Parallel()

	api := &messageAPIStub{nextReplyID: "om_card"}
	sink, err := NewCardSink(api)
	if err != nil {
		t.Fatalf("NewCardSink() error = %v", err)
	}

	handle, err := sink.Open(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	api.mu.Lock()
	api.patchErr = fmt.Errorf("card state conflict")
	api.mu.Unlock()

	if err := handle.Finalize(context.Background(), "answer"); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if len(api.replyTexts) != 1 || api.replyTexts[0] != "answer" {
		t.Fatalf("replyTexts = %v, want plain fallback", api.replyTexts)
	}
	if len(api.deleted) != 1 {
		t.Fatalf("deleted = %v, want stale card dropped", api.deleted)
	}
}

func TestCardSinkDiscardDeletesCard(t *testing.T) {
	t.Parallel()

	api := &messageAPIStub{nextReplyID: "om_card"}
	sink, err := NewCardSink(api)
	if err != nil {
		t.Fatalf("NewCardSink() error = %v", err)
	}

	handle, err := sink.Open(context.Background(), testTarget())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := handle.Discard(context.Background()); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if len(api.deleted) != 1 {
		t.Fatalf("deleted = %v, want card removed", api.deleted)
	}
	if err := handle.Finalize(context.Background(), "late"); !errors.Is(err, hibari.ErrStreamClosed) {
		t.Fatalf("Finalize() after discard error = %v, want ErrStreamClosed", err)
	}
}

func TestUpdatePacerBacksOffOnFailures(t *testing.T) {
	t.Parallel()

	start := time.Unix(1700000000, 0)
	pacer := newUpdatePacer(start)

	if !pacer.ShouldAttempt(start) {
		t.Fatal("ShouldAttempt at start = false, want true")
	}

	pacer.RecordFailure(start, fmt.Errorf("boom"))
	if pacer.currentInterval != 2*minUpdateInterval {
		t.Fatalf("interval after failure = %s, want doubled", pacer.currentInterval)
	}
	if pacer.ShouldAttempt(start.Add(minUpdateInterval)) {
		t.Fatal("ShouldAttempt inside backoff = true, want false")
	}

	pacer.RecordFailure(start, fmt.Errorf("http 429 too many requests"))
	if pacer.currentInterval != maxUpdateInterval {
		t.Fatalf("interval after rate limit = %s, want saturated %s", pacer.currentInterval, maxUpdateInterval)
	}

	pacer.RecordSuccess(start.Add(maxUpdateInterval))
	if pacer.currentInterval != maxUpdateInterval/2 {
		t.Fatalf("interval after success = %s, want halved", pacer.currentInterval)
	}
	if pacer.consecutiveFailures != 0 {
		t.Fatalf("consecutiveFailures = %d, want reset", pacer.consecutiveFailures)
	}
}

func TestStreamingCardShape(t *testing.T) {
	t.Parallel()

	var inProgress card
	if err := json.Unmarshal([]byte(streamingCard("partial", false)), &inProgress); err != nil {
		t.Fatalf("unmarshal in-progress card: %v", err)
	}
	if len(inProgress.Body.Elements) != 2 {
		t.Fatalf("in-progress elements = %d, want text plus indicator", len(inProgress.Body.Elements))
	}
	if inProgress.Body.Elements[1].Content != typingIndicator {
		t.Fatalf("indicator element = %q", inProgress.Body.Elements[1].Content)
	}

	var finished card
	if err := json.Unmarshal([]byte(streamingCard("done", true)), &finished); err != nil {
		t.Fatalf("unmarshal finished card: %v", err)
	}
	if len(finished.Body.Elements) != 1 || finished.Body.Elements[0].Content != "done" {
		t.Fatalf("finished elements = %+v, want single markdown", finished.Body.Elements)
	}

	var empty card
	if err := json.Unmarshal([]byte(streamingCard("", false)), &empty); err != nil {
		t.Fatalf("unmarshal empty card: %v", err)
	}
	if len(empty.Body.Elements) != 1 {
		t.Fatalf("empty card elements = %d, want indicator only", len(empty.Body.Elements))
	}
}
