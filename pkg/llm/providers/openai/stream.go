package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"hibari/pkg/hibari"

	"github.com/openai/openai-go/v3/responses"
)

const (
	eventOutputTextDelta = "response.output_text.delta"
	eventCompleted       = "response.completed"
	eventFailed          = "response.failed"
	eventError           = "error"
)

type responseStream interface {
	Next() bool
	Current() responses.ResponseStreamEventUnion
	Err() error
	Close() error
}

type stream struct {
	mu       sync.Mutex
	inner    responseStream
	closed   bool
	finished bool
}

func newStream(inner responseStream) *stream {
	return &stream{inner: inner}
}

func (s *stream) Recv(ctx context.Context) (hibari.LLMGenerateChunk, error) {
	if ctx == nil {
		return hibari.LLMGenerateChunk{}, fmt.Errorf("openai stream recv: nil context")
	}

	for {
		if err := ctx.Err(); err != nil {
			_ = s.Close()
			return hibari.LLMGenerateChunk{}, fmt.Errorf("openai stream recv context: %w", err)
		}

		event, err := s.nextEvent(ctx)
		if err != nil {
			return hibari.LLMGenerateChunk{}, err
		}

		chunk, done, mapErr := mapStreamEvent(event)
		if mapErr != nil {
			return hibari.LLMGenerateChunk{}, mapErr
		}
		if done {
			s.markFinished()
			return hibari.LLMGenerateChunk{}, io.EOF
		}
		if chunk.Delta == "" {
			continue
		}

		return chunk, nil
	}
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.finished = true
	inner := s.inner
	s.inner = nil
	s.mu.Unlock()

	if inner == nil {
		return nil
	}
	if err := inner.Close(); err != nil {
		return fmt.Errorf("openai stream close: %w", err)
	}

	return nil
}

func (s *stream) nextEvent(ctx context.Context) (responses.ResponseStreamEventUnion, error) {
	s.mu.Lock()
	if s.closed || s.finished {
		s.mu.Unlock()
		return responses.ResponseStreamEventUnion{}, io.EOF
	}
	inner := s.inner
	if inner == nil {
		s.finished = true
		s.mu.Unlock()
		return responses.ResponseStreamEventUnion{}, io.EOF
	}

	if !inner.Next() {
		err := inner.Err()
		s.finished = true
		s.mu.Unlock()
		if err == nil {
			return responses.ResponseStreamEventUnion{}, io.EOF
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return responses.ResponseStreamEventUnion{}, fmt.Errorf("openai stream context: %w", ctxErr)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return responses.ResponseStreamEventUnion{}, fmt.Errorf("openai stream canceled: %w", err)
		}

		return responses.ResponseStreamEventUnion{}, fmt.Errorf("openai stream next: %w", err)
	}

	event := inner.Current()
	s.mu.Unlock()

	return event, nil
}

func (s *stream) markFinished() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
}

func mapStreamEvent(event responses.ResponseStreamEventUnion) (hibari.LLMGenerateChunk, bool, error) {
	eventType := strings.TrimSpace(event.Type)
	if eventType == "" {
		return hibari.LLMGenerateChunk{}, false, fmt.Errorf("openai stream parse event: missing type")
	}

	switch eventType {
	case eventOutputTextDelta:
		if !event.JSON.Delta.Valid() {
			return hibari.LLMGenerateChunk{}, false, eventParseError(eventType, "missing delta")
		}
		return hibari.LLMGenerateChunk{
			Kind:  hibari.LLMGenerateChunkKindOutputText,
			Delta: event.Delta,
		}, false, nil
	case eventCompleted:
		if !event.JSON.Response.Valid() {
			return hibari.LLMGenerateChunk{}, false, eventParseError(eventType, "missing response")
		}
		return hibari.LLMGenerateChunk{}, true, nil
	case eventFailed:
		if !event.JSON.Response.Valid() {
			return hibari.LLMGenerateChunk{}, false, eventParseError(eventType, "missing response")
		}
		status := strings.TrimSpace(string(event.Response.Status))
		if status == "" {
			status = "unknown"
		}
		return hibari.LLMGenerateChunk{}, false, fmt.Errorf("openai stream response failed: status=%s", status)
	case eventError:
		message := strings.TrimSpace(event.Message)
		if message == "" {
			return hibari.LLMGenerateChunk{}, false, eventParseError(eventType, "empty message")
		}
		if code := strings.TrimSpace(event.Code); code != "" {
			return hibari.LLMGenerateChunk{}, false, fmt.Errorf("openai stream error %s: %s", code, message)
		}
		return hibari.LLMGenerateChunk{}, false, fmt.Errorf("openai stream error: %s", message)
	default:
		// Keep non-text events forward-compatible.
		return hibari.LLMGenerateChunk{}, false, nil
	}
}

func eventParseError(eventType, reason string) error {
	return fmt.Errorf("openai stream parse event %s: %s", eventType, reason)
}

var _ hibari.LLMStream = (*stream)(nil)
