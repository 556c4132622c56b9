package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"hibari/pkg/hibari"

	"google.golang.org/genai"
)

// stream adapts a genai response sequence to the provider-neutral chunk
// contract. A response carries any number of parts; the sequence is flattened
// up front so Recv hands back exactly one delta per call and never buffers.
type stream struct {
	mu     sync.Mutex
	next   func() (hibari.LLMGenerateChunk, error, bool)
	stop   func()
	closed bool
}

func newStream(
	seq iter.Seq2[*genai.GenerateContentResponse, error],
	includeThoughts bool,
) *stream {
	next, stop := iter.Pull2(flattenResponses(seq, includeThoughts))
	return &stream{next: next, stop: stop}
}

func (s *stream) Recv(ctx context.Context) (hibari.LLMGenerateChunk, error) {
	if ctx == nil {
		return hibari.LLMGenerateChunk{}, fmt.Errorf("gemini stream recv: nil context")
	}

	for {
		if err := ctx.Err(); err != nil {
			_ = s.Close()
			return hibari.LLMGenerateChunk{}, fmt.Errorf("gemini stream recv context: %w", err)
		}

		chunk, recvErr, ok := s.pull()
		if !ok {
			return hibari.LLMGenerateChunk{}, io.EOF
		}
		if recvErr != nil {
			// The sequence is dead after an error; later calls hit io.EOF.
			_ = s.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return hibari.LLMGenerateChunk{}, fmt.Errorf("gemini stream context: %w", ctxErr)
			}
			if errors.Is(recvErr, context.Canceled) || errors.Is(recvErr, context.DeadlineExceeded) {
				return hibari.LLMGenerateChunk{}, fmt.Errorf("gemini stream canceled: %w", recvErr)
			}
			return hibari.LLMGenerateChunk{}, fmt.Errorf("gemini stream next: %w", recvErr)
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
	stop := s.stop
	s.next = nil
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}

	return nil
}

func (s *stream) pull() (hibari.LLMGenerateChunk, error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.next == nil {
		return hibari.LLMGenerateChunk{}, nil, false
	}
	chunk, err, ok := s.next()
	if !ok {
		s.next = nil
		return hibari.LLMGenerateChunk{}, nil, false
	}

	return chunk, err, true
}

// flattenResponses turns the response sequence into one chunk per text part.
// Thought parts are dropped unless includeThoughts is set. A transport error
// or nil response ends the flattened sequence.
func flattenResponses(
	seq iter.Seq2[*genai.GenerateContentResponse, error],
	includeThoughts bool,
) iter.Seq2[hibari.LLMGenerateChunk, error] {
	return func(yield func(hibari.LLMGenerateChunk, error) bool) {
		for response, err := range seq {
			if err != nil {
				yield(hibari.LLMGenerateChunk{}, err)
				return
			}
			if response == nil {
				yield(hibari.LLMGenerateChunk{}, errors.New("nil response"))
				return
			}
			for _, chunk := range responseChunks(response, includeThoughts) {
				if !yield(chunk, nil) {
					return
				}
			}
		}
	}
}

func responseChunks(
	response *genai.GenerateContentResponse,
	includeThoughts bool,
) []hibari.LLMGenerateChunk {
	if len(response.Candidates) == 0 || response.Candidates[0] == nil {
		return nil
	}
	content := response.Candidates[0].Content
	if content == nil {
		return nil
	}

	var chunks []hibari.LLMGenerateChunk
	for _, part := range content.Parts {
		if part == nil || part.Text == "" {
			continue
		}
		kind := hibari.LLMGenerateChunkKindOutputText
		if part.Thought {
			if !includeThoughts {
				continue
			}
			kind = hibari.LLMGenerateChunkKindThinkingSummary
		}
		chunks = append(chunks, hibari.LLMGenerateChunk{Kind: kind, Delta: part.Text})
	}

	return chunks
}

var _ hibari.LLMStream = (*stream)(nil)
