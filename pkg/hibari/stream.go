package hibari

import "context"

// ReplyTarget identifies where one assistant reply should be delivered.
type ReplyTarget struct {
	// GroupID is the destination group conversation.
	GroupID string
	// ReplyToMessageID is the inbound message being answered.
	ReplyToMessageID string
}

// StreamSink opens delivery handles for assistant replies.
//
// Implementations decide the delivery mechanism: a plain sink buffers and
// sends once at finalize, a progressive sink renders intermediate updates.
// The pipeline selects one sink at composition time and never branches on the
// concrete mechanism.
type StreamSink interface {
	// Open starts one reply delivery.
	Open(ctx context.Context, target ReplyTarget) (StreamHandle, error)
}

// StreamHandle is one in-flight reply delivery.
//
// Update and Finalize receive the full accumulated text so far, not deltas;
// implementations decide how much of it to surface and when. After Finalize
// or Discard the handle is closed and further calls return ErrStreamClosed.
type StreamHandle interface {
	// Update surfaces intermediate accumulated text. Implementations may
	// coalesce or skip updates entirely.
	Update(ctx context.Context, text string) error
	// Finalize delivers the complete reply text and closes the handle.
	Finalize(ctx context.Context, text string) error
	// Discard abandons the delivery, cleaning up any intermediate output.
	Discard(ctx context.Context) error
}
