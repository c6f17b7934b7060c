package proxy

import (
	"context"
	"time"

	"github.com/promptcraft/chat-gateway/internal/ratelimit"
	"github.com/promptcraft/chat-gateway/internal/telemetry"
	"github.com/promptcraft/chat-gateway/internal/types"
)

// Outcome labels for a finished stream.
const (
	StatusSuccess  = telemetry.OutcomeSuccess
	StatusFallback = telemetry.OutcomeFallback
	StatusError    = telemetry.OutcomeError
	StatusCanceled = telemetry.OutcomeCanceled
)

// Outcome summarizes a finished stream.
type Outcome struct {
	Status       string
	Provider     string
	Model        string
	Attempts     int
	Chunks       int
	FinishReason types.FinishReason
	FirstChunk   time.Duration
	Duration     time.Duration
	Err          error
}

// Stream is an accepted chat request being relayed. Chunks are handed over
// one at a time on an unbuffered channel that is closed after the terminal
// chunk (or after cancellation).
type Stream struct {
	ID        string
	RateLimit ratelimit.Decision

	chunks  chan types.StreamChunk
	done    chan struct{}
	cancel  context.CancelCauseFunc
	outcome Outcome
}

// Chunks returns the ordered chunk channel. The last chunk received before
// the channel closes carries the finish reason.
func (s *Stream) Chunks() <-chan types.StreamChunk { return s.chunks }

// Outcome blocks until the stream has finished and returns its summary.
func (s *Stream) Outcome() Outcome {
	<-s.done
	return s.outcome
}

// Close abandons the stream and cancels the upstream call. It is safe to call
// more than once and after the stream finished.
func (s *Stream) Close() {
	s.cancel(ErrStreamClosed)
}
