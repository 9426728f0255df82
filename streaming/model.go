// Package streaming defines the language-model collaborator used for both
// summarization and assistant turns, and accumulates its incremental events
// into conversation messages.
package streaming

import (
	"context"

	"github.com/youssefsiam38/chatkeeper/tool"
	"github.com/youssefsiam38/chatkeeper/types"
)

// Request is a single streaming completion request.
type Request struct {
	// Model is the provider model identifier.
	Model string

	// System is the system prompt. Empty means none.
	System string

	// Messages is the conversation context, oldest first.
	Messages []types.Message

	// Tools declares the tools the model may call.
	Tools []tool.Definition

	// MaxTokens bounds the response length.
	MaxTokens int
}

// Stream yields events for one response. Callers must Close it.
type Stream interface {
	Next() bool
	Current() Event
	Err() error
	Close() error
}

// Model opens streaming completions.
type Model interface {
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, req *Request) (Stream, error)

// Stream implements Model
func (f ModelFunc) Stream(ctx context.Context, req *Request) (Stream, error) {
	return f(ctx, req)
}

// Collect drains s into an Accumulator and closes it. On error the message
// accumulated so far is returned alongside the error.
func Collect(s Stream) (*Accumulator, error) {
	defer s.Close()

	acc := NewAccumulator()
	for s.Next() {
		acc.Process(s.Current())
	}
	return acc, s.Err()
}

// sliceStream replays a fixed list of events.
type sliceStream struct {
	events []Event
	err    error
	pos    int
	closed bool
}

// NewSliceStream returns a Stream that yields events in order and then
// reports err. It is useful for canned responses and tests.
func NewSliceStream(events []Event, err error) Stream {
	return &sliceStream{events: events, err: err, pos: -1}
}

func (s *sliceStream) Next() bool {
	if s.closed || s.pos+1 >= len(s.events) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceStream) Current() Event {
	if s.pos < 0 || s.pos >= len(s.events) {
		return nil
	}
	return s.events[s.pos]
}

func (s *sliceStream) Err() error {
	if s.pos+1 >= len(s.events) {
		return s.err
	}
	return nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// TextEvents builds the event sequence of a plain text reply.
func TextEvents(text string) []Event {
	return []Event{
		&MessageStartEvent{},
		&TextStartEvent{Index: 0},
		&TextDeltaEvent{Index: 0, Delta: text},
		&ContentBlockStopEvent{Index: 0},
		&MessageDeltaEvent{StopReason: "end_turn"},
		&MessageStopEvent{},
	}
}
