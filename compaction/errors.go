package compaction

import (
	"errors"
	"fmt"
)

// Sentinel errors for compaction operations.
var (
	// ErrInvalidConfig indicates invalid compaction configuration.
	ErrInvalidConfig = errors.New("invalid compaction configuration")

	// ErrStructuralAnomaly indicates a role sequence the turn walk cannot
	// interpret. Only returned under AnomalyStrict.
	ErrStructuralAnomaly = errors.New("structural anomaly in conversation")

	// ErrSummarizationFailed indicates the summarization model call failed.
	// The summarizer never returns it; it is recorded in Summary.Err.
	ErrSummarizationFailed = errors.New("summarization failed")
)

// CompactionError provides structured error context for compaction operations.
type CompactionError struct {
	// Op is the operation that failed (e.g., "Compact", "Locate")
	Op string

	// ChatID is the chat the conversation belongs to, if known
	ChatID string

	// Err is the underlying error
	Err error

	// Context holds additional key-value pairs for debugging
	Context map[string]any
}

// Error returns a formatted error message.
func (e *CompactionError) Error() string {
	msg := fmt.Sprintf("compaction %s failed", e.Op)
	if e.ChatID != "" {
		msg += fmt.Sprintf(" for chat %s", e.ChatID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *CompactionError) Unwrap() error {
	return e.Err
}

// NewCompactionError creates a new CompactionError with the given operation and underlying error.
func NewCompactionError(op string, err error) *CompactionError {
	return &CompactionError{
		Op:      op,
		Err:     err,
		Context: make(map[string]any),
	}
}

// WithChat sets the chat ID on the error and returns the error for chaining.
func (e *CompactionError) WithChat(chatID string) *CompactionError {
	e.ChatID = chatID
	return e
}

// WithContext adds a key-value pair to the error context and returns the error for chaining.
func (e *CompactionError) WithContext(key string, value any) *CompactionError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
