package chatkeeper

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrInvalidConfig is returned when the registry configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidChatID is returned for an empty chat identifier
	ErrInvalidChatID = errors.New("invalid chat id")

	// ErrRegistryClosed is returned when using a registry after Close
	ErrRegistryClosed = errors.New("registry is closed")

	// ErrInvalidToolSchema is returned when a tool schema is invalid
	ErrInvalidToolSchema = errors.New("invalid tool schema")

	// ErrRunnerEvicted is returned by a Runner the registry has unloaded.
	// Registry.Prompt retries on a fresh runner.
	ErrRunnerEvicted = errors.New("runner evicted")
)

// RunnerError represents an error with additional context
type RunnerError struct {
	Op      string         // Operation that failed
	Err     error          // Underlying error
	ChatID  string         // Chat ID if applicable
	Context map[string]any // Additional context
}

// Error implements the error interface
func (e *RunnerError) Error() string {
	if e.ChatID != "" {
		return fmt.Sprintf("%s (chat=%s): %v", e.Op, e.ChatID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *RunnerError) Unwrap() error {
	return e.Err
}

// WithContext adds additional context to the error
func (e *RunnerError) WithContext(key string, value any) *RunnerError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewRunnerError creates a new RunnerError
func NewRunnerError(op string, err error) *RunnerError {
	return &RunnerError{
		Op:  op,
		Err: err,
	}
}

// NewRunnerErrorWithChat creates a new RunnerError with chat ID
func NewRunnerErrorWithChat(op string, chatID string, err error) *RunnerError {
	return &RunnerError{
		Op:     op,
		Err:    err,
		ChatID: chatID,
	}
}
