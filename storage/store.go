// Package storage persists chat conversations so they survive restarts.
//
// A Backend keeps one ordered record of messages per chat. Messages are
// appended one at a time during normal operation; after compaction the whole
// record is replaced with Rewrite. Session tracks how many leading messages of
// the in-memory conversation are already durable.
package storage

import (
	"context"
	"errors"

	"github.com/youssefsiam38/chatkeeper/types"
)

// Sentinel errors for storage operations.
var (
	// ErrStorage wraps every backend failure.
	ErrStorage = errors.New("storage operation failed")

	// ErrInvalidChatID is returned for an empty chat identifier.
	ErrInvalidChatID = errors.New("invalid chat id")
)

// Backend is a durable per-chat message record.
//
// Implementations must keep previously appended records intact if a write
// fails or the process crashes mid-append.
type Backend interface {
	// Load returns the chat's messages in order. A missing record yields an
	// empty slice and no error.
	Load(ctx context.Context, chatID string) ([]types.Message, error)

	// Append durably adds one message to the end of the record.
	Append(ctx context.Context, chatID string, msg types.Message) error

	// Rewrite replaces the whole record with messages.
	Rewrite(ctx context.Context, chatID string, messages []types.Message) error

	// Reset deletes the record.
	Reset(ctx context.Context, chatID string) error

	// Close releases backend resources.
	Close() error
}

// Lister is implemented by backends that can enumerate stored chats.
type Lister interface {
	ListChats(ctx context.Context) ([]string, error)
}
