package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/youssefsiam38/chatkeeper/types"
)

// Session is the persisted counterpart of one chat's conversation. Its
// cursor counts the leading conversation messages already written.
//
// The cursor only advances after a successful write and never exceeds the
// length of the conversation it is synced against.
type Session struct {
	backend Backend
	chatID  string

	mu     sync.Mutex
	cursor int
}

// Open loads the chat's record and returns a session positioned after it,
// together with the loaded conversation.
func Open(ctx context.Context, backend Backend, chatID string) (*Session, []types.Message, error) {
	if chatID == "" {
		return nil, nil, ErrInvalidChatID
	}

	messages, err := backend.Load(ctx, chatID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load chat %s: %v", ErrStorage, chatID, err)
	}
	if messages == nil {
		messages = []types.Message{}
	}

	return &Session{
		backend: backend,
		chatID:  chatID,
		cursor:  len(messages),
	}, messages, nil
}

// ChatID returns the chat the session belongs to.
func (s *Session) ChatID() string {
	return s.chatID
}

// Cursor returns the number of messages known to be durable.
func (s *Session) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// AppendOne durably appends msg and advances the cursor by one.
func (s *Session) AppendOne(ctx context.Context, msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Append(ctx, s.chatID, msg); err != nil {
		return fmt.Errorf("%w: append to chat %s: %v", ErrStorage, s.chatID, err)
	}
	s.cursor++
	return nil
}

// Sync appends conversation[cursor:] one message at a time, stopping at the
// first failure. It returns the number of messages written.
func (s *Session) Sync(ctx context.Context, conversation []types.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursor > len(conversation) {
		return 0, fmt.Errorf("%w: chat %s cursor %d beyond conversation length %d",
			ErrStorage, s.chatID, s.cursor, len(conversation))
	}

	written := 0
	for _, msg := range conversation[s.cursor:] {
		if err := s.backend.Append(ctx, s.chatID, msg); err != nil {
			return written, fmt.Errorf("%w: append to chat %s: %v", ErrStorage, s.chatID, err)
		}
		s.cursor++
		written++
	}
	return written, nil
}

// RewriteAll replaces the record with messages and moves the cursor to
// their end.
func (s *Session) RewriteAll(ctx context.Context, messages []types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Rewrite(ctx, s.chatID, messages); err != nil {
		return fmt.Errorf("%w: rewrite chat %s: %v", ErrStorage, s.chatID, err)
	}
	s.cursor = len(messages)
	return nil
}

// Reset deletes the record and moves the cursor to zero. The cursor moves
// even when the delete fails, since the record is then no longer a known
// prefix of anything; the caller has to rewrite it.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursor = 0
	if err := s.backend.Reset(ctx, s.chatID); err != nil {
		return fmt.Errorf("%w: reset chat %s: %v", ErrStorage, s.chatID, err)
	}
	return nil
}
