package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/youssefsiam38/chatkeeper/types"
)

// MemoryBackend keeps records in process memory. Nothing survives a restart;
// it serves tests and throwaway sessions.
type MemoryBackend struct {
	mu    sync.RWMutex
	chats map[string][]types.Message
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{chats: make(map[string][]types.Message)}
}

// Load implements Backend.
func (b *MemoryBackend) Load(_ context.Context, chatID string) ([]types.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.Message, len(b.chats[chatID]))
	copy(out, b.chats[chatID])
	return out, nil
}

// Append implements Backend.
func (b *MemoryBackend) Append(_ context.Context, chatID string, msg types.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chats[chatID] = append(b.chats[chatID], msg)
	return nil
}

// Rewrite implements Backend.
func (b *MemoryBackend) Rewrite(_ context.Context, chatID string, messages []types.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := make([]types.Message, len(messages))
	copy(stored, messages)
	b.chats[chatID] = stored
	return nil
}

// Reset implements Backend.
func (b *MemoryBackend) Reset(_ context.Context, chatID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.chats, chatID)
	return nil
}

// ListChats implements Lister.
func (b *MemoryBackend) ListChats(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	chats := make([]string, 0, len(b.chats))
	for id := range b.chats {
		chats = append(chats, id)
	}
	sort.Strings(chats)
	return chats, nil
}

// Close implements Backend.
func (b *MemoryBackend) Close() error {
	return nil
}
