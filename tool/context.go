package tool

import "context"

type contextKey string

const chatIDKey contextKey = "chatkeeper_chat_id"

// WithChatID attaches the chat identifier the tool call is serving.
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, chatIDKey, chatID)
}

// ChatIDFromContext returns the chat identifier set by WithChatID.
func ChatIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(chatIDKey).(string)
	return id, ok
}
