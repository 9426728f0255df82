package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role represents the message role
type Role string

const (
	// RoleUser represents a user message
	RoleUser Role = "user"

	// RoleAssistant represents an assistant message
	RoleAssistant Role = "assistant"

	// RoleToolResult represents the output of one or more tool executions
	RoleToolResult Role = "toolResult"

	// RoleSystem represents a system message
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleToolResult, RoleSystem:
		return true
	}
	return false
}

// ContentType represents the type of content block
type ContentType string

const (
	// ContentTypeText represents text content
	ContentTypeText ContentType = "text"

	// ContentTypeToolUse represents a tool call requested by the assistant
	ContentTypeToolUse ContentType = "tool_use"

	// ContentTypeToolResult represents a tool result block
	ContentTypeToolResult ContentType = "tool_result"

	// ContentTypeImage represents an image block
	ContentTypeImage ContentType = "image"

	// ContentTypeUsage carries provider usage metadata for a turn
	ContentTypeUsage ContentType = "usage"
)

// ContentBlock is one typed part of a message. Exactly one payload matching
// Type is set; Text is used only by text blocks.
type ContentBlock struct {
	Type ContentType `json:"type"`

	Text       string      `json:"text,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Image      *Image      `json:"image,omitempty"`
	Usage      *Usage      `json:"usage,omitempty"`
}

// ToolUse is a tool invocation emitted by the assistant.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the output of a tool invocation.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name,omitempty"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Image is inline base64 image data or a remote URL.
type Image struct {
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Usage tracks token usage reported by the provider
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// Validate checks that the block carries the payload its type requires.
func (b ContentBlock) Validate() error {
	set := 0
	for _, p := range []bool{b.ToolUse != nil, b.ToolResult != nil, b.Image != nil, b.Usage != nil} {
		if p {
			set++
		}
	}

	var ok bool
	switch b.Type {
	case ContentTypeText:
		ok = set == 0
	case ContentTypeToolUse:
		ok = set == 1 && b.ToolUse != nil && b.Text == ""
	case ContentTypeToolResult:
		ok = set == 1 && b.ToolResult != nil && b.Text == ""
	case ContentTypeImage:
		ok = set == 1 && b.Image != nil && b.Text == ""
	case ContentTypeUsage:
		ok = set == 1 && b.Usage != nil && b.Text == ""
	default:
		return fmt.Errorf("unknown content type %q", b.Type)
	}
	if !ok {
		return fmt.Errorf("content block %q has mismatched payload", b.Type)
	}
	return nil
}

// Message is a single conversation entry. Messages are treated as immutable
// once created; helpers return new values.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	IsSummary bool           `json:"is_summary,omitempty"` // injected by compaction
	CreatedAt time.Time      `json:"created_at"`
}

// Validate checks the role and every content block.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("unknown role %q", m.Role)
	}
	for i, b := range m.Content {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

// Text returns the concatenation of all text blocks.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == ContentTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool calls requested by this message.
func (m Message) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, b := range m.Content {
		if b.Type == ContentTypeToolUse && b.ToolUse != nil {
			uses = append(uses, *b.ToolUse)
		}
	}
	return uses
}

// HasToolUse reports whether the message requests any tool calls.
func (m Message) HasToolUse() bool {
	for _, b := range m.Content {
		if b.Type == ContentTypeToolUse {
			return true
		}
	}
	return false
}

// HasText reports whether the message has at least one non-empty text block.
func (m Message) HasText() bool {
	for _, b := range m.Content {
		if b.Type == ContentTypeText && b.Text != "" {
			return true
		}
	}
	return false
}

// NewMessage creates a message with a fresh time-ordered ID.
func NewMessage(role Role, content ...ContentBlock) Message {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Message{
		ID:        id.String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewTextBlock creates a text content block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Text: text}
}

// NewToolUseBlock creates a tool call content block.
func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: ContentTypeToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// NewToolResultBlock creates a tool result content block.
func NewToolResultBlock(toolUseID, name, content string, isError bool) ContentBlock {
	return ContentBlock{Type: ContentTypeToolResult, ToolResult: &ToolResult{
		ToolUseID: toolUseID,
		Name:      name,
		Content:   content,
		IsError:   isError,
	}}
}

// NewUsageBlock creates a usage metadata block.
func NewUsageBlock(u Usage) ContentBlock {
	return ContentBlock{Type: ContentTypeUsage, Usage: &u}
}

// NewUserMessage creates a plain-text user message.
func NewUserMessage(text string) Message {
	return NewMessage(RoleUser, NewTextBlock(text))
}

// NewAssistantMessage creates a plain-text assistant message.
func NewAssistantMessage(text string) Message {
	return NewMessage(RoleAssistant, NewTextBlock(text))
}

// SummaryPrefix marks injected summaries so they cannot be mistaken for user text.
const SummaryPrefix = "[Summary of earlier conversation]\n"

// NewSummaryMessage creates the synthetic user message that replaces a
// compacted span of history.
func NewSummaryMessage(summary string) Message {
	m := NewMessage(RoleUser, NewTextBlock(SummaryPrefix+summary))
	m.IsSummary = true
	return m
}

// Clone returns a shallow copy of the slice so callers can append freely.
func Clone(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}
