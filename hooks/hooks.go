// Package hooks lets callers observe and veto steps of a chat's lifecycle:
// turns, tool calls, compactions and context overflows.
package hooks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/youssefsiam38/chatkeeper/compaction"
	"github.com/youssefsiam38/chatkeeper/types"
)

// BeforeTurnHook is called before an assistant turn starts. A non-nil error
// aborts the turn.
type BeforeTurnHook func(ctx context.Context, chatID string, messages []types.Message) error

// AfterTurnHook is called with the messages a turn produced.
type AfterTurnHook func(ctx context.Context, chatID string, produced []types.Message) error

// ToolCallHook is called when a tool is executed
// Parameters: ctx, toolName, input, output, error
type ToolCallHook func(ctx context.Context, toolName string, input json.RawMessage, output string, err error) error

// BeforeCompactionHook is called before a conversation over threshold is compacted
type BeforeCompactionHook func(ctx context.Context, chatID string, stats compaction.Stats) error

// AfterCompactionHook is called after a compaction rewrote a conversation
type AfterCompactionHook func(ctx context.Context, chatID string, result *compaction.Result) error

// OverflowHook is called when the model rejects a conversation as too long
type OverflowHook func(ctx context.Context, chatID string, err error) error

// Registry holds all registered hooks
type Registry struct {
	mu               sync.RWMutex
	beforeTurn       []BeforeTurnHook
	afterTurn        []AfterTurnHook
	toolCall         []ToolCallHook
	beforeCompaction []BeforeCompactionHook
	afterCompaction  []AfterCompactionHook
	overflow         []OverflowHook
}

// NewRegistry creates a new hook registry
func NewRegistry() *Registry {
	return &Registry{}
}

// OnBeforeTurn registers a hook to be called before a turn
func (r *Registry) OnBeforeTurn(hook BeforeTurnHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeTurn = append(r.beforeTurn, hook)
}

// OnAfterTurn registers a hook to be called after a turn
func (r *Registry) OnAfterTurn(hook AfterTurnHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterTurn = append(r.afterTurn, hook)
}

// OnToolCall registers a hook to be called when a tool is executed
func (r *Registry) OnToolCall(hook ToolCallHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCall = append(r.toolCall, hook)
}

// OnBeforeCompaction registers a hook to be called before compaction
func (r *Registry) OnBeforeCompaction(hook BeforeCompactionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeCompaction = append(r.beforeCompaction, hook)
}

// OnAfterCompaction registers a hook to be called after compaction
func (r *Registry) OnAfterCompaction(hook AfterCompactionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterCompaction = append(r.afterCompaction, hook)
}

// OnOverflow registers a hook to be called on context overflow
func (r *Registry) OnOverflow(hook OverflowHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overflow = append(r.overflow, hook)
}

// snapshot copies the slice returned by list under the read lock.
func snapshot[T any](r *Registry, list func() []T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hooks := list()
	out := make([]T, len(hooks))
	copy(out, hooks)
	return out
}

// TriggerBeforeTurn calls all registered before-turn hooks, stopping at the
// first error. A nil registry is a no-op.
func (r *Registry) TriggerBeforeTurn(ctx context.Context, chatID string, messages []types.Message) error {
	if r == nil {
		return nil
	}
	for _, hook := range snapshot(r, func() []BeforeTurnHook { return r.beforeTurn }) {
		if err := hook(ctx, chatID, messages); err != nil {
			return err
		}
	}
	return nil
}

// TriggerAfterTurn calls all registered after-turn hooks
func (r *Registry) TriggerAfterTurn(ctx context.Context, chatID string, produced []types.Message) error {
	if r == nil {
		return nil
	}
	for _, hook := range snapshot(r, func() []AfterTurnHook { return r.afterTurn }) {
		if err := hook(ctx, chatID, produced); err != nil {
			return err
		}
	}
	return nil
}

// TriggerToolCall calls all registered tool-call hooks
func (r *Registry) TriggerToolCall(ctx context.Context, toolName string, input json.RawMessage, output string, err error) error {
	if r == nil {
		return nil
	}
	for _, hook := range snapshot(r, func() []ToolCallHook { return r.toolCall }) {
		if hookErr := hook(ctx, toolName, input, output, err); hookErr != nil {
			return hookErr
		}
	}
	return nil
}

// TriggerBeforeCompaction calls all registered before-compaction hooks
func (r *Registry) TriggerBeforeCompaction(ctx context.Context, chatID string, stats compaction.Stats) error {
	if r == nil {
		return nil
	}
	for _, hook := range snapshot(r, func() []BeforeCompactionHook { return r.beforeCompaction }) {
		if err := hook(ctx, chatID, stats); err != nil {
			return err
		}
	}
	return nil
}

// TriggerAfterCompaction calls all registered after-compaction hooks
func (r *Registry) TriggerAfterCompaction(ctx context.Context, chatID string, result *compaction.Result) error {
	if r == nil {
		return nil
	}
	for _, hook := range snapshot(r, func() []AfterCompactionHook { return r.afterCompaction }) {
		if err := hook(ctx, chatID, result); err != nil {
			return err
		}
	}
	return nil
}

// TriggerOverflow calls all registered overflow hooks
func (r *Registry) TriggerOverflow(ctx context.Context, chatID string, cause error) error {
	if r == nil {
		return nil
	}
	for _, hook := range snapshot(r, func() []OverflowHook { return r.overflow }) {
		if err := hook(ctx, chatID, cause); err != nil {
			return err
		}
	}
	return nil
}
