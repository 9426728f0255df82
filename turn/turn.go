// Package turn produces one assistant turn: it streams the model, runs any
// tool calls the reply asks for, and repeats until the model answers
// without tools or the iteration bound is reached.
package turn

import (
	"context"
	"errors"
	"fmt"

	"github.com/youssefsiam38/chatkeeper/hooks"
	"github.com/youssefsiam38/chatkeeper/streaming"
	"github.com/youssefsiam38/chatkeeper/tool"
	"github.com/youssefsiam38/chatkeeper/types"
)

// DefaultMaxIterations bounds the model/tool round trips of one turn.
const DefaultMaxIterations = 10

// ErrMaxIterations is returned when the model keeps calling tools past the
// iteration bound.
var ErrMaxIterations = errors.New("turn exceeded maximum tool iterations")

// Logger interface for turn logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Request is the input of one turn.
type Request struct {
	ChatID string
	System string

	// Messages is the full outbound context ending with the user prompt.
	Messages []types.Message
}

// Executor produces the messages of one assistant turn. On error it returns
// whatever complete messages were produced before the failure.
type Executor interface {
	Run(ctx context.Context, req *Request) ([]types.Message, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *Request) ([]types.Message, error)

// Run implements Executor
func (f ExecutorFunc) Run(ctx context.Context, req *Request) ([]types.Message, error) {
	return f(ctx, req)
}

// Config configures a Loop.
type Config struct {
	// Model is the provider model identifier. Empty uses the provider default.
	Model string

	// MaxTokens bounds each response. Zero uses the provider default.
	MaxTokens int

	// MaxIterations bounds model calls per turn. Zero means DefaultMaxIterations.
	MaxIterations int
}

// Loop is the default Executor.
type Loop struct {
	model  streaming.Model
	tools  *tool.Executor
	hooks  *hooks.Registry
	config Config
	logger Logger
}

// NewLoop creates a Loop. tools may be nil, in which case every tool call
// is answered with a not-found error result.
func NewLoop(model streaming.Model, tools *tool.Executor, cfg Config, logger Logger) *Loop {
	if tools == nil {
		tools = tool.NewExecutor(tool.NewRegistry())
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Loop{
		model:  model,
		tools:  tools,
		config: cfg,
		logger: logger,
	}
}

// SetHooks sets the registry notified of tool calls.
func (l *Loop) SetHooks(h *hooks.Registry) {
	l.hooks = h
}

// Run implements Executor.
func (l *Loop) Run(ctx context.Context, req *Request) ([]types.Message, error) {
	conversation := types.Clone(req.Messages)
	defs := l.tools.Registry().Definitions()

	var produced []types.Message

	for i := 0; i < l.config.MaxIterations; i++ {
		stream, err := l.model.Stream(ctx, &streaming.Request{
			Model:     l.config.Model,
			System:    req.System,
			Messages:  conversation,
			Tools:     defs,
			MaxTokens: l.config.MaxTokens,
		})
		if err != nil {
			return produced, err
		}

		acc, err := streaming.Collect(stream)
		if err != nil {
			// Keep streamed text; unfinished tool calls have no results.
			if partial, ok := textOnly(acc.Message()); ok {
				produced = append(produced, partial)
			}
			return produced, err
		}

		reply := acc.Message()
		produced = append(produced, reply)
		conversation = append(conversation, reply)

		uses := reply.ToolUses()
		if len(uses) == 0 {
			return produced, nil
		}

		l.logger.Debug("executing tool calls",
			"chat_id", req.ChatID,
			"iteration", i+1,
			"calls", len(uses),
		)

		results := l.runTools(tool.WithChatID(ctx, req.ChatID), uses)
		produced = append(produced, results)
		conversation = append(conversation, results)

		if err := ctx.Err(); err != nil {
			return produced, err
		}
	}

	l.logger.Warn("turn stopped at iteration limit",
		"chat_id", req.ChatID,
		"max_iterations", l.config.MaxIterations,
	)
	return produced, fmt.Errorf("%w (%d)", ErrMaxIterations, l.config.MaxIterations)
}

// runTools executes uses and returns one toolResult message answering all
// of them in order.
func (l *Loop) runTools(ctx context.Context, uses []types.ToolUse) types.Message {
	calls := make([]tool.Call, len(uses))
	for i, u := range uses {
		calls[i] = tool.Call{ID: u.ID, ToolName: u.Name, Input: u.Input}
	}

	results := l.tools.ExecuteAll(ctx, calls)

	blocks := make([]types.ContentBlock, 0, len(results))
	for _, r := range results {
		content, isError := r.Output, false
		if r.Err != nil {
			content, isError = fmt.Sprintf("Error executing tool: %v", r.Err), true
		}
		blocks = append(blocks, types.NewToolResultBlock(r.Call.ID, r.Call.ToolName, content, isError))

		if err := l.hooks.TriggerToolCall(ctx, r.Call.ToolName, r.Call.Input, r.Output, r.Err); err != nil {
			l.logger.Warn("tool call hook failed", "tool", r.Call.ToolName, "error", err)
		}
	}

	return types.NewMessage(types.RoleToolResult, blocks...)
}

// textOnly strips tool calls from a partial reply. It reports false when
// nothing is left worth keeping.
func textOnly(m types.Message) (types.Message, bool) {
	if !m.HasText() {
		return m, false
	}
	blocks := make([]types.ContentBlock, 0, len(m.Content))
	for _, b := range m.Content {
		if b.Type != types.ContentTypeToolUse {
			blocks = append(blocks, b)
		}
	}
	m.Content = blocks
	return m, true
}
