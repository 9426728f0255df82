package hooks

import (
	"context"
	"encoding/json"

	"github.com/youssefsiam38/chatkeeper/compaction"
	"github.com/youssefsiam38/chatkeeper/types"
)

// Logger interface for hook logging. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// LoggingHooks provides built-in logging hooks for observability
type LoggingHooks struct {
	logger Logger
}

// NewLoggingHooks creates logging hooks with the provided logger
func NewLoggingHooks(logger Logger) *LoggingHooks {
	return &LoggingHooks{logger: logger}
}

// Register adds every logging hook to r.
func (h *LoggingHooks) Register(r *Registry) {
	r.OnBeforeTurn(h.BeforeTurn)
	r.OnAfterTurn(h.AfterTurn)
	r.OnToolCall(h.ToolCall)
	r.OnBeforeCompaction(h.BeforeCompaction)
	r.OnAfterCompaction(h.AfterCompaction)
	r.OnOverflow(h.Overflow)
}

// BeforeTurn logs the context size of a turn
func (h *LoggingHooks) BeforeTurn(ctx context.Context, chatID string, messages []types.Message) error {
	h.logger.Debug("turn starting", "chat_id", chatID, "messages", len(messages))
	return nil
}

// AfterTurn logs what a turn produced
func (h *LoggingHooks) AfterTurn(ctx context.Context, chatID string, produced []types.Message) error {
	usage := totalUsage(produced)
	h.logger.Debug("turn finished",
		"chat_id", chatID,
		"produced", len(produced),
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// ToolCall logs tool execution
func (h *LoggingHooks) ToolCall(ctx context.Context, toolName string, input json.RawMessage, output string, err error) error {
	if err != nil {
		h.logger.Warn("tool failed", "tool", toolName, "error", err)
		return nil
	}
	preview := output
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	h.logger.Debug("tool succeeded", "tool", toolName, "output", preview)
	return nil
}

// BeforeCompaction logs before context compaction
func (h *LoggingHooks) BeforeCompaction(ctx context.Context, chatID string, stats compaction.Stats) error {
	h.logger.Info("compaction starting",
		"chat_id", chatID,
		"estimated_tokens", stats.EstimatedTokens,
		"threshold", stats.Threshold,
	)
	return nil
}

// AfterCompaction logs after context compaction
func (h *LoggingHooks) AfterCompaction(ctx context.Context, chatID string, result *compaction.Result) error {
	h.logger.Info("compaction complete",
		"chat_id", chatID,
		"tokens_before", result.TokensBefore,
		"tokens_after", result.TokensAfter,
		"reduction_pct", reduction(result),
		"removed", result.Removed,
		"fallback", result.UsedFallback,
	)
	return nil
}

// Overflow logs a context overflow
func (h *LoggingHooks) Overflow(ctx context.Context, chatID string, err error) error {
	h.logger.Warn("context overflow", "chat_id", chatID, "error", err)
	return nil
}

// MetricsHooks collects metrics for monitoring
type MetricsHooks struct {
	OnMetric func(name string, value float64, tags map[string]string)
}

// NewMetricsHooks creates metrics collection hooks
func NewMetricsHooks(onMetric func(string, float64, map[string]string)) *MetricsHooks {
	return &MetricsHooks{OnMetric: onMetric}
}

// Register adds every metrics hook to r.
func (h *MetricsHooks) Register(r *Registry) {
	r.OnAfterTurn(h.AfterTurn)
	r.OnToolCall(h.ToolCall)
	r.OnAfterCompaction(h.AfterCompaction)
	r.OnOverflow(h.Overflow)
}

// AfterTurn records token usage
func (h *MetricsHooks) AfterTurn(ctx context.Context, chatID string, produced []types.Message) error {
	usage := totalUsage(produced)
	h.OnMetric("chat.tokens.input", float64(usage.InputTokens), nil)
	h.OnMetric("chat.tokens.output", float64(usage.OutputTokens), nil)
	return nil
}

// ToolCall records tool execution metrics
func (h *MetricsHooks) ToolCall(ctx context.Context, toolName string, input json.RawMessage, output string, err error) error {
	tags := map[string]string{"tool": toolName}
	if err != nil {
		h.OnMetric("chat.tool.error", 1, tags)
	} else {
		h.OnMetric("chat.tool.success", 1, tags)
	}
	return nil
}

// AfterCompaction records compaction metrics
func (h *MetricsHooks) AfterCompaction(ctx context.Context, chatID string, result *compaction.Result) error {
	tags := map[string]string{"fallback": boolTag(result.UsedFallback)}
	h.OnMetric("chat.compaction.tokens_before", float64(result.TokensBefore), tags)
	h.OnMetric("chat.compaction.tokens_after", float64(result.TokensAfter), tags)
	h.OnMetric("chat.compaction.reduction_pct", reduction(result), tags)
	return nil
}

// Overflow counts context overflows
func (h *MetricsHooks) Overflow(ctx context.Context, chatID string, err error) error {
	h.OnMetric("chat.overflow", 1, nil)
	return nil
}

func reduction(result *compaction.Result) float64 {
	if result.TokensBefore == 0 {
		return 0
	}
	return float64(result.TokensBefore-result.TokensAfter) / float64(result.TokensBefore) * 100
}

func totalUsage(messages []types.Message) types.Usage {
	var u types.Usage
	for _, m := range messages {
		for _, b := range m.Content {
			if b.Type == types.ContentTypeUsage && b.Usage != nil {
				u.InputTokens += b.Usage.InputTokens
				u.OutputTokens += b.Usage.OutputTokens
			}
		}
	}
	return u
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
