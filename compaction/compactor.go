package compaction

import (
	"context"
	"time"

	"github.com/youssefsiam38/chatkeeper/streaming"
	"github.com/youssefsiam38/chatkeeper/types"
)

// Logger interface for compaction logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a no-op implementation of Logger.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// State is the outcome of a compaction pass.
type State string

const (
	// StateBelowThreshold means the conversation fits; nothing changed.
	StateBelowThreshold State = "below_threshold"

	// StateUnsplittable means head and tail already cover everything; nothing changed.
	StateUnsplittable State = "unsplittable"

	// StateCompacted means the middle span was replaced by a summary.
	StateCompacted State = "compacted"
)

// Result contains the outcome of a compaction operation.
type Result struct {
	State State

	// Messages is the resulting conversation. It is the input slice itself
	// unless State is StateCompacted.
	Messages []types.Message

	// TokensBefore and TokensAfter are estimates.
	TokensBefore int
	TokensAfter  int

	// Head and Tail are the verbatim message counts kept on each side.
	Head int
	Tail int

	// Removed is the number of messages replaced by the summary.
	Removed int

	Summary      string
	UsedFallback bool
	Anomalies    int
	Duration     time.Duration
}

// Changed reports whether the conversation was rewritten.
func (r *Result) Changed() bool {
	return r.State == StateCompacted
}

// Stats describes a conversation's size relative to the compaction trigger.
type Stats struct {
	Messages        int     `json:"messages"`
	EstimatedTokens int     `json:"estimated_tokens"`
	Threshold       int     `json:"threshold"`
	MaxTokens       int     `json:"max_tokens"`
	Utilization     float64 `json:"utilization"`
	NeedsCompaction bool    `json:"needs_compaction"`
}

// Compactor keeps a conversation within its context budget by replacing
// the span between a fixed head and the most recent turns with a summary.
//
// A Compactor holds no per-conversation state and is safe for concurrent use.
type Compactor struct {
	config     *Config
	estimator  *Estimator
	locator    *Locator
	summarizer *Summarizer
	logger     Logger
}

// New creates a Compactor. model is used for summaries; cfg may be nil.
func New(model streaming.Model, cfg *Config, logger Logger) (*Compactor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		c := *cfg
		cfg = &c
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = noopLogger{}
	}

	return &Compactor{
		config:     cfg,
		estimator:  NewEstimator(cfg.CharsPerToken),
		locator:    NewLocator(cfg.AnomalyPolicy),
		summarizer: NewSummarizer(model, cfg, logger),
		logger:     logger,
	}, nil
}

// Config returns a copy of the effective configuration.
func (c *Compactor) Config() Config {
	return *c.config
}

// Estimator returns the token estimator used for the trigger check.
func (c *Compactor) Estimator() *Estimator {
	return c.estimator
}

// NeedsCompaction reports whether messages exceed the trigger threshold.
func (c *Compactor) NeedsCompaction(messages []types.Message) bool {
	return c.estimator.Estimate(messages) > c.config.TriggerThreshold()
}

// Stats returns size statistics for messages.
func (c *Compactor) Stats(messages []types.Message) Stats {
	tokens := c.estimator.Estimate(messages)
	threshold := c.config.TriggerThreshold()
	return Stats{
		Messages:        len(messages),
		EstimatedTokens: tokens,
		Threshold:       threshold,
		MaxTokens:       c.config.MaxTokens,
		Utilization:     float64(tokens) / float64(c.config.MaxTokens),
		NeedsCompaction: tokens > threshold,
	}
}

// Compact returns messages unchanged when they fit the budget or cannot be
// split, and otherwise head + one summary message + tail. The only error is
// ErrStructuralAnomaly under AnomalyStrict.
func (c *Compactor) Compact(ctx context.Context, messages []types.Message) (*Result, error) {
	start := time.Now()
	result := &Result{
		State:        StateBelowThreshold,
		Messages:     messages,
		TokensBefore: c.estimator.Estimate(messages),
	}
	result.TokensAfter = result.TokensBefore

	threshold := c.config.TriggerThreshold()
	if result.TokensBefore <= threshold {
		return result, nil
	}

	boundary, err := c.locator.Locate(messages, c.config.KeepTurns)
	if err != nil {
		return nil, NewCompactionError("Locate", err).
			WithContext("messages", len(messages)).
			WithContext("keep_turns", c.config.KeepTurns)
	}
	result.Anomalies = boundary.Anomalies
	if boundary.Anomalies > 0 {
		c.logger.Warn("skipped messages that do not fit turn structure",
			"anomalies", boundary.Anomalies,
			"messages", len(messages),
		)
	}

	head := headLength(messages, c.config.HeadMessages)
	tail := boundary.Tail
	result.Head = head
	result.Tail = tail

	if head+tail >= len(messages) {
		result.State = StateUnsplittable
		result.Duration = time.Since(start)
		c.logger.Info("conversation over threshold but cannot be split",
			"tokens", result.TokensBefore,
			"threshold", threshold,
			"messages", len(messages),
			"head", head,
			"tail", tail,
		)
		return result, nil
	}

	middle := messages[head : len(messages)-tail]
	summary := c.summarizer.Summarize(ctx, middle)

	out := make([]types.Message, 0, head+1+tail)
	out = append(out, messages[:head]...)
	out = append(out, types.NewSummaryMessage(summary.Text))
	out = append(out, messages[len(messages)-tail:]...)

	result.State = StateCompacted
	result.Messages = out
	result.TokensAfter = c.estimator.Estimate(out)
	result.Removed = len(middle)
	result.Summary = summary.Text
	result.UsedFallback = summary.UsedFallback
	result.Duration = time.Since(start)

	c.logger.Info("conversation compacted",
		"tokens_before", result.TokensBefore,
		"tokens_after", result.TokensAfter,
		"messages_before", len(messages),
		"messages_after", len(out),
		"removed", result.Removed,
		"fallback", summary.UsedFallback,
		"duration", result.Duration,
	)

	return result, nil
}

// headLength returns how many leading messages to keep: n, extended forward
// until the next message opens a turn.
func headLength(messages []types.Message, n int) int {
	if n > len(messages) {
		return len(messages)
	}
	for n > 0 && n < len(messages) && messages[n].Role != types.RoleUser {
		n++
	}
	return n
}
