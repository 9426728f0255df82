package chatkeeper

import (
	"time"

	"github.com/youssefsiam38/chatkeeper/compaction"
	"github.com/youssefsiam38/chatkeeper/hooks"
	"github.com/youssefsiam38/chatkeeper/tool"
	"github.com/youssefsiam38/chatkeeper/turn"
)

// Option is a functional option for configuring a Registry
type Option func(*internalConfig) error

// WithLogger sets the logger used by the registry, runners, compaction and
// the turn loop
func WithLogger(logger Logger) Option {
	return func(c *internalConfig) error {
		if logger == nil {
			return NewRunnerError("WithLogger", ErrInvalidConfig).
				WithContext("reason", "logger must not be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithHooks sets the hook registry notified of lifecycle events
func WithHooks(h *hooks.Registry) Option {
	return func(c *internalConfig) error {
		if h != nil {
			c.hooks = h
		}
		return nil
	}
}

// WithMaxTokens sets the maximum number of tokens to generate per response
func WithMaxTokens(n int) Option {
	return func(c *internalConfig) error {
		c.maxTokens = n
		return nil
	}
}

// WithTools registers tools the model may call during a turn
func WithTools(tools ...tool.Tool) Option {
	return func(c *internalConfig) error {
		for _, t := range tools {
			schema := t.InputSchema()
			if schema.Type != "object" {
				return NewRunnerError("WithTools", ErrInvalidToolSchema).
					WithContext("tool", t.Name()).
					WithContext("reason", "schema type must be 'object'")
			}
			c.tools = append(c.tools, t)
		}
		return nil
	}
}

// WithMaxToolIterations sets the maximum model calls per turn (default 10)
func WithMaxToolIterations(n int) Option {
	return func(c *internalConfig) error {
		if n <= 0 {
			return NewRunnerError("WithMaxToolIterations", ErrInvalidConfig).
				WithContext("n", n).
				WithContext("reason", "must be positive")
		}
		c.maxToolIterations = n
		return nil
	}
}

// WithToolTimeout sets the timeout for individual tool executions (default 30s)
func WithToolTimeout(timeout time.Duration) Option {
	return func(c *internalConfig) error {
		if timeout <= 0 {
			return NewRunnerError("WithToolTimeout", ErrInvalidConfig).
				WithContext("timeout", timeout).
				WithContext("reason", "timeout must be positive")
		}
		c.toolTimeout = timeout
		return nil
	}
}

// WithTurnTimeout bounds the wall-clock time of one turn. Zero disables it.
func WithTurnTimeout(timeout time.Duration) Option {
	return func(c *internalConfig) error {
		if timeout < 0 {
			return NewRunnerError("WithTurnTimeout", ErrInvalidConfig).
				WithContext("timeout", timeout).
				WithContext("reason", "timeout must not be negative")
		}
		c.turnTimeout = timeout
		return nil
	}
}

// WithExecutor replaces the default model/tool loop
func WithExecutor(e turn.Executor) Option {
	return func(c *internalConfig) error {
		c.executor = e
		return nil
	}
}

// WithCompaction sets the compaction configuration. Zero fields take
// defaults, except KeepTurns and HeadMessages which are used as given; start
// from compaction.DefaultConfig to keep their defaults.
func WithCompaction(cfg compaction.Config) Option {
	return func(c *internalConfig) error {
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return NewRunnerError("WithCompaction", err)
		}
		c.compaction = cfg
		return nil
	}
}

// WithOverflowPatterns replaces the provider error substrings treated as
// context overflow
func WithOverflowPatterns(patterns ...string) Option {
	return func(c *internalConfig) error {
		if len(patterns) == 0 {
			return NewRunnerError("WithOverflowPatterns", ErrInvalidConfig).
				WithContext("reason", "at least one pattern is required")
		}
		c.overflowPatterns = append([]string(nil), patterns...)
		return nil
	}
}

// WithExtraOverflowPatterns adds substrings to the overflow pattern set
func WithExtraOverflowPatterns(patterns ...string) Option {
	return func(c *internalConfig) error {
		c.overflowPatterns = append(c.overflowPatterns, patterns...)
		return nil
	}
}

// WithRecoveryNote sets the text prefixed to a prompt retried after an
// overflow reset
func WithRecoveryNote(note string) Option {
	return func(c *internalConfig) error {
		c.recoveryNote = note
		return nil
	}
}
