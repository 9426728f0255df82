package chatkeeper

import (
	"fmt"
	"time"

	"github.com/youssefsiam38/chatkeeper/compaction"
	"github.com/youssefsiam38/chatkeeper/hooks"
	"github.com/youssefsiam38/chatkeeper/storage"
	"github.com/youssefsiam38/chatkeeper/streaming"
	"github.com/youssefsiam38/chatkeeper/tool"
	"github.com/youssefsiam38/chatkeeper/turn"
)

// User-facing texts returned instead of an error.
const (
	// NoResponseText is returned when a turn produced no assistant text.
	NoResponseText = "(no response)"

	// TimeoutText is returned when a turn exceeds the turn timeout.
	TimeoutText = "Sorry, that took too long to answer. Please try again."

	// OverflowApologyText is returned when overflow recovery also fails.
	OverflowApologyText = "Sorry, this conversation grew too large and I could not recover it. Please start again."

	// DefaultRecoveryNote prefixes the prompt retried after an overflow reset.
	DefaultRecoveryNote = "[Note: the previous conversation exceeded the model's context limit and was cleared. Earlier messages are no longer available.]\n\n"
)

// DefaultOverflowPatterns are the provider error substrings that signal a
// context overflow. Matching is case-insensitive.
var DefaultOverflowPatterns = []string{
	"too many tokens",
	"context length",
	"maximum context",
	"token limit",
	"prompt is too long",
	"request too large",
}

// Logger interface for registry and runner logging. *slog.Logger satisfies it.
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

// Config holds the required configuration for a Registry.
//
// Example:
//
//	backend, _ := storage.NewFileBackend("sessions", logger)
//	model := anthropic.New(anthropic.Config{APIKey: key})
//	reg, _ := chatkeeper.NewRegistry(chatkeeper.Config{
//	    Backend:      backend,
//	    Model:        model,
//	    SystemPrompt: "You are a helpful assistant",
//	})
type Config struct {
	// Backend stores each chat's session (required)
	Backend storage.Backend

	// Model answers turns and writes compaction summaries (required)
	Model streaming.Model

	// ModelName is the provider model identifier for turns. Empty uses the
	// provider default.
	ModelName string

	// SystemPrompt is sent with every turn
	SystemPrompt string
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Backend == nil {
		return fmt.Errorf("%w: Backend is required", ErrInvalidConfig)
	}
	if c.Model == nil {
		return fmt.Errorf("%w: Model is required", ErrInvalidConfig)
	}
	return nil
}

// internalConfig holds the full registry configuration including optional parameters
type internalConfig struct {
	// Required from Config
	backend      storage.Backend
	model        streaming.Model
	modelName    string
	systemPrompt string

	// Turn execution
	maxTokens         int
	maxToolIterations int
	toolTimeout       time.Duration
	turnTimeout       time.Duration
	tools             []tool.Tool
	executor          turn.Executor

	// Compaction
	compaction compaction.Config

	// Overflow recovery
	overflowPatterns []string
	recoveryNote     string

	logger Logger
	hooks  *hooks.Registry
}

// newInternalConfig creates a new internal config from the public Config
func newInternalConfig(cfg Config) *internalConfig {
	patterns := make([]string, len(DefaultOverflowPatterns))
	copy(patterns, DefaultOverflowPatterns)

	return &internalConfig{
		backend:           cfg.Backend,
		model:             cfg.Model,
		modelName:         cfg.ModelName,
		systemPrompt:      cfg.SystemPrompt,
		maxToolIterations: turn.DefaultMaxIterations,
		toolTimeout:       tool.DefaultTimeout,
		compaction:        *compaction.DefaultConfig(),
		overflowPatterns:  patterns,
		recoveryNote:      DefaultRecoveryNote,
		logger:            noopLogger{},
		hooks:             hooks.NewRegistry(),
	}
}
