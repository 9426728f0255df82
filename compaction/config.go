package compaction

import (
	"fmt"
	"math"
)

// AnomalyPolicy decides how the turn boundary walk treats a role that cannot
// appear at its position, such as a system message inside the history.
type AnomalyPolicy string

const (
	// AnomalySkip steps over the message without counting a turn.
	AnomalySkip AnomalyPolicy = "skip"

	// AnomalyStrict aborts the walk with ErrStructuralAnomaly.
	AnomalyStrict AnomalyPolicy = "strict"
)

// Default configuration values.
const (
	DefaultMaxTokens           = 180000
	DefaultTrigger             = 0.70
	DefaultKeepTurns           = 10
	DefaultHeadMessages        = 2
	DefaultCharsPerToken       = 4.0
	DefaultMinSummaryChars     = 500
	DefaultFallbackChars       = 2000
	DefaultSummarizerModel     = "claude-3-5-haiku-20241022"
	DefaultSummarizerMaxTokens = 4096
	DefaultAnomalyPolicy       = AnomalySkip
)

// Config holds compaction configuration.
type Config struct {
	// MaxTokens is the context budget of the target model.
	// Default: 180000
	MaxTokens int `toml:"max_tokens"`

	// Trigger is the fraction (0.0-1.0] of MaxTokens above which compaction runs.
	// Default: 0.70
	Trigger float64 `toml:"trigger"`

	// KeepTurns is the number of most recent turns kept verbatim. Zero
	// summarizes everything after the head.
	// Default: 10
	KeepTurns int `toml:"keep_turns"`

	// HeadMessages is the number of leading messages kept verbatim. The head is
	// extended forward to the next user message so it never ends inside a turn.
	// Zero keeps no head.
	// Default: 2
	HeadMessages int `toml:"head_messages"`

	// CharsPerToken is the ratio used by the token estimator.
	// Default: 4
	CharsPerToken float64 `toml:"chars_per_token"`

	// MinSummaryChars is the transcript length below which the transcript is
	// used as the summary without calling the model.
	// Default: 500
	MinSummaryChars int `toml:"min_summary_chars"`

	// FallbackChars is how much of the transcript is kept when summarization fails.
	// Default: 2000
	FallbackChars int `toml:"fallback_chars"`

	// SummarizerModel is the model used for summaries.
	SummarizerModel string `toml:"summarizer_model"`

	// SummarizerMaxTokens bounds the summary response.
	// Default: 4096
	SummarizerMaxTokens int `toml:"summarizer_max_tokens"`

	// AnomalyPolicy controls the turn boundary walk.
	// Default: AnomalySkip
	AnomalyPolicy AnomalyPolicy `toml:"anomaly_policy"`
}

// DefaultConfig returns a Config with the default values.
func DefaultConfig() *Config {
	return &Config{
		MaxTokens:           DefaultMaxTokens,
		Trigger:             DefaultTrigger,
		KeepTurns:           DefaultKeepTurns,
		HeadMessages:        DefaultHeadMessages,
		CharsPerToken:       DefaultCharsPerToken,
		MinSummaryChars:     DefaultMinSummaryChars,
		FallbackChars:       DefaultFallbackChars,
		SummarizerModel:     DefaultSummarizerModel,
		SummarizerMaxTokens: DefaultSummarizerMaxTokens,
		AnomalyPolicy:       DefaultAnomalyPolicy,
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive, got %d", ErrInvalidConfig, c.MaxTokens)
	}

	if c.Trigger <= 0 || c.Trigger > 1.0 {
		return fmt.Errorf("%w: trigger must be between 0 and 1, got %f", ErrInvalidConfig, c.Trigger)
	}

	if c.KeepTurns < 0 {
		return fmt.Errorf("%w: keep_turns must be non-negative, got %d", ErrInvalidConfig, c.KeepTurns)
	}

	if c.HeadMessages < 0 {
		return fmt.Errorf("%w: head_messages must be non-negative, got %d", ErrInvalidConfig, c.HeadMessages)
	}

	if c.CharsPerToken <= 0 {
		return fmt.Errorf("%w: chars_per_token must be positive, got %f", ErrInvalidConfig, c.CharsPerToken)
	}

	if c.FallbackChars <= 0 {
		return fmt.Errorf("%w: fallback_chars must be positive, got %d", ErrInvalidConfig, c.FallbackChars)
	}

	if c.SummarizerModel == "" {
		return fmt.Errorf("%w: summarizer_model is required", ErrInvalidConfig)
	}

	if c.SummarizerMaxTokens <= 0 {
		return fmt.Errorf("%w: summarizer_max_tokens must be positive, got %d", ErrInvalidConfig, c.SummarizerMaxTokens)
	}

	if c.AnomalyPolicy != AnomalySkip && c.AnomalyPolicy != AnomalyStrict {
		return fmt.Errorf("%w: unknown anomaly_policy %q, must be %q or %q",
			ErrInvalidConfig, c.AnomalyPolicy, AnomalySkip, AnomalyStrict)
	}

	return nil
}

// ApplyDefaults fills in zero values with defaults. KeepTurns and
// HeadMessages are left alone: zero is a valid setting for both, so callers
// wanting the defaults start from DefaultConfig.
func (c *Config) ApplyDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Trigger == 0 {
		c.Trigger = DefaultTrigger
	}
	if c.CharsPerToken == 0 {
		c.CharsPerToken = DefaultCharsPerToken
	}
	if c.MinSummaryChars == 0 {
		c.MinSummaryChars = DefaultMinSummaryChars
	}
	if c.FallbackChars == 0 {
		c.FallbackChars = DefaultFallbackChars
	}
	if c.SummarizerModel == "" {
		c.SummarizerModel = DefaultSummarizerModel
	}
	if c.SummarizerMaxTokens == 0 {
		c.SummarizerMaxTokens = DefaultSummarizerMaxTokens
	}
	if c.AnomalyPolicy == "" {
		c.AnomalyPolicy = DefaultAnomalyPolicy
	}
}

// TriggerThreshold returns the absolute token count above which compaction runs.
func (c *Config) TriggerThreshold() int {
	// Rounded to absorb float error, e.g. 180000 * 0.7 = 125999.99...
	return int(math.Round(float64(c.MaxTokens) * c.Trigger))
}
