package compaction

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/youssefsiam38/chatkeeper/streaming"
	"github.com/youssefsiam38/chatkeeper/types"
)

// Summary is the outcome of summarizing a span of messages.
type Summary struct {
	Text string

	// UsedFallback is set when the model call failed and Text is the
	// truncated transcript.
	UsedFallback bool

	// Err is the model failure that caused the fallback, if any.
	Err error
}

// Summarizer condenses a message span with one streaming model call and
// falls back to truncation when the call fails.
type Summarizer struct {
	model         streaming.Model
	modelName     string
	maxTokens     int
	minChars      int
	fallbackChars int
	logger        Logger
}

// NewSummarizer creates a Summarizer. A nil model always uses the fallback.
func NewSummarizer(model streaming.Model, cfg *Config, logger Logger) *Summarizer {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Summarizer{
		model:         model,
		modelName:     cfg.SummarizerModel,
		maxTokens:     cfg.SummarizerMaxTokens,
		minChars:      cfg.MinSummaryChars,
		fallbackChars: cfg.FallbackChars,
		logger:        logger,
	}
}

// Summarize returns a summary of messages. It never fails: any model error,
// cancellation or empty output yields the fallback text.
func (s *Summarizer) Summarize(ctx context.Context, messages []types.Message) Summary {
	transcript := Flatten(messages)
	if utf8.RuneCountInString(transcript) < s.minChars {
		return Summary{Text: transcript}
	}

	text, err := s.callModel(ctx, transcript)
	if err != nil {
		s.logger.Warn("summarization failed, using truncated transcript",
			"error", err,
			"transcript_chars", len(transcript),
		)
		return Summary{
			Text:         Fallback(transcript, s.fallbackChars),
			UsedFallback: true,
			Err:          err,
		}
	}

	return Summary{Text: text}
}

func (s *Summarizer) callModel(ctx context.Context, transcript string) (string, error) {
	if s.model == nil {
		return "", fmt.Errorf("%w: no model configured", ErrSummarizationFailed)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}

	stream, err := s.model.Stream(ctx, &streaming.Request{
		Model:     s.modelName,
		System:    SummarizationSystemPrompt,
		Messages:  []types.Message{types.NewUserMessage(BuildSummarizationPrompt(transcript))},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}

	acc, err := streaming.Collect(stream)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}

	text := strings.TrimSpace(acc.Text())
	if text == "" {
		return "", fmt.Errorf("%w: empty response from summarizer", ErrSummarizationFailed)
	}
	return text, nil
}

// Flatten renders messages as a role-labelled transcript using only their
// text blocks. Tool inputs and outputs are dropped; messages without text
// are omitted.
func Flatten(messages []types.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		text := strings.TrimSpace(m.Text())
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(roleLabel(string(m.Role)))
		sb.WriteString(": ")
		sb.WriteString(text)
	}
	return sb.String()
}

// Fallback returns the first limit characters of transcript followed by
// TruncationMarker.
func Fallback(transcript string, limit int) string {
	if limit <= 0 {
		limit = DefaultFallbackChars
	}
	if utf8.RuneCountInString(transcript) > limit {
		transcript = string([]rune(transcript)[:limit])
	}
	return transcript + TruncationMarker
}
