// Package anthropic implements streaming.Model on the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/youssefsiam38/chatkeeper/streaming"
)

// Defaults used when a request leaves a field empty.
const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 8192
)

// Config configures the Anthropic model.
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint. Empty means the SDK default.
	BaseURL string

	// Model is used when a request does not name one.
	Model string

	// MaxTokens is used when a request does not set one.
	MaxTokens int

	// Headers are added to every request.
	Headers map[string]string

	// HTTPClient overrides the SDK's HTTP client.
	HTTPClient *http.Client
}

// Model is a streaming.Model backed by the Anthropic API.
type Model struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// New creates a Model.
func New(cfg Config) *Model {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	for key, value := range cfg.Headers {
		opts = append(opts, option.WithHeader(key, value))
	}

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	return &Model{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

// BuildParams converts a request to Anthropic message parameters.
func (m *Model) BuildParams(req *streaming.Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = m.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  ConvertMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if tools := ConvertTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	return params
}

// Stream implements streaming.Model. API failures surface from the returned
// stream's Err.
func (m *Model) Stream(ctx context.Context, req *streaming.Request) (streaming.Stream, error) {
	if req == nil {
		return nil, errors.New("anthropic: nil request")
	}
	params := m.BuildParams(req)
	if len(params.Messages) == 0 {
		return nil, errors.New("anthropic: request has no messages")
	}
	return NewStream(m.client.Messages.NewStreaming(ctx, params)), nil
}

// EventSource is the subset of the SDK stream used by Stream.
type EventSource interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
	Close() error
}

// stream adapts an SDK event stream to streaming.Stream.
type stream struct {
	src     EventSource
	current streaming.Event
}

// NewStream wraps src, skipping events with no streaming counterpart.
func NewStream(src EventSource) streaming.Stream {
	return &stream{src: src}
}

func (s *stream) Next() bool {
	for s.src.Next() {
		if ev := ConvertEvent(s.src.Current()); ev != nil {
			s.current = ev
			return true
		}
	}
	return false
}

func (s *stream) Current() streaming.Event {
	return s.current
}

func (s *stream) Err() error {
	if err := s.src.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}

func (s *stream) Close() error {
	return s.src.Close()
}

// IsRetryableError reports whether err is a rate limit or server error.
func IsRetryableError(err error) bool {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
}
