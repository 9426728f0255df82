package compaction

import (
	"encoding/json"
	"math"

	"github.com/youssefsiam38/chatkeeper/types"
)

// Estimator approximates the token cost of a conversation from the size of
// its serialized form. It never calls a tokenizer and errs on the high side
// for structured payloads such as tool results.
type Estimator struct {
	charsPerToken float64
}

// NewEstimator creates an estimator. A non-positive ratio selects
// DefaultCharsPerToken.
func NewEstimator(charsPerToken float64) *Estimator {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &Estimator{charsPerToken: charsPerToken}
}

// Estimate returns the approximate token count of messages.
func (e *Estimator) Estimate(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += serializedLen(m)
	}
	return e.tokens(total)
}

// EstimateMessage returns the approximate token count of a single message.
func (e *Estimator) EstimateMessage(m types.Message) int {
	return e.tokens(serializedLen(m))
}

func (e *Estimator) tokens(chars int) int {
	if chars == 0 {
		return 0
	}
	return int(math.Ceil(float64(chars) / e.charsPerToken))
}

// serializedLen is the length of the canonical JSON encoding of m. Every
// field contributes, including tool inputs, tool output and image data.
func serializedLen(m types.Message) int {
	data, err := json.Marshal(m)
	if err == nil {
		return len(data)
	}

	// Malformed raw tool input; count the fields by hand.
	n := len(m.ID) + len(m.Role) + 64
	for _, b := range m.Content {
		n += len(b.Type) + len(b.Text)
		if b.ToolUse != nil {
			n += len(b.ToolUse.ID) + len(b.ToolUse.Name) + len(b.ToolUse.Input)
		}
		if b.ToolResult != nil {
			n += len(b.ToolResult.ToolUseID) + len(b.ToolResult.Name) + len(b.ToolResult.Content)
		}
		if b.Image != nil {
			n += len(b.Image.MediaType) + len(b.Image.Data) + len(b.Image.URL)
		}
		if b.Usage != nil {
			n += 64
		}
	}
	return n
}
