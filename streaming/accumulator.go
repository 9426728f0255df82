package streaming

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/youssefsiam38/chatkeeper/types"
)

// Accumulator accumulates streaming events into a complete message
type Accumulator struct {
	messageID  string
	model      string
	content    []*block
	stopReason string
	usage      types.Usage

	// Blocks still receiving deltas, keyed by stream index
	open map[int]*block
}

type block struct {
	kind  types.ContentType
	index int

	text strings.Builder

	toolID    string
	toolName  string
	toolInput strings.Builder
}

// NewAccumulator creates a new stream accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{
		open: make(map[int]*block),
	}
}

// Process applies one event to the accumulator
func (a *Accumulator) Process(event Event) {
	switch e := event.(type) {
	case *MessageStartEvent:
		a.messageID = e.MessageID
		a.model = e.Model
		a.usage.InputTokens = e.InputTokens

	case *TextStartEvent:
		b := &block{kind: types.ContentTypeText, index: e.Index}
		b.text.WriteString(e.Text)
		a.open[e.Index] = b

	case *ToolUseStartEvent:
		a.open[e.Index] = &block{
			kind:     types.ContentTypeToolUse,
			index:    e.Index,
			toolID:   e.ToolID,
			toolName: e.ToolName,
		}

	case *TextDeltaEvent:
		b, ok := a.open[e.Index]
		if !ok {
			// Some providers skip the start event for plain text
			b = &block{kind: types.ContentTypeText, index: e.Index}
			a.open[e.Index] = b
		}
		b.text.WriteString(e.Delta)

	case *ToolInputDeltaEvent:
		if b, ok := a.open[e.Index]; ok {
			b.toolInput.WriteString(e.Delta)
		}

	case *ContentBlockStopEvent:
		if b, ok := a.open[e.Index]; ok {
			a.content = append(a.content, b)
			delete(a.open, e.Index)
		}

	case *MessageDeltaEvent:
		if e.StopReason != "" {
			a.stopReason = e.StopReason
		}
		if e.OutputTokens > 0 {
			a.usage.OutputTokens = e.OutputTokens
		}
	}
}

// Text returns all text accumulated so far, including unfinished blocks.
func (a *Accumulator) Text() string {
	var sb strings.Builder
	for _, b := range a.blocks() {
		if b.kind == types.ContentTypeText {
			sb.WriteString(b.text.String())
		}
	}
	return sb.String()
}

// StopReason returns the provider's stop reason, if reported.
func (a *Accumulator) StopReason() string {
	return a.stopReason
}

// Usage returns token usage reported so far.
func (a *Accumulator) Usage() types.Usage {
	return a.usage
}

// Message returns the accumulated assistant message.
// This can be called at any time to get the current state; unfinished
// blocks are included so a cancelled stream still yields partial output.
func (a *Accumulator) Message() types.Message {
	blocks := a.blocks()
	content := make([]types.ContentBlock, 0, len(blocks)+1)

	for _, b := range blocks {
		switch b.kind {
		case types.ContentTypeText:
			if b.text.Len() == 0 {
				continue
			}
			content = append(content, types.NewTextBlock(b.text.String()))

		case types.ContentTypeToolUse:
			input := b.toolInput.String()
			if input == "" || !json.Valid([]byte(input)) {
				input = "{}"
			}
			content = append(content, types.NewToolUseBlock(b.toolID, b.toolName, json.RawMessage(input)))
		}
	}

	if a.usage.InputTokens > 0 || a.usage.OutputTokens > 0 {
		content = append(content, types.NewUsageBlock(a.usage))
	}

	return types.NewMessage(types.RoleAssistant, content...)
}

// blocks returns finished blocks followed by open ones in index order
func (a *Accumulator) blocks() []*block {
	out := make([]*block, 0, len(a.content)+len(a.open))
	out = append(out, a.content...)

	pending := make([]*block, 0, len(a.open))
	for _, b := range a.open {
		pending = append(pending, b)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].index < pending[j].index })

	return append(out, pending...)
}
