package anthropic

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/youssefsiam38/chatkeeper/streaming"
	"github.com/youssefsiam38/chatkeeper/tool"
	"github.com/youssefsiam38/chatkeeper/types"
)

// ConvertMessages converts conversation messages to Anthropic message
// parameters. System messages are dropped, tool results are sent as user
// messages, and adjacent messages with the same role are merged.
func ConvertMessages(messages []types.Message) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		var role anthropic.MessageParamRole
		switch msg.Role {
		case types.RoleAssistant:
			role = anthropic.MessageParamRoleAssistant
		case types.RoleUser, types.RoleToolResult:
			role = anthropic.MessageParamRoleUser
		default:
			continue
		}

		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, block := range msg.Content {
			if b, ok := convertContentBlock(block); ok {
				blocks = append(blocks, b)
			}
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(params); n > 0 && params[n-1].Role == role {
			params[n-1].Content = append(params[n-1].Content, blocks...)
			continue
		}
		params = append(params, anthropic.MessageParam{Role: role, Content: blocks})
	}

	return params
}

// convertContentBlock converts a single content block. Usage blocks and
// empty payloads have no wire form.
func convertContentBlock(block types.ContentBlock) (anthropic.ContentBlockParamUnion, bool) {
	switch block.Type {
	case types.ContentTypeText:
		if block.Text == "" {
			return anthropic.ContentBlockParamUnion{}, false
		}
		return anthropic.NewTextBlock(block.Text), true

	case types.ContentTypeToolUse:
		if block.ToolUse == nil {
			break
		}
		var input any
		if len(block.ToolUse.Input) > 0 {
			_ = json.Unmarshal(block.ToolUse.Input, &input)
		}
		// The API requires an object, not null.
		if input == nil {
			input = map[string]any{}
		}
		return anthropic.NewToolUseBlock(block.ToolUse.ID, input, block.ToolUse.Name), true

	case types.ContentTypeToolResult:
		if block.ToolResult == nil {
			break
		}
		return anthropic.NewToolResultBlock(block.ToolResult.ToolUseID, block.ToolResult.Content, block.ToolResult.IsError), true

	case types.ContentTypeImage:
		if block.Image == nil {
			break
		}
		if block.Image.Data != "" {
			return anthropic.NewImageBlockBase64(block.Image.MediaType, block.Image.Data), true
		}
		if block.Image.URL != "" {
			return anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: block.Image.URL}), true
		}
	}

	return anthropic.ContentBlockParamUnion{}, false
}

// ConvertTools converts tool definitions to Anthropic tool parameters.
func ConvertTools(defs []tool.Definition) []anthropic.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}

	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       "object",
			Properties: def.InputSchema.Properties,
		}
		if len(def.InputSchema.Required) > 0 {
			inputSchema.Required = def.InputSchema.Required
		}

		toolParam := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: inputSchema,
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}

// ConvertEvent maps an Anthropic stream event to a streaming.Event. Events
// with no counterpart (pings, thinking blocks) return nil.
func ConvertEvent(event anthropic.MessageStreamEventUnion) streaming.Event {
	switch e := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		return &streaming.MessageStartEvent{
			MessageID:   e.Message.ID,
			Model:       string(e.Message.Model),
			InputTokens: int(e.Message.Usage.InputTokens),
		}

	case anthropic.ContentBlockStartEvent:
		switch b := e.ContentBlock.AsAny().(type) {
		case anthropic.TextBlock:
			return &streaming.TextStartEvent{Index: int(e.Index), Text: b.Text}
		case anthropic.ToolUseBlock:
			return &streaming.ToolUseStartEvent{Index: int(e.Index), ToolID: b.ID, ToolName: b.Name}
		}

	case anthropic.ContentBlockDeltaEvent:
		switch d := e.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return &streaming.TextDeltaEvent{Index: int(e.Index), Delta: d.Text}
		case anthropic.InputJSONDelta:
			return &streaming.ToolInputDeltaEvent{Index: int(e.Index), Delta: d.PartialJSON}
		}

	case anthropic.ContentBlockStopEvent:
		return &streaming.ContentBlockStopEvent{Index: int(e.Index)}

	case anthropic.MessageDeltaEvent:
		return &streaming.MessageDeltaEvent{
			StopReason:   string(e.Delta.StopReason),
			OutputTokens: int(e.Usage.OutputTokens),
		}

	case anthropic.MessageStopEvent:
		return &streaming.MessageStopEvent{}
	}

	return nil
}
