package anthropic

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/youssefsiam38/chatkeeper/streaming"
	"github.com/youssefsiam38/chatkeeper/tool"
	"github.com/youssefsiam38/chatkeeper/types"
)

func TestConvertContentBlock_ToolUseEmptyInput(t *testing.T) {
	tests := []struct {
		name  string
		input json.RawMessage
		want  string
	}{
		{name: "nil input defaults to empty object", input: nil, want: `{}`},
		{name: "empty input defaults to empty object", input: json.RawMessage(""), want: `{}`},
		{name: "null input defaults to empty object", input: json.RawMessage("null"), want: `{}`},
		{name: "valid input preserved", input: json.RawMessage(`{"key":"value"}`), want: `{"key":"value"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := types.NewToolUseBlock("test-id", "test_tool", tt.input)
			got, ok := convertContentBlock(block)
			if !ok {
				t.Fatal("convertContentBlock() dropped tool use block")
			}
			if got.OfToolUse == nil {
				t.Fatal("expected OfToolUse to be set")
			}
			data, err := json.Marshal(got.OfToolUse.Input)
			if err != nil {
				t.Fatalf("marshal input: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("input = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestConvertMessages(t *testing.T) {
	call := types.NewMessage(types.RoleAssistant,
		types.NewTextBlock("let me check"),
		types.NewToolUseBlock("call_1", "weather", json.RawMessage(`{"city":"Cairo"}`)),
		types.NewUsageBlock(types.Usage{InputTokens: 10, OutputTokens: 5}),
	)
	result := types.NewMessage(types.RoleToolResult,
		types.NewToolResultBlock("call_1", "weather", "sunny", false),
	)

	messages := []types.Message{
		types.NewMessage(types.RoleSystem, types.NewTextBlock("ignored")),
		types.NewSummaryMessage("earlier talk"),
		types.NewUserMessage("weather?"),
		call,
		result,
		types.NewUserMessage("thanks"),
		types.NewMessage(types.RoleAssistant, types.NewUsageBlock(types.Usage{OutputTokens: 1})),
	}

	params := ConvertMessages(messages)
	if len(params) != 3 {
		t.Fatalf("ConvertMessages() = %d params, want 3", len(params))
	}

	// Summary and prompt merge into one user message.
	if params[0].Role != anthropic.MessageParamRoleUser || len(params[0].Content) != 2 {
		t.Errorf("params[0] = role %s with %d blocks, want user with 2", params[0].Role, len(params[0].Content))
	}

	// Usage block is not sent.
	if params[1].Role != anthropic.MessageParamRoleAssistant || len(params[1].Content) != 2 {
		t.Errorf("params[1] = role %s with %d blocks, want assistant with 2", params[1].Role, len(params[1].Content))
	}

	// Tool result and the next prompt merge into one user message.
	if params[2].Role != anthropic.MessageParamRoleUser || len(params[2].Content) != 2 {
		t.Fatalf("params[2] = role %s with %d blocks, want user with 2", params[2].Role, len(params[2].Content))
	}
	tr := params[2].Content[0].OfToolResult
	if tr == nil || tr.ToolUseID != "call_1" {
		t.Errorf("params[2].Content[0] = %+v, want tool result for call_1", params[2].Content[0])
	}
}

func TestConvertTools(t *testing.T) {
	if got := ConvertTools(nil); got != nil {
		t.Errorf("ConvertTools(nil) = %v, want nil", got)
	}

	defs := []tool.Definition{{
		Name:        "weather",
		Description: "Get the weather",
		InputSchema: tool.ToolSchema{
			Type: "object",
			Properties: map[string]tool.PropertyDef{
				"city": {Type: "string"},
			},
			Required: []string{"city"},
		},
	}}

	got := ConvertTools(defs)
	if len(got) != 1 || got[0].OfTool == nil {
		t.Fatalf("ConvertTools() = %+v", got)
	}
	p := got[0].OfTool
	if p.Name != "weather" {
		t.Errorf("Name = %q", p.Name)
	}
	if len(p.InputSchema.Required) != 1 || p.InputSchema.Required[0] != "city" {
		t.Errorf("Required = %v", p.InputSchema.Required)
	}
}

func decodeEvent(t *testing.T, raw string) anthropic.MessageStreamEventUnion {
	t.Helper()
	var ev anthropic.MessageStreamEventUnion
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

var rawEvents = []string{
	`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"usage":{"input_tokens":12,"output_tokens":0}}}`,
	`{"type":"ping"}`,
	`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`,
	`{"type":"content_block_stop","index":0}`,
	`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"weather","input":{}}}`,
	`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
	`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Cairo\"}"}}`,
	`{"type":"content_block_stop","index":1}`,
	`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`,
	`{"type":"message_stop"}`,
}

func TestConvertEvent(t *testing.T) {
	ev := ConvertEvent(decodeEvent(t, rawEvents[0]))
	start, ok := ev.(*streaming.MessageStartEvent)
	if !ok {
		t.Fatalf("message_start converted to %T", ev)
	}
	if start.MessageID != "msg_1" || start.InputTokens != 12 {
		t.Errorf("MessageStartEvent = %+v", start)
	}

	if ev := ConvertEvent(decodeEvent(t, rawEvents[1])); ev != nil {
		t.Errorf("ping converted to %T, want nil", ev)
	}

	ev = ConvertEvent(decodeEvent(t, rawEvents[6]))
	delta, ok := ev.(*streaming.ToolInputDeltaEvent)
	if !ok || delta.Index != 1 || delta.Delta != `{"city":` {
		t.Errorf("input_json_delta converted to %+v", ev)
	}
}

type fakeSource struct {
	events []anthropic.MessageStreamEventUnion
	pos    int
	err    error
	closed bool
}

func (f *fakeSource) Next() bool {
	if f.pos >= len(f.events) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeSource) Current() anthropic.MessageStreamEventUnion { return f.events[f.pos-1] }
func (f *fakeSource) Err() error                                 { return f.err }
func (f *fakeSource) Close() error                               { f.closed = true; return nil }

func TestStreamAccumulatesToolCall(t *testing.T) {
	src := &fakeSource{}
	for _, raw := range rawEvents {
		src.events = append(src.events, decodeEvent(t, raw))
	}

	acc, err := streaming.Collect(NewStream(src))
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if !src.closed {
		t.Error("source was not closed")
	}

	msg := acc.Message()
	if msg.Text() != "Checking" {
		t.Errorf("Text() = %q", msg.Text())
	}
	uses := msg.ToolUses()
	if len(uses) != 1 || uses[0].ID != "toolu_1" || string(uses[0].Input) != `{"city":"Cairo"}` {
		t.Errorf("ToolUses() = %+v", uses)
	}
	if acc.StopReason() != "tool_use" {
		t.Errorf("StopReason() = %q", acc.StopReason())
	}
	if u := acc.Usage(); u.InputTokens != 12 || u.OutputTokens != 7 {
		t.Errorf("Usage() = %+v", u)
	}
}

func TestStreamWrapsError(t *testing.T) {
	boom := errors.New("connection reset")
	s := NewStream(&fakeSource{err: boom})
	if s.Next() {
		t.Fatal("Next() = true on empty source")
	}
	if err := s.Err(); !errors.Is(err, boom) {
		t.Errorf("Err() = %v, want wrapping %v", err, boom)
	}
}

func TestBuildParams(t *testing.T) {
	m := New(Config{APIKey: "test", Model: "claude-default", MaxTokens: 100})

	params := m.BuildParams(&streaming.Request{
		System:   "be brief",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	if string(params.Model) != "claude-default" || params.MaxTokens != 100 {
		t.Errorf("defaults not applied: model=%s max=%d", params.Model, params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "be brief" {
		t.Errorf("System = %+v", params.System)
	}

	params = m.BuildParams(&streaming.Request{
		Model:     "claude-other",
		MaxTokens: 5,
		Messages:  []types.Message{types.NewUserMessage("hi")},
	})
	if string(params.Model) != "claude-other" || params.MaxTokens != 5 || len(params.System) != 0 {
		t.Errorf("overrides not applied: %+v", params)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("plain"), false},
		{&anthropic.Error{StatusCode: 429}, true},
		{&anthropic.Error{StatusCode: 529}, true},
		{&anthropic.Error{StatusCode: 400}, false},
	}
	for i, tt := range tests {
		if got := IsRetryableError(tt.err); got != tt.want {
			t.Errorf("case %d: IsRetryableError() = %v, want %v", i, got, tt.want)
		}
	}
}
