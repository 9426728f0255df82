package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/youssefsiam38/chatkeeper/compaction"
	"github.com/youssefsiam38/chatkeeper/types"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry returned nil")
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	ctx := context.Background()
	if err := r.TriggerBeforeTurn(ctx, "c", nil); err != nil {
		t.Errorf("TriggerBeforeTurn on nil registry = %v", err)
	}
	if err := r.TriggerAfterCompaction(ctx, "c", &compaction.Result{}); err != nil {
		t.Errorf("TriggerAfterCompaction on nil registry = %v", err)
	}
}

func TestOnBeforeTurn(t *testing.T) {
	r := NewRegistry()
	var capturedChat string
	var capturedLen int

	r.OnBeforeTurn(func(ctx context.Context, chatID string, messages []types.Message) error {
		capturedChat = chatID
		capturedLen = len(messages)
		return nil
	})

	err := r.TriggerBeforeTurn(context.Background(), "chat-1", []types.Message{types.NewUserMessage("hi")})
	if err != nil {
		t.Errorf("TriggerBeforeTurn returned error: %v", err)
	}
	if capturedChat != "chat-1" || capturedLen != 1 {
		t.Errorf("hook saw chat %q with %d messages", capturedChat, capturedLen)
	}
}

func TestOnAfterTurn(t *testing.T) {
	r := NewRegistry()
	called := false

	r.OnAfterTurn(func(ctx context.Context, chatID string, produced []types.Message) error {
		called = true
		return nil
	})

	if err := r.TriggerAfterTurn(context.Background(), "chat-1", nil); err != nil {
		t.Errorf("TriggerAfterTurn returned error: %v", err)
	}
	if !called {
		t.Error("hook was not called")
	}
}

func TestOnToolCall(t *testing.T) {
	r := NewRegistry()
	var capturedName string
	var capturedOutput string

	r.OnToolCall(func(ctx context.Context, name string, input json.RawMessage, output string, err error) error {
		capturedName = name
		capturedOutput = output
		return nil
	})

	err := r.TriggerToolCall(context.Background(), "test_tool", nil, "test output", nil)
	if err != nil {
		t.Errorf("TriggerToolCall returned error: %v", err)
	}
	if capturedName != "test_tool" {
		t.Errorf("expected name 'test_tool', got '%s'", capturedName)
	}
	if capturedOutput != "test output" {
		t.Errorf("expected output 'test output', got '%s'", capturedOutput)
	}
}

func TestOnBeforeCompaction(t *testing.T) {
	r := NewRegistry()
	var captured compaction.Stats

	r.OnBeforeCompaction(func(ctx context.Context, chatID string, stats compaction.Stats) error {
		captured = stats
		return nil
	})

	err := r.TriggerBeforeCompaction(context.Background(), "chat-1", compaction.Stats{EstimatedTokens: 900, Threshold: 700})
	if err != nil {
		t.Errorf("TriggerBeforeCompaction returned error: %v", err)
	}
	if captured.EstimatedTokens != 900 {
		t.Errorf("expected 900 estimated tokens, got %d", captured.EstimatedTokens)
	}
}

func TestOnAfterCompaction(t *testing.T) {
	r := NewRegistry()
	var capturedResult *compaction.Result

	r.OnAfterCompaction(func(ctx context.Context, chatID string, result *compaction.Result) error {
		capturedResult = result
		return nil
	})

	testResult := &compaction.Result{
		TokensBefore: 1000,
		TokensAfter:  500,
	}

	err := r.TriggerAfterCompaction(context.Background(), "chat-1", testResult)
	if err != nil {
		t.Errorf("TriggerAfterCompaction returned error: %v", err)
	}
	if capturedResult != testResult {
		t.Error("result was not passed to hook")
	}
}

func TestOnOverflow(t *testing.T) {
	r := NewRegistry()
	cause := errors.New("prompt is too long")
	var captured error

	r.OnOverflow(func(ctx context.Context, chatID string, err error) error {
		captured = err
		return nil
	})

	if err := r.TriggerOverflow(context.Background(), "chat-1", cause); err != nil {
		t.Errorf("TriggerOverflow returned error: %v", err)
	}
	if captured != cause {
		t.Errorf("hook saw %v, want %v", captured, cause)
	}
}

func TestHookStopsOnError(t *testing.T) {
	r := NewRegistry()
	called := []int{}
	expectedErr := errors.New("stop here")

	r.OnBeforeTurn(func(ctx context.Context, chatID string, messages []types.Message) error {
		called = append(called, 1)
		return nil
	})

	r.OnBeforeTurn(func(ctx context.Context, chatID string, messages []types.Message) error {
		called = append(called, 2)
		return expectedErr
	})

	r.OnBeforeTurn(func(ctx context.Context, chatID string, messages []types.Message) error {
		called = append(called, 3)
		return nil
	})

	err := r.TriggerBeforeTurn(context.Background(), "chat-1", nil)
	if !errors.Is(err, expectedErr) {
		t.Errorf("expected error %v, got %v", expectedErr, err)
	}

	if len(called) != 2 {
		t.Errorf("expected 2 hooks to be called before error, got %d", len(called))
	}
}

func TestConcurrentRegistrationAndTrigger(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		r.OnBeforeTurn(func(ctx context.Context, chatID string, messages []types.Message) error {
			return nil
		})
	}

	wg.Add(200)
	for i := 0; i < 100; i++ {
		go func() {
			defer wg.Done()
			r.OnBeforeTurn(func(ctx context.Context, chatID string, messages []types.Message) error {
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			_ = r.TriggerBeforeTurn(context.Background(), "chat-1", nil)
		}()
	}
	wg.Wait()
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, msg)
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.record(msg) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record(msg) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record(msg) }
func (l *recordingLogger) Error(msg string, args ...any) { l.record(msg) }

func TestLoggingHooksRegister(t *testing.T) {
	logger := &recordingLogger{}
	r := NewRegistry()
	NewLoggingHooks(logger).Register(r)

	ctx := context.Background()
	_ = r.TriggerBeforeTurn(ctx, "c", nil)
	_ = r.TriggerToolCall(ctx, "t", nil, "", errors.New("bad"))
	_ = r.TriggerAfterCompaction(ctx, "c", &compaction.Result{TokensBefore: 100, TokensAfter: 40})
	_ = r.TriggerOverflow(ctx, "c", errors.New("too long"))

	want := []string{"turn starting", "tool failed", "compaction complete", "context overflow"}
	if len(logger.lines) != len(want) {
		t.Fatalf("logged %v, want %v", logger.lines, want)
	}
	for i := range want {
		if logger.lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, logger.lines[i], want[i])
		}
	}
}

func TestMetricsHooks(t *testing.T) {
	metrics := map[string]float64{}
	r := NewRegistry()
	NewMetricsHooks(func(name string, value float64, tags map[string]string) {
		metrics[name] += value
	}).Register(r)

	ctx := context.Background()
	produced := []types.Message{
		types.NewMessage(types.RoleAssistant,
			types.NewTextBlock("hi"),
			types.NewUsageBlock(types.Usage{InputTokens: 10, OutputTokens: 4}),
		),
	}
	_ = r.TriggerAfterTurn(ctx, "c", produced)
	_ = r.TriggerToolCall(ctx, "t", nil, "ok", nil)
	_ = r.TriggerAfterCompaction(ctx, "c", &compaction.Result{TokensBefore: 200, TokensAfter: 50})

	tests := map[string]float64{
		"chat.tokens.input":             10,
		"chat.tokens.output":            4,
		"chat.tool.success":             1,
		"chat.compaction.reduction_pct": 75,
	}
	for name, want := range tests {
		if got := metrics[name]; got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}
