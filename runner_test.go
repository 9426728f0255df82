package chatkeeper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/youssefsiam38/chatkeeper/compaction"
	"github.com/youssefsiam38/chatkeeper/hooks"
	"github.com/youssefsiam38/chatkeeper/internal/testutil"
	"github.com/youssefsiam38/chatkeeper/storage"
	"github.com/youssefsiam38/chatkeeper/streaming"
	"github.com/youssefsiam38/chatkeeper/turn"
	"github.com/youssefsiam38/chatkeeper/types"
)

func newTestRegistry(t *testing.T, backend storage.Backend, model *testutil.FakeModel, opts ...Option) *Registry {
	t.Helper()
	reg, err := NewRegistry(Config{Backend: backend, Model: model, SystemPrompt: "test"}, opts...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})
	return reg
}

func TestPromptAppendsWithoutCompaction(t *testing.T) {
	backend := storage.NewMemoryBackend()
	model := testutil.NewFakeModel(
		testutil.Text("one"),
		testutil.Text("two"),
		testutil.Text("three"),
	)
	reg := newTestRegistry(t, backend, model)
	ctx := context.Background()

	r, err := reg.Runner(ctx, "chat")
	if err != nil {
		t.Fatalf("Runner() error = %v", err)
	}

	for i, want := range []string{"one", "two", "three"} {
		before := r.Snapshot().PersistedCursor
		reply, err := reg.Prompt(ctx, "chat", "question")
		if err != nil {
			t.Fatalf("Prompt() error = %v", err)
		}
		if reply != want {
			t.Errorf("Prompt() = %q, want %q", reply, want)
		}
		after := r.Snapshot().PersistedCursor
		if after-before != 2 {
			t.Errorf("turn %d advanced cursor by %d, want 2", i+1, after-before)
		}
	}

	stats := r.Snapshot()
	if stats.Messages != 6 || stats.Compactions != 0 {
		t.Errorf("Snapshot() = %+v, want 6 messages and no compaction", stats)
	}

	stored, _ := backend.Load(ctx, "chat")
	if len(stored) != 6 {
		t.Errorf("stored %d messages, want 6", len(stored))
	}
}

func TestPromptNoTextReturnsPlaceholder(t *testing.T) {
	model := testutil.NewFakeModel(testutil.Response{})
	reg := newTestRegistry(t, storage.NewMemoryBackend(), model)

	reply, err := reg.Prompt(context.Background(), "chat", "hi")
	if err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}
	if reply != NoResponseText {
		t.Errorf("Prompt() = %q, want %q", reply, NoResponseText)
	}
}

func TestPromptOverflowRecovers(t *testing.T) {
	backend := storage.NewMemoryBackend()
	model := testutil.NewFakeModel(
		testutil.Text("first answer"),
		testutil.Fail(errors.New("400 Bad Request: input exceeds the Maximum Context length")),
		testutil.Text("fresh answer"),
	)

	var overflowed bool
	h := hooks.NewRegistry()
	h.OnOverflow(func(ctx context.Context, chatID string, err error) error {
		overflowed = true
		return nil
	})

	reg := newTestRegistry(t, backend, model, WithHooks(h))
	ctx := context.Background()

	if _, err := reg.Prompt(ctx, "chat", "first"); err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}

	reply, err := reg.Prompt(ctx, "chat", "second")
	if err != nil {
		t.Fatalf("Prompt() after overflow error = %v", err)
	}
	if reply != "fresh answer" {
		t.Errorf("Prompt() = %q, want %q", reply, "fresh answer")
	}
	if !overflowed {
		t.Error("overflow hook was not called")
	}

	reqs := model.Requests()
	retry := reqs[len(reqs)-1]
	if len(retry.Messages) != 1 {
		t.Fatalf("retry sent %d messages, want only the new prompt", len(retry.Messages))
	}
	text := retry.Messages[0].Text()
	if !strings.HasPrefix(text, DefaultRecoveryNote) || !strings.HasSuffix(text, "second") {
		t.Errorf("retry prompt = %q", text)
	}

	stored, _ := backend.Load(ctx, "chat")
	if len(stored) != 2 || stored[1].Text() != "fresh answer" {
		t.Errorf("stored = %d messages after reset, want the retried turn only", len(stored))
	}

	r, _ := reg.Runner(ctx, "chat")
	if s := r.Snapshot(); s.Overflows != 1 || s.PersistedCursor != 2 {
		t.Errorf("Snapshot() = %+v", s)
	}
}

func TestPromptOverflowRetryFailsApologizes(t *testing.T) {
	overflow := errors.New("prompt is too long: 250000 tokens > 200000 maximum")
	model := testutil.NewFakeModel(testutil.Fail(overflow), testutil.Fail(overflow))
	reg := newTestRegistry(t, storage.NewMemoryBackend(), model)

	reply, err := reg.Prompt(context.Background(), "chat", "hi")
	if err != nil {
		t.Fatalf("Prompt() error = %v, want nil", err)
	}
	if reply != OverflowApologyText {
		t.Errorf("Prompt() = %q, want apology", reply)
	}
	if model.Calls() != 2 {
		t.Errorf("model called %d times, want 2", model.Calls())
	}
}

func TestPromptCustomOverflowPatterns(t *testing.T) {
	model := testutil.NewFakeModel(
		testutil.Fail(errors.New("upstream: CONTEXT_WINDOW_EXCEEDED")),
		testutil.Text("ok"),
	)
	reg := newTestRegistry(t, storage.NewMemoryBackend(), model,
		WithExtraOverflowPatterns("context_window_exceeded"))

	reply, err := reg.Prompt(context.Background(), "chat", "hi")
	if err != nil || reply != "ok" {
		t.Errorf("Prompt() = %q, %v", reply, err)
	}
}

func TestPromptTimeout(t *testing.T) {
	backend := storage.NewMemoryBackend()
	model := testutil.NewFakeModel(testutil.Response{Block: true})
	reg := newTestRegistry(t, backend, model, WithTurnTimeout(20*time.Millisecond))

	reply, err := reg.Prompt(context.Background(), "chat", "slow question")
	if err != nil {
		t.Fatalf("Prompt() error = %v, want nil", err)
	}
	if reply != TimeoutText {
		t.Errorf("Prompt() = %q, want timeout text", reply)
	}

	stored, _ := backend.Load(context.Background(), "chat")
	if len(stored) != 1 || stored[0].Text() != "slow question" {
		t.Errorf("stored = %+v, want the user message", stored)
	}
}

func TestPromptTimeoutPersistsPartialMessages(t *testing.T) {
	backend := storage.NewMemoryBackend()
	exec := turn.ExecutorFunc(func(ctx context.Context, req *turn.Request) ([]types.Message, error) {
		<-ctx.Done()
		return []types.Message{types.NewAssistantMessage("half an ans")}, ctx.Err()
	})
	reg := newTestRegistry(t, backend, testutil.NewFakeModel(),
		WithExecutor(exec), WithTurnTimeout(10*time.Millisecond))

	reply, err := reg.Prompt(context.Background(), "chat", "q")
	if err != nil || reply != TimeoutText {
		t.Fatalf("Prompt() = %q, %v", reply, err)
	}
	stored, _ := backend.Load(context.Background(), "chat")
	if len(stored) != 2 || stored[1].Text() != "half an ans" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestPromptGenericError(t *testing.T) {
	boom := errors.New("503 service unavailable")
	backend := storage.NewMemoryBackend()
	model := testutil.NewFakeModel(testutil.Fail(boom), testutil.Text("recovered"))
	reg := newTestRegistry(t, backend, model)
	ctx := context.Background()

	_, err := reg.Prompt(ctx, "chat", "hi")
	if !errors.Is(err, boom) {
		t.Fatalf("Prompt() error = %v, want %v", err, boom)
	}
	var runErr *RunnerError
	if !errors.As(err, &runErr) || runErr.ChatID != "chat" {
		t.Errorf("error = %#v, want *RunnerError for chat", err)
	}

	// The queue keeps serving the chat.
	reply, err := reg.Prompt(ctx, "chat", "again")
	if err != nil || reply != "recovered" {
		t.Errorf("Prompt() after error = %q, %v", reply, err)
	}

	stored, _ := backend.Load(ctx, "chat")
	if len(stored) != 3 {
		t.Errorf("stored %d messages, want 3", len(stored))
	}
}

type failingAppendBackend struct {
	*storage.MemoryBackend
	mu   sync.Mutex
	fail bool
}

func (b *failingAppendBackend) setFail(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = v
}

func (b *failingAppendBackend) Append(ctx context.Context, chatID string, msg types.Message) error {
	b.mu.Lock()
	fail := b.fail
	b.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return b.MemoryBackend.Append(ctx, chatID, msg)
}

func TestPersistenceFailureDoesNotFailTurn(t *testing.T) {
	backend := &failingAppendBackend{MemoryBackend: storage.NewMemoryBackend(), fail: true}
	model := testutil.NewFakeModel(testutil.Text("still here"), testutil.Text("caught up"))
	reg := newTestRegistry(t, backend, model)
	ctx := context.Background()

	reply, err := reg.Prompt(ctx, "chat", "hi")
	if err != nil || reply != "still here" {
		t.Fatalf("Prompt() = %q, %v", reply, err)
	}

	r, _ := reg.Runner(ctx, "chat")
	if s := r.Snapshot(); s.Messages != 2 || s.PersistedCursor != 0 {
		t.Errorf("Snapshot() = %+v, want 2 in memory, 0 persisted", s)
	}

	backend.setFail(false)
	if _, err := reg.Prompt(ctx, "chat", "again"); err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}
	stored, _ := backend.Load(ctx, "chat")
	if len(stored) != 4 {
		t.Errorf("stored %d messages after recovery, want 4", len(stored))
	}
}

func TestBackToBackPromptsSerialize(t *testing.T) {
	backend := storage.NewMemoryBackend()

	release := make(chan struct{})
	var mu sync.Mutex
	var storedAtSecondCall int
	calls := 0

	exec := turn.ExecutorFunc(func(ctx context.Context, req *turn.Request) ([]types.Message, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		if n == 1 {
			<-release
			return []types.Message{types.NewAssistantMessage("first")}, nil
		}
		stored, _ := backend.Load(ctx, "chat")
		mu.Lock()
		storedAtSecondCall = len(stored)
		mu.Unlock()
		return []types.Message{types.NewAssistantMessage("second")}, nil
	})

	reg := newTestRegistry(t, backend, testutil.NewFakeModel(), WithExecutor(exec))
	ctx := context.Background()

	results := make(chan string, 2)
	go func() {
		reply, _ := reg.Prompt(ctx, "chat", "a")
		results <- reply
	}()

	deadline := time.Now().Add(2 * time.Second)
	for reg.QueueLength("chat") != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	go func() {
		reply, _ := reg.Prompt(ctx, "chat", "b")
		results <- reply
	}()

	for reg.QueueLength("chat") != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := reg.QueueLength("chat"); got != 2 {
		t.Fatalf("QueueLength() = %d, want 2", got)
	}

	close(release)
	replies := map[string]bool{<-results: true, <-results: true}
	if !replies["first"] || !replies["second"] {
		t.Errorf("replies = %v", replies)
	}

	mu.Lock()
	defer mu.Unlock()
	// The first turn's user message and reply were durable before the
	// second turn reached the model.
	if storedAtSecondCall != 2 {
		t.Errorf("second turn saw %d stored messages, want 2", storedAtSecondCall)
	}
}

func bigConversation(turns, size int) []types.Message {
	filler := strings.Repeat("x", size)
	var msgs []types.Message
	for i := 0; i < turns; i++ {
		msgs = append(msgs,
			types.NewUserMessage("question "+filler),
			types.NewAssistantMessage("answer "+filler),
		)
	}
	return msgs
}

func smallCompaction() compaction.Config {
	return compaction.Config{
		MaxTokens:       1000,
		Trigger:         0.5,
		KeepTurns:       2,
		HeadMessages:    2,
		MinSummaryChars: 10,
	}
}

func TestPromptPreflightCompaction(t *testing.T) {
	backend := storage.NewMemoryBackend()
	ctx := context.Background()
	if err := backend.Rewrite(ctx, "chat", bigConversation(4, 150)); err != nil {
		t.Fatal(err)
	}

	// Loaded under threshold; the next prompt tips it over.
	model := testutil.NewFakeModel(testutil.Text("summary of the middle"), testutil.Text("answer"))
	cfg := smallCompaction()
	cfg.MaxTokens = 1500
	reg := newTestRegistry(t, backend, model, WithCompaction(cfg))

	r, err := reg.Runner(ctx, "chat")
	if err != nil {
		t.Fatal(err)
	}
	if s := r.Snapshot(); !s.Ready || s.Compactions != 0 {
		t.Fatalf("Snapshot() before prompt = %+v", s)
	}

	reply, err := reg.Prompt(ctx, "chat", "question "+strings.Repeat("y", 800))
	if err != nil || reply != "answer" {
		t.Fatalf("Prompt() = %q, %v", reply, err)
	}

	msgs := r.Messages()
	// head 2 + summary + last two turns and the new prompt (5) + reply
	if len(msgs) != 9 {
		t.Fatalf("conversation has %d messages, want 9", len(msgs))
	}
	if !msgs[2].IsSummary || !strings.Contains(msgs[2].Text(), "summary of the middle") {
		t.Errorf("msgs[2] = %+v, want summary", msgs[2])
	}

	stored, _ := backend.Load(ctx, "chat")
	if len(stored) != len(msgs) {
		t.Errorf("stored %d messages, want %d", len(stored), len(msgs))
	}
	if s := r.Snapshot(); s.Compactions != 1 || s.PersistedCursor != len(msgs) {
		t.Errorf("Snapshot() = %+v", s)
	}

	turnReq := model.Requests()[1]
	if len(turnReq.Messages) != 8 {
		t.Errorf("turn sent %d messages, want the compacted 8", len(turnReq.Messages))
	}
}

func TestStaleSessionCompactsInBackground(t *testing.T) {
	backend := storage.NewMemoryBackend()
	ctx := context.Background()
	if err := backend.Rewrite(ctx, "chat", bigConversation(20, 60)); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	summarizer := testutil.NewFakeModel(testutil.Text("old stuff happened"), testutil.Text("hi again"))
	gated := &gatedModel{FakeModel: summarizer, gate: release}

	reg, err := NewRegistry(Config{Backend: backend, Model: gated}, WithCompaction(smallCompaction()))
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close(ctx)

	r, err := reg.Runner(ctx, "chat")
	if err != nil {
		t.Fatalf("Runner() error = %v", err)
	}
	if r.Snapshot().Ready {
		t.Fatal("runner ready before startup compaction finished")
	}

	close(release)
	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("startup compaction did not finish")
	}

	stored, _ := backend.Load(ctx, "chat")
	// head 2 + summary + last 2 turns
	if len(stored) != 7 || !stored[2].IsSummary {
		t.Fatalf("stored %d messages after startup compaction, want 7 with summary at 2", len(stored))
	}

	reply, err := reg.Prompt(ctx, "chat", "hello")
	if err != nil || reply != "hi again" {
		t.Errorf("Prompt() = %q, %v", reply, err)
	}
}

// gatedModel blocks every Stream call until gate is closed.
type gatedModel struct {
	*testutil.FakeModel
	gate chan struct{}
}

func (m *gatedModel) Stream(ctx context.Context, req *streaming.Request) (streaming.Stream, error) {
	select {
	case <-m.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.FakeModel.Stream(ctx, req)
}

func waitQueueEmpty(t *testing.T, reg *Registry, chatID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for reg.QueueLength(chatID) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("QueueLength(%q) = %d, want 0", chatID, reg.QueueLength(chatID))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPromptCallerCancelsMidTurn(t *testing.T) {
	backend := storage.NewMemoryBackend()
	started := make(chan struct{})
	release := make(chan struct{})
	exec := turn.ExecutorFunc(func(ctx context.Context, req *turn.Request) ([]types.Message, error) {
		close(started)
		<-release
		return []types.Message{types.NewAssistantMessage("late")}, nil
	})
	reg := newTestRegistry(t, backend, testutil.NewFakeModel(), WithExecutor(exec))

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		reply string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := reg.Prompt(ctx, "chat", "hi")
		done <- result{reply, err}
	}()

	<-started
	cancel()
	res := <-done
	if !errors.Is(res.err, context.Canceled) || res.reply != "" {
		t.Fatalf("Prompt() = %q, %v; want empty reply and context.Canceled", res.reply, res.err)
	}

	// The running turn still finishes and is persisted.
	close(release)
	waitQueueEmpty(t, reg, "chat")
	stored, _ := backend.Load(context.Background(), "chat")
	if len(stored) != 2 || stored[1].Text() != "late" {
		t.Errorf("stored = %d messages, want the finished turn", len(stored))
	}
}

func TestAbandonedQueuedPromptLeavesHistory(t *testing.T) {
	backend := storage.NewMemoryBackend()
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	exec := turn.ExecutorFunc(func(ctx context.Context, req *turn.Request) ([]types.Message, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return []types.Message{types.NewAssistantMessage("ok")}, nil
	})
	reg := newTestRegistry(t, backend, testutil.NewFakeModel(), WithExecutor(exec))
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := reg.Prompt(ctx, "chat", "first")
		first <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for reg.QueueLength("chat") != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	abandonCtx, abandon := context.WithCancel(ctx)
	second := make(chan error, 1)
	go func() {
		_, err := reg.Prompt(abandonCtx, "chat", "abandoned")
		second <- err
	}()
	for reg.QueueLength("chat") != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := reg.QueueLength("chat"); got != 2 {
		t.Fatalf("QueueLength() = %d, want 2", got)
	}

	abandon()
	if err := <-second; !errors.Is(err, context.Canceled) {
		t.Fatalf("abandoned Prompt() error = %v, want context.Canceled", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first Prompt() error = %v", err)
	}
	waitQueueEmpty(t, reg, "chat")

	stored, _ := backend.Load(ctx, "chat")
	if len(stored) != 2 || stored[0].Text() != "first" || stored[1].Text() != "ok" {
		t.Errorf("stored = %d messages, want only the first turn", len(stored))
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("executor ran %d times, want 1", calls)
	}
}

// stuckBackend fails resets and rewrites while stuck is set.
type stuckBackend struct {
	*storage.MemoryBackend
	mu    sync.Mutex
	stuck bool
}

func (b *stuckBackend) setStuck(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stuck = v
}

func (b *stuckBackend) isStuck() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stuck
}

func (b *stuckBackend) Reset(ctx context.Context, chatID string) error {
	if b.isStuck() {
		return errors.New("read-only file system")
	}
	return b.MemoryBackend.Reset(ctx, chatID)
}

func (b *stuckBackend) Rewrite(ctx context.Context, chatID string, messages []types.Message) error {
	if b.isStuck() {
		return errors.New("read-only file system")
	}
	return b.MemoryBackend.Rewrite(ctx, chatID, messages)
}

func TestOverflowResetFailureKeepsCursorInRange(t *testing.T) {
	backend := &stuckBackend{MemoryBackend: storage.NewMemoryBackend()}
	model := testutil.NewFakeModel(
		testutil.Text("one"),
		testutil.Text("two"),
		testutil.Fail(errors.New("request too large")),
		testutil.Text("fresh"),
		testutil.Text("three"),
	)
	reg := newTestRegistry(t, backend, model)
	ctx := context.Background()

	for _, q := range []string{"q1", "q2"} {
		if _, err := reg.Prompt(ctx, "chat", q); err != nil {
			t.Fatalf("Prompt() error = %v", err)
		}
	}

	backend.setStuck(true)
	reply, err := reg.Prompt(ctx, "chat", "q3")
	if err != nil || reply != "fresh" {
		t.Fatalf("Prompt() = %q, %v", reply, err)
	}

	r, _ := reg.Runner(ctx, "chat")
	s := r.Snapshot()
	if s.Messages != 2 || s.PersistedCursor > s.Messages {
		t.Errorf("Snapshot() = %+v, want 2 messages and cursor within them", s)
	}

	// Once the backend recovers the record is rewritten to match memory.
	backend.setStuck(false)
	if _, err := reg.Prompt(ctx, "chat", "q4"); err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}
	stored, _ := backend.Load(ctx, "chat")
	if len(stored) != 4 || !strings.HasPrefix(stored[0].Text(), DefaultRecoveryNote) {
		t.Errorf("stored = %d messages, want the 4 messages since the reset", len(stored))
	}
	if s := r.Snapshot(); s.PersistedCursor != 4 {
		t.Errorf("PersistedCursor = %d, want 4", s.PersistedCursor)
	}
}
