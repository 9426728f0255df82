package chatkeeper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/youssefsiam38/chatkeeper/compaction"
	"github.com/youssefsiam38/chatkeeper/queue"
	"github.com/youssefsiam38/chatkeeper/storage"
	"github.com/youssefsiam38/chatkeeper/turn"
	"github.com/youssefsiam38/chatkeeper/types"
)

// ChatStats describes one chat's in-memory and persisted state.
type ChatStats struct {
	ChatID          string  `json:"chat_id"`
	Messages        int     `json:"messages"`
	PersistedCursor int     `json:"persisted_cursor"`
	EstimatedTokens int     `json:"estimated_tokens"`
	Threshold       int     `json:"threshold"`
	Utilization     float64 `json:"utilization"`
	Compactions     int     `json:"compactions"`
	Overflows       int     `json:"overflows"`
	QueueLength     int     `json:"queue_length"`
	Ready           bool    `json:"ready"`
}

// Runner owns one chat's conversation and session. Turns reach it through
// the registry's queue, so at most one runs at a time; mu only guards reads
// from diagnostics.
type Runner struct {
	chatID    string
	config    *internalConfig
	compactor *compaction.Compactor
	executor  turn.Executor
	queue     *queue.Queue

	ready chan struct{}

	mu           sync.Mutex
	conversation []types.Message
	session      *storage.Session
	// dirty means the record no longer matches a prefix of the conversation
	// and must be rewritten instead of appended to.
	dirty       bool
	compactions int
	overflows   int

	// busy is set while a turn runs; evicted once the registry has dropped
	// the runner, after which it refuses turns.
	busy       bool
	evicted    bool
	lastActive time.Time
}

// ChatID returns the chat the runner serves.
func (r *Runner) ChatID() string {
	return r.chatID
}

// Ready is closed once startup compaction, if any, has finished.
func (r *Runner) Ready() <-chan struct{} {
	return r.ready
}

// Messages returns a copy of the in-memory conversation.
func (r *Runner) Messages() []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return types.Clone(r.conversation)
}

// Snapshot returns the chat's current statistics.
func (r *Runner) Snapshot() ChatStats {
	r.mu.Lock()
	conversation := r.conversation
	stats := ChatStats{
		ChatID:          r.chatID,
		Messages:        len(conversation),
		PersistedCursor: r.session.Cursor(),
		Compactions:     r.compactions,
		Overflows:       r.overflows,
	}
	r.mu.Unlock()

	cs := r.compactor.Stats(conversation)
	stats.EstimatedTokens = cs.EstimatedTokens
	stats.Threshold = cs.Threshold
	stats.Utilization = cs.Utilization
	stats.QueueLength = r.queue.Len(r.chatID)

	select {
	case <-r.ready:
		stats.Ready = true
	default:
	}
	return stats
}

// Prompt queues text as the chat's next turn, waits for it and returns the
// assistant's reply. Only provider and tool errors are returned; overflow
// and timeout end in a fixed reply instead.
//
// If ctx ends while the turn is queued or running, Prompt returns ctx.Err()
// at once. A turn that had not started by then leaves the history as is.
func (r *Runner) Prompt(ctx context.Context, text string) (string, error) {
	replies := make(chan string, 1)
	ticket, err := r.queue.Submit(ctx, r.chatID, func(ctx context.Context) error {
		if !r.begin() {
			return ErrRunnerEvicted
		}
		defer r.end()

		reply, err := r.prompt(ctx, text)
		replies <- reply
		return err
	})
	if err != nil {
		return "", err
	}

	select {
	case <-ticket.Done():
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if err := ticket.Err(); err != nil {
		return "", err
	}
	return <-replies, nil
}

func (r *Runner) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return false
	}
	r.busy = true
	return true
}

func (r *Runner) end() {
	r.mu.Lock()
	r.busy = false
	r.lastActive = time.Now()
	r.mu.Unlock()
}

// tryEvict marks the runner evicted if it is ready, has no queued turns and
// has been idle for at least idle.
func (r *Runner) tryEvict(now time.Time, idle time.Duration) bool {
	select {
	case <-r.ready:
	default:
		return false
	}
	if r.queue.Len(r.chatID) > 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy || r.evicted || now.Sub(r.lastActive) < idle {
		return false
	}
	r.evicted = true
	return true
}

func (r *Runner) prompt(ctx context.Context, text string) (string, error) {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	// Both may be ready at once; a caller that already gave up must not
	// get a user message into the history.
	if err := ctx.Err(); err != nil {
		return "", err
	}

	reply, err := r.attempt(ctx, text)
	if err == nil {
		return reply, nil
	}

	if !r.isOverflow(err) {
		r.config.logger.Error("turn failed", "chat_id", r.chatID, "error", err)
		return "", NewRunnerErrorWithChat("Prompt", r.chatID, err)
	}

	r.config.logger.Warn("context overflow, resetting chat and retrying",
		"chat_id", r.chatID,
		"error", err,
	)
	if hookErr := r.config.hooks.TriggerOverflow(ctx, r.chatID, err); hookErr != nil {
		r.config.logger.Warn("overflow hook failed", "chat_id", r.chatID, "error", hookErr)
	}
	r.resetHistory(ctx)

	reply, err = r.attempt(ctx, r.config.recoveryNote+text)
	if err != nil {
		r.config.logger.Error("retry after overflow reset failed",
			"chat_id", r.chatID,
			"error", err,
		)
		return OverflowApologyText, nil
	}
	return reply, nil
}

// attempt runs one turn for text and persists whatever it produced. A turn
// timeout yields TimeoutText; other errors are returned unwrapped.
func (r *Runner) attempt(ctx context.Context, text string) (string, error) {
	r.mu.Lock()
	r.conversation = append(r.conversation, types.NewUserMessage(text))
	r.mu.Unlock()

	// The timeout covers the summarizer call of pre-flight compaction too.
	turnCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.config.turnTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, r.config.turnTimeout)
	}
	defer cancel()

	outbound := r.preflight(turnCtx)

	if err := r.config.hooks.TriggerBeforeTurn(ctx, r.chatID, outbound); err != nil {
		r.persist(ctx)
		return "", err
	}

	produced, err := r.executor.Run(turnCtx, &turn.Request{
		ChatID:   r.chatID,
		System:   r.config.systemPrompt,
		Messages: outbound,
	})
	timedOut := errors.Is(turnCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	r.mu.Lock()
	r.conversation = append(r.conversation, produced...)
	r.mu.Unlock()
	r.persist(ctx)

	if err != nil {
		if timedOut {
			r.config.logger.Warn("turn timed out",
				"chat_id", r.chatID,
				"timeout", r.config.turnTimeout,
				"partial_messages", len(produced),
			)
			return TimeoutText, nil
		}
		return "", err
	}

	if hookErr := r.config.hooks.TriggerAfterTurn(ctx, r.chatID, produced); hookErr != nil {
		r.config.logger.Warn("after turn hook failed", "chat_id", r.chatID, "error", hookErr)
	}
	return finalText(produced), nil
}

// preflight compacts the conversation if it is over threshold and returns
// the outbound context. Compaction problems are logged and the conversation
// is sent as is.
func (r *Runner) preflight(ctx context.Context) []types.Message {
	r.mu.Lock()
	conversation := types.Clone(r.conversation)
	r.mu.Unlock()

	if !r.compactor.NeedsCompaction(conversation) {
		return conversation
	}

	compacted, ok := r.compact(ctx, conversation)
	if !ok {
		return conversation
	}
	return compacted
}

// compact runs the compactor over conversation and, when it changed,
// replaces the in-memory conversation and rewrites the record.
func (r *Runner) compact(ctx context.Context, conversation []types.Message) ([]types.Message, bool) {
	if err := r.config.hooks.TriggerBeforeCompaction(ctx, r.chatID, r.compactor.Stats(conversation)); err != nil {
		r.config.logger.Warn("compaction vetoed by hook", "chat_id", r.chatID, "error", err)
		return nil, false
	}

	result, err := r.compactor.Compact(ctx, conversation)
	if err != nil {
		r.config.logger.Error("compaction failed", "chat_id", r.chatID, "error", err)
		return nil, false
	}
	if !result.Changed() {
		return nil, false
	}

	r.mu.Lock()
	r.conversation = result.Messages
	r.compactions++
	r.dirty = true
	r.mu.Unlock()
	r.persist(ctx)

	if err := r.config.hooks.TriggerAfterCompaction(ctx, r.chatID, result); err != nil {
		r.config.logger.Warn("after compaction hook failed", "chat_id", r.chatID, "error", err)
	}
	return types.Clone(result.Messages), true
}

// persist writes the unpersisted tail of the conversation, or the whole
// conversation when the record is dirty. Failures are logged; the
// in-memory conversation stays authoritative.
func (r *Runner) persist(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dirty {
		if err := r.session.RewriteAll(ctx, r.conversation); err != nil {
			r.config.logger.Error("failed to rewrite session",
				"chat_id", r.chatID,
				"messages", len(r.conversation),
				"error", err,
			)
			return
		}
		r.dirty = false
		return
	}

	if _, err := r.session.Sync(ctx, r.conversation); err != nil {
		r.config.logger.Error("failed to persist messages",
			"chat_id", r.chatID,
			"cursor", r.session.Cursor(),
			"messages", len(r.conversation),
			"error", err,
		)
	}
}

// resetHistory clears the conversation and its record and opens a fresh
// session.
func (r *Runner) resetHistory(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.conversation = []types.Message{}
	r.overflows++

	if err := r.session.Reset(ctx); err != nil {
		r.config.logger.Error("failed to reset session", "chat_id", r.chatID, "error", err)
		r.dirty = true
		return
	}

	session, loaded, err := storage.Open(ctx, r.config.backend, r.chatID)
	if err != nil || len(loaded) > 0 {
		r.config.logger.Error("failed to reopen session after reset",
			"chat_id", r.chatID,
			"loaded", len(loaded),
			"error", err,
		)
		r.dirty = true
		return
	}
	r.session = session
	r.dirty = false
}

// initialize compacts a conversation loaded over threshold and rewrites
// its record. It runs in the background and closes ready when done.
func (r *Runner) initialize(ctx context.Context) {
	defer close(r.ready)

	r.mu.Lock()
	conversation := types.Clone(r.conversation)
	r.mu.Unlock()

	r.config.logger.Info("loaded session over threshold, compacting before first use",
		"chat_id", r.chatID,
		"messages", len(conversation),
	)
	r.compact(ctx, conversation)
}

// isOverflow reports whether err matches a configured overflow pattern.
func (r *Runner) isOverflow(err error) bool {
	return matchesAny(err, r.config.overflowPatterns)
}

func matchesAny(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// finalText returns the text of the last assistant message, or
// NoResponseText when that message has none.
func finalText(produced []types.Message) string {
	for i := len(produced) - 1; i >= 0; i-- {
		m := produced[i]
		if m.Role != types.RoleAssistant {
			continue
		}
		if text := strings.TrimSpace(m.Text()); text != "" {
			return text
		}
		return NoResponseText
	}
	return NoResponseText
}
