package chatkeeper

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/youssefsiam38/chatkeeper/compaction"
	"github.com/youssefsiam38/chatkeeper/queue"
	"github.com/youssefsiam38/chatkeeper/storage"
	"github.com/youssefsiam38/chatkeeper/tool"
	"github.com/youssefsiam38/chatkeeper/turn"
)

// runnerEntry builds a chat's runner exactly once.
type runnerEntry struct {
	once   sync.Once
	runner *Runner
	err    error

	// published is set under Registry.mu once runner is usable.
	published bool
}

// Registry owns every chat's Runner for the lifetime of the application.
// It is constructed at startup, shared by request handlers and closed at
// shutdown.
type Registry struct {
	config    *internalConfig
	compactor *compaction.Compactor
	executor  turn.Executor
	queue     *queue.Queue

	background *errgroup.Group
	bgCtx      context.Context
	bgCancel   context.CancelFunc

	mu      sync.Mutex
	runners map[string]*runnerEntry
	closed  bool
}

// NewRegistry creates a registry.
//
// Example:
//
//	reg, err := chatkeeper.NewRegistry(chatkeeper.Config{
//	    Backend: backend,
//	    Model:   model,
//	},
//	    chatkeeper.WithLogger(slog.Default()),
//	    chatkeeper.WithTurnTimeout(2*time.Minute),
//	)
//	defer reg.Close(context.Background())
//
//	reply, err := reg.Prompt(ctx, "chat-42", "hello")
func NewRegistry(cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ic := newInternalConfig(cfg)
	for _, opt := range opts {
		if err := opt(ic); err != nil {
			return nil, err
		}
	}

	compactor, err := compaction.New(ic.model, &ic.compaction, ic.logger)
	if err != nil {
		return nil, NewRunnerError("NewRegistry", err)
	}

	executor := ic.executor
	if executor == nil {
		tools := tool.NewRegistry()
		if err := tools.RegisterAll(ic.tools); err != nil {
			return nil, NewRunnerError("NewRegistry", err)
		}
		toolExec := tool.NewExecutor(tools)
		toolExec.SetTimeout(ic.toolTimeout)

		loop := turn.NewLoop(ic.model, toolExec, turn.Config{
			Model:         ic.modelName,
			MaxTokens:     ic.maxTokens,
			MaxIterations: ic.maxToolIterations,
		}, ic.logger)
		loop.SetHooks(ic.hooks)
		executor = loop
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	background, bgCtx := errgroup.WithContext(bgCtx)

	return &Registry{
		config:     ic,
		compactor:  compactor,
		executor:   executor,
		queue:      queue.New(ic.logger),
		background: background,
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
		runners:    make(map[string]*runnerEntry),
	}, nil
}

// Runner returns the chat's runner, creating it on first use. Creation loads
// the session; a session loaded over the compaction threshold is compacted
// in the background, and the runner's first turn waits for that.
func (reg *Registry) Runner(ctx context.Context, chatID string) (*Runner, error) {
	if chatID == "" {
		return nil, ErrInvalidChatID
	}

	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	entry, ok := reg.runners[chatID]
	if !ok {
		entry = &runnerEntry{}
		reg.runners[chatID] = entry
	}
	reg.mu.Unlock()

	entry.once.Do(func() {
		entry.runner, entry.err = reg.newRunner(ctx, chatID)
	})

	if entry.err != nil {
		// Let a later call try again.
		reg.mu.Lock()
		if reg.runners[chatID] == entry {
			delete(reg.runners, chatID)
		}
		reg.mu.Unlock()
		return nil, entry.err
	}

	reg.mu.Lock()
	entry.published = true
	reg.mu.Unlock()
	return entry.runner, nil
}

func (reg *Registry) newRunner(ctx context.Context, chatID string) (*Runner, error) {
	session, conversation, err := storage.Open(ctx, reg.config.backend, chatID)
	if err != nil {
		return nil, NewRunnerErrorWithChat("OpenSession", chatID, err)
	}

	r := &Runner{
		chatID:       chatID,
		config:       reg.config,
		compactor:    reg.compactor,
		executor:     reg.executor,
		queue:        reg.queue,
		ready:        make(chan struct{}),
		conversation: conversation,
		session:      session,
		lastActive:   time.Now(),
	}

	reg.config.logger.Debug("runner created",
		"chat_id", chatID,
		"messages", len(conversation),
	)

	if !reg.compactor.NeedsCompaction(conversation) {
		close(r.ready)
		return r, nil
	}

	reg.background.Go(func() error {
		defer func() {
			if p := recover(); p != nil {
				reg.config.logger.Error("startup compaction panicked", "chat_id", chatID, "panic", p)
			}
		}()
		r.initialize(reg.bgCtx)
		return nil
	})
	return r, nil
}

// Prompt sends text as the next turn of chatID and returns the reply.
func (reg *Registry) Prompt(ctx context.Context, chatID, text string) (string, error) {
	for {
		r, err := reg.Runner(ctx, chatID)
		if err != nil {
			return "", err
		}
		reply, err := r.Prompt(ctx, text)
		switch {
		case errors.Is(err, ErrRunnerEvicted):
			continue
		case errors.Is(err, queue.ErrClosed):
			return "", ErrRegistryClosed
		}
		return reply, err
	}
}

// EvictIdle unloads runners that have had no turn for at least idle and
// returns how many were dropped. Their state is already persisted; the next
// turn for such a chat reloads it from the backend.
func (reg *Registry) EvictIdle(idle time.Duration) int {
	now := time.Now()

	reg.mu.Lock()
	defer reg.mu.Unlock()

	evicted := 0
	for chatID, e := range reg.runners {
		if !e.published || !e.runner.tryEvict(now, idle) {
			continue
		}
		delete(reg.runners, chatID)
		evicted++
		reg.config.logger.Debug("runner evicted", "chat_id", chatID)
	}
	return evicted
}

// QueueLength returns the number of queued or running turns for chatID.
func (reg *Registry) QueueLength(chatID string) int {
	return reg.queue.Len(chatID)
}

// Stats returns statistics for every loaded chat, ordered by chat id.
func (reg *Registry) Stats() []ChatStats {
	runners := reg.loaded()
	stats := make([]ChatStats, 0, len(runners))
	for _, r := range runners {
		stats = append(stats, r.Snapshot())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ChatID < stats[j].ChatID })
	return stats
}

// Chats returns the ids of loaded chats and, when the backend can list
// them, of persisted chats, sorted and deduplicated.
func (reg *Registry) Chats(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, r := range reg.loaded() {
		seen[r.ChatID()] = struct{}{}
	}

	if lister, ok := reg.config.backend.(storage.Lister); ok {
		ids, err := lister.ListChats(ctx)
		if err != nil {
			return nil, NewRunnerError("ListChats", err)
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}

	chats := make([]string, 0, len(seen))
	for id := range seen {
		chats = append(chats, id)
	}
	sort.Strings(chats)
	return chats, nil
}

// Compactor returns the compactor shared by all runners.
func (reg *Registry) Compactor() *compaction.Compactor {
	return reg.compactor
}

func (reg *Registry) loaded() []*Runner {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	runners := make([]*Runner, 0, len(reg.runners))
	for _, e := range reg.runners {
		if e.published {
			runners = append(runners, e.runner)
		}
	}
	return runners
}

// Close stops accepting turns, waits for queued turns to finish, then
// cancels and waits for background compactions. It does not close the
// backend.
func (reg *Registry) Close(ctx context.Context) error {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return nil
	}
	reg.closed = true
	reg.mu.Unlock()

	queueErr := reg.queue.Close(ctx)

	reg.bgCancel()
	done := make(chan struct{})
	go func() {
		_ = reg.background.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	reg.config.logger.Info("registry closed")
	return queueErr
}
