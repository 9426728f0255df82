// Package chatkeeper manages the conversational context of an AI assistant's
// chats: it keeps each conversation inside the model's context budget,
// persists it across restarts, recovers from context-overflow errors, and
// runs at most one turn per chat at a time.
//
// # Key Features
//
//   - Compaction that keeps the opening exchange and the most recent turns and
//     summarizes everything in between
//   - Durable sessions on JSONL files, PostgreSQL (pgx or lib/pq) or SQLite
//   - Per-chat FIFO queue: turns for one chat never overlap
//   - Overflow recovery: reset the chat and retry once with a recovery note
//   - Tool calls inside a turn, with validation and timeouts
//   - Hooks for observability
//
// # Quick Start
//
//	backend, _ := storage.NewFileBackend("sessions", logger)
//	reg, err := chatkeeper.NewRegistry(
//	    chatkeeper.Config{
//	        Backend:      backend,
//	        Model:        anthropic.New(anthropic.Config{APIKey: key}),
//	        SystemPrompt: "You are a helpful assistant",
//	    },
//	    chatkeeper.WithLogger(slog.Default()),
//	    chatkeeper.WithTurnTimeout(2*time.Minute),
//	)
//	if err != nil {
//	    return err
//	}
//	defer reg.Close(context.Background())
//
//	reply, err := reg.Prompt(ctx, "chat-42", "What did we decide yesterday?")
//
// # Turn Lifecycle
//
// Each Prompt appends the user message, compacts the conversation if it is
// over threshold, runs the turn, appends and persists every produced message,
// and returns the last assistant text. Persistence failures are logged and
// do not fail the turn. A turn that exceeds the turn timeout returns
// TimeoutText; an overflow whose retry also fails returns
// OverflowApologyText. Any other provider or tool error is returned as a
// *RunnerError.
package chatkeeper
