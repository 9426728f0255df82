// Package compaction keeps a chat conversation inside the model's context
// budget.
//
// When the estimated size of a conversation exceeds MaxTokens × Trigger, the
// Compactor keeps a small head of the conversation and its most recent turns
// verbatim, and replaces everything in between with a single summary message.
// The summary is produced by one streaming model call; if that call fails the
// first FallbackChars characters of the flattened transcript are used instead,
// so compaction itself never fails on a model error.
//
// # Usage
//
//	cfg := compaction.DefaultConfig()
//	cfg.MaxTokens = 180000
//	cfg.KeepTurns = 6
//
//	compactor, err := compaction.New(model, cfg, logger)
//	if err != nil {
//	    return err
//	}
//
//	result, err := compactor.Compact(ctx, conversation)
//	if err != nil {
//	    return err
//	}
//	if result.Changed() {
//	    conversation = result.Messages
//	}
//
// # Token Estimation
//
// Estimator divides the length of each message's JSON encoding by a fixed
// characters-per-token ratio and rounds up. It is approximate and
// counts tool payloads and image data in full.
//
// # Turn Boundaries
//
// Locator walks the history backward as a small state machine over message
// roles and reports how many trailing messages cover the last N turns. The
// split point always lands on a user message, so a tool result is never
// separated from the assistant message that requested it. Messages that fit
// no turn (a system message mid-history, two assistant replies in a row) are
// skipped and counted under AnomalySkip, or abort the walk under AnomalyStrict.
package compaction
