package compaction

// SummarizationSystemPrompt instructs the model how to condense a span of
// conversation that is about to be dropped from the context.
const SummarizationSystemPrompt = `You summarize chat history for an AI assistant whose context window is full.

Summarize the conversation concisely. Preserve:
- facts the user shared about themselves, their work and the people they mention
- decisions that were made and commitments either side agreed to
- stated preferences, constraints and recurring requests
- open questions and tasks still pending

Drop greetings, filler and anything already resolved unless it matters later.
Aim for roughly 10-20% of the original length. Write plain prose or short bullet
points, in the same language the conversation uses. Do not add commentary.`

// BuildSummarizationPrompt wraps the flattened transcript in the user turn of
// the summarization request.
func BuildSummarizationPrompt(transcript string) string {
	return `Summarize the following conversation.

<conversation>
` + transcript + `
</conversation>`
}

// TruncationMarker is appended to the fallback summary.
const TruncationMarker = "\n\n[... earlier conversation truncated]"

// roleLabel returns the transcript label for a role.
func roleLabel(role string) string {
	switch role {
	case "assistant":
		return "Assistant"
	case "toolResult":
		return "Tool result"
	case "system":
		return "System"
	default:
		return "User"
	}
}
