package compaction

import (
	"fmt"

	"github.com/youssefsiam38/chatkeeper/types"
)

// Boundary is the result of a turn boundary walk.
type Boundary struct {
	// Tail is the number of trailing messages covering the counted turns.
	// When Tail < len(messages), messages[len-Tail] is a user message.
	Tail int

	// Turns is the number of complete turns found, at most the number asked for.
	Turns int

	// Anomalies counts messages skipped under AnomalySkip.
	Anomalies int
}

// walkState is the state of the backward walk.
type walkState int

const (
	// expectAssistant: between turns, looking for the reply that ends one.
	expectAssistant walkState = iota

	// expectUser: inside a turn, looking for the prompt that opened it.
	expectUser
)

// Locator finds a split point that never falls inside a turn.
type Locator struct {
	policy AnomalyPolicy
}

// NewLocator creates a locator with the given anomaly policy.
func NewLocator(policy AnomalyPolicy) *Locator {
	if policy == "" {
		policy = DefaultAnomalyPolicy
	}
	return &Locator{policy: policy}
}

// Locate walks messages backward and returns the trailing span covering the
// last n turns. Transitions:
//
//	expectAssistant + toolResult               skip
//	expectAssistant + assistant                consume, expectUser
//	expectAssistant + user                     unanswered prompt, consume
//	expectUser      + toolResult               skip
//	expectUser      + assistant with tool use  same turn, consume
//	expectUser      + user                     consume, count turn, expectAssistant
//	anything else                              anomaly
func (l *Locator) Locate(messages []types.Message, n int) (Boundary, error) {
	var b Boundary
	if n <= 0 {
		return b, nil
	}

	state := expectAssistant
	i := len(messages) - 1

	for i >= 0 && b.Turns < n {
		m := messages[i]

		switch {
		case m.Role == types.RoleToolResult:
			i--

		case state == expectAssistant && m.Role == types.RoleAssistant:
			state = expectUser
			i--

		case state == expectAssistant && m.Role == types.RoleUser:
			i--

		case state == expectUser && m.Role == types.RoleAssistant && m.HasToolUse():
			i--

		case state == expectUser && m.Role == types.RoleUser:
			b.Turns++
			state = expectAssistant
			i--

		default:
			if l.policy == AnomalyStrict {
				return b, fmt.Errorf("%w: unexpected %s message at index %d", ErrStructuralAnomaly, m.Role, i)
			}
			b.Anomalies++
			i--
		}
	}

	// i stops just before the last consumed user message, or at -1 when
	// history ran out and everything belongs to the tail.
	b.Tail = len(messages) - (i + 1)
	return b, nil
}
