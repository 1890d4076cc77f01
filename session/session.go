// Package session holds the per-utterance mutable conversation state: the
// role-tagged turn history, the active delegation stack, and the remaining
// turn budget. A Session is created when an utterance arrives and discarded
// when the top-level response is returned; it is never persisted across
// utterances and never shared between sessions.
package session

import (
	"encoding/json"
	"errors"
)

// Conversation roles used in turn history entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one invocation requested by the model: a tool by name or a
// delegation to a subagent (the orchestrator decides which, by target name).
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one role-tagged turn history entry. Agent names the agent that
// owned the conversation when the entry was appended, so delegated sub-turns
// remain attributable after they are folded back.
type Message struct {
	Role      string     `json:"role"`
	Agent     string     `json:"agent,omitempty"`
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"` // assistant entries: requested invocations, in order
	CallID    string     `json:"call_id,omitempty"`    // tool entries: id of the call this responds to
	ToolName  string     `json:"tool_name,omitempty"`  // tool entries: invoked tool or subagent name
	Error     string     `json:"error,omitempty"`      // tool entries: failure description when the call failed
}

// ErrDelegationActive is returned by PushDelegation when the target agent is
// already executing somewhere on the delegation stack.
var ErrDelegationActive = errors.New("agent already active on delegation stack")

// ErrBudgetExhausted is returned by ConsumeBudget when the turn budget runs out.
var ErrBudgetExhausted = errors.New("turn budget exhausted")

// frame is one isolated message history: the top-level turn, or a delegated
// sub-turn that must not see its parent's conversation.
type frame struct {
	agent string
	msgs  []Message
}

// Session is the per-utterance conversation state. It is owned exclusively
// by the orchestrator for the duration of one utterance; delegation is
// synchronous call/return, so no locking is needed within a session.
// Concurrent utterances each get their own Session.
type Session struct {
	id       string
	frames   []*frame // frames[len-1] is the active (innermost) turn
	budget   int
	consumed int
}

// New creates a session for one utterance with the given turn budget.
// The root agent's frame is established by the orchestrator's initial
// PushDelegation.
func New(id string, budget int) *Session {
	return &Session{id: id, budget: budget}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Append adds an entry to the active turn history. Entries are append-only;
// the Agent field is stamped with the active agent when unset.
func (s *Session) Append(m Message) {
	f := s.active()
	if m.Agent == "" {
		m.Agent = f.agent
	}
	f.msgs = append(f.msgs, m)
}

// History returns a copy of the active turn history. A delegated sub-turn
// sees only its own frame, never the parent conversation.
func (s *Session) History() []Message {
	f := s.active()
	out := make([]Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

// PushDelegation marks agent as executing and opens an isolated sub-turn
// frame for it. Fails with ErrDelegationActive if the agent is already on
// the stack; an agent may appear more than once per utterance only
// sequentially, never nested inside its own active run.
func (s *Session) PushDelegation(agent string) error {
	for _, f := range s.frames {
		if f.agent == agent {
			return ErrDelegationActive
		}
	}
	s.frames = append(s.frames, &frame{agent: agent})
	return nil
}

// PopDelegation closes the innermost sub-turn, discarding its isolated
// history. The fold-back entry into the parent history is the caller's
// responsibility.
func (s *Session) PopDelegation() {
	if len(s.frames) == 0 {
		return
	}
	s.frames = s.frames[:len(s.frames)-1]
}

// DelegationStack returns a copy of the agent names currently executing,
// outermost first.
func (s *Session) DelegationStack() []string {
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.agent
	}
	return out
}

// Depth returns the current delegation depth (1 = top-level turn only).
func (s *Session) Depth() int { return len(s.frames) }

// ActiveAgent returns the agent owning the innermost turn.
func (s *Session) ActiveAgent() string { return s.active().agent }

// ConsumeBudget debits n units from the turn budget. The budget is a single
// session-wide counter, so consumption inside a delegated sub-turn debits
// the parent automatically. Returns ErrBudgetExhausted when the budget
// reaches zero.
func (s *Session) ConsumeBudget(n int) error {
	s.budget -= n
	s.consumed += n
	if s.budget <= 0 {
		return ErrBudgetExhausted
	}
	return nil
}

// Remaining returns the unconsumed budget.
func (s *Session) Remaining() int { return s.budget }

// Consumed returns the total budget consumed so far.
func (s *Session) Consumed() int { return s.consumed }

func (s *Session) active() *frame {
	if len(s.frames) == 0 {
		// Sessions are always driven through PushDelegation first; an empty
		// stack here is a programming error, but keep Append/History total.
		s.frames = append(s.frames, &frame{})
	}
	return s.frames[len(s.frames)-1]
}
