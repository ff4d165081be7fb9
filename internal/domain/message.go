package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ActionStatus tracks the lifecycle of a proposed mutating tool call.
// The empty string means the message carries no pending action.
type ActionStatus string

const (
	ActionNone     ActionStatus = ""
	ActionPending  ActionStatus = "pending"
	ActionExecuted ActionStatus = "executed"
	ActionRejected ActionStatus = "rejected"
)

// CanTransitionTo reports whether the status may legally move to next.
// The only allowed moves are pending -> executed and pending -> rejected.
func (s ActionStatus) CanTransitionTo(next ActionStatus) bool {
	if s != ActionPending {
		return false
	}
	return next == ActionExecuted || next == ActionRejected
}

// ToolCall records a function call emitted by the agent.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ArgsMap decodes the call arguments into a map. A nil or empty argument
// blob decodes to an empty map.
func (tc *ToolCall) ArgsMap() (map[string]any, error) {
	if len(tc.Args) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(tc.Args, &m); err != nil {
		return nil, fmt.Errorf("decode tool call args: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// ToolResult records the outcome of an executed tool call.
type ToolResult struct {
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
	Summary string          `json:"summary"`
}

// Attachment references a file the user attached to a message.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Message is one entry in a conversation, ordered by creation time.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Role           Role         `json:"role"`
	Content        string       `json:"content,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ToolCall       *ToolCall    `json:"tool_call,omitempty"`
	ToolResult     *ToolResult  `json:"tool_result,omitempty"`
	ActionStatus   ActionStatus `json:"action_status,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Validate checks the message invariants: a non-empty action status
// requires a tool call, and the role must be known.
func (m *Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.ActionStatus != ActionNone && m.ToolCall == nil {
		return fmt.Errorf("action status %q without a tool call", m.ActionStatus)
	}
	return nil
}

// TurnSummary is the per-turn result handed back to stream consumers so
// cache-refresh scope is decided from an explicit value, not shared state.
type TurnSummary struct {
	ConversationID   string
	MutationProposed bool
	MutationExecuted bool
	Err              error
}

// EntitiesStale reports whether broader entity caches need invalidation
// after the turn. Read-only turns never invalidate entity data.
func (s TurnSummary) EntitiesStale() bool {
	return s.MutationProposed || s.MutationExecuted
}
