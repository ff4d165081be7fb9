// Package orchestrator implements the conversational action-orchestration
// loop: it drives the agent turn by turn, auto-executes read-only tools,
// and pauses mutating tools behind user confirmation.
package orchestrator

import (
	"encoding/json"

	"github.com/avitale/ledgerly/internal/domain"
)

// EventType enumerates the server-to-client stream events of one turn.
type EventType string

const (
	EventTextDelta      EventType = "text_delta"
	EventToolResult     EventType = "tool_result"
	EventActionProposal EventType = "action_proposal"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// TextDeltaPayload carries an incremental narration fragment.
type TextDeltaPayload struct {
	Text string `json:"text"`
}

// ToolResultPayload reports a finished read-only or confirmed tool call.
type ToolResultPayload struct {
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
	Summary string          `json:"summary"`
}

// ActionProposalPayload announces a mutating tool call awaiting confirmation.
type ActionProposalPayload struct {
	MessageID string           `json:"messageId"`
	ToolCall  *domain.ToolCall `json:"toolCall"`
	Summary   string           `json:"summary"`
}

// DonePayload ends a turn that produced only text.
type DonePayload struct {
	MessageID string `json:"messageId"`
}

// ErrorPayload ends a failed turn.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Emitter is the transport the loop writes its events to. Emit is called
// in production order; Keepalive sends a no-op signal so proxies and
// client timeouts don't drop the connection during slow tool executions.
type Emitter interface {
	Emit(event EventType, payload any) error
	Keepalive() error
}
