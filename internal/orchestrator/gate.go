package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avitale/ledgerly/internal/domain"
	"github.com/avitale/ledgerly/internal/store"
	"github.com/avitale/ledgerly/internal/tools"
)

// ErrNotPending is returned when a confirm or reject targets a message
// whose action is not awaiting confirmation. Re-exported so handlers can
// map it to a precondition failure without importing the store.
var ErrNotPending = store.ErrNotPending

// actionLock serializes confirm and reject work on one proposal message.
// The pending re-check under this lock is what keeps a mutating executor
// from running twice when duplicate confirms arrive concurrently.
type actionLock struct {
	mu   sync.Mutex
	refs int
}

// lockAction acquires the per-message lock, creating it on first use and
// discarding it when the last holder releases.
func (o *Orchestrator) lockAction(messageID string) (unlock func()) {
	o.actionMu.Lock()
	l := o.actionLocks[messageID]
	if l == nil {
		l = &actionLock{}
		o.actionLocks[messageID] = l
	}
	l.refs++
	o.actionMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.actionMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.actionLocks, messageID)
		}
		o.actionMu.Unlock()
	}
}

// loadPendingAction fetches the message and verifies the confirmation
// preconditions shared by Confirm and Reject.
func (o *Orchestrator) loadPendingAction(ctx context.Context, userID, conversationID, messageID string) (*domain.Conversation, *domain.Message, *tools.Tool, error) {
	conv, err := o.repo.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, nil, err
	}
	msg, err := o.repo.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, nil, nil, err
	}
	if msg.ActionStatus != domain.ActionPending || msg.ToolCall == nil {
		return nil, nil, nil, ErrNotPending
	}
	tool, err := o.registry.Resolve(msg.ToolCall.Name)
	if err != nil {
		return nil, nil, nil, err
	}
	if !o.registry.IsMutating(tool.Name) {
		return nil, nil, nil, fmt.Errorf("tool %q is not a mutating tool", tool.Name)
	}
	return conv, msg, tool, nil
}

// CheckPending verifies the confirm/reject preconditions without acting,
// so handlers can fail with a proper status before opening a stream.
func (o *Orchestrator) CheckPending(ctx context.Context, userID, conversationID, messageID string) error {
	_, _, _, err := o.loadPendingAction(ctx, userID, conversationID, messageID)
	return err
}

// Confirm executes a pending mutating action, optionally with argument
// overrides (shallow merge, override wins per key). On success the message
// becomes executed with the merged call and its result stored, a
// tool_result event is emitted, and the loop re-enters so the agent can
// narrate the outcome. On failure the message becomes rejected and the
// error is surfaced; mutating failures are never retried.
//
// The load-execute-transition sequence runs under the per-message lock, so
// a duplicate confirm gets ErrNotPending before the executor runs. The
// lock is released ahead of the narration turn, which only reads.
//
// A non-nil error return means preconditions failed and nothing was
// emitted on the stream.
func (o *Orchestrator) Confirm(ctx context.Context, userID, conversationID, messageID string, overrides map[string]any, em Emitter) (domain.TurnSummary, error) {
	summary := domain.TurnSummary{ConversationID: conversationID}

	unlock := o.lockAction(messageID)
	conv, msg, tool, err := o.loadPendingAction(ctx, userID, conversationID, messageID)
	if err != nil {
		unlock()
		return summary, err
	}

	args, err := msg.ToolCall.ArgsMap()
	if err != nil {
		unlock()
		return summary, err
	}
	for k, v := range overrides {
		args[k] = v
	}

	stop := o.startKeepalive(ctx, em)
	result, execErr := tool.Execute(ctx, tools.ExecContext{UserID: userID}, args)
	stop()

	if execErr != nil {
		failure := tools.AsFailure(tool.Name, execErr)
		slog.Warn("confirmed action failed", "tool", tool.Name, "message_id", messageID, "error", failure)
		if trErr := o.repo.TransitionActionStatus(ctx, messageID, domain.ActionRejected, nil, nil); trErr != nil {
			slog.Error("failed to mark failed action rejected", "message_id", messageID, "error", trErr)
		}
		unlock()
		summary.Err = failure
		o.emitError(em, "the action failed: "+failure.Message)
		return summary, nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		data = mustJSON(map[string]string{"error": "result was not serializable"})
	}
	toolResult := &domain.ToolResult{Name: tool.Name, Data: data, Summary: tool.Summarize(args)}
	executedCall := &domain.ToolCall{Name: tool.Name, Args: mustJSON(args)}

	trErr := o.repo.TransitionActionStatus(ctx, messageID, domain.ActionExecuted, executedCall, toolResult)
	unlock()
	if trErr != nil {
		// Under the per-message lock the row was pending moments ago, so a
		// failure here is a store fault, not a lost race.
		if errors.Is(trErr, store.ErrNotPending) {
			slog.Error("action executed but message was no longer pending", "message_id", messageID)
		}
		summary.Err = trErr
		o.emitError(em, "the action ran but its result could not be recorded")
		return summary, nil
	}

	summary.MutationExecuted = true
	o.emit(em, EventToolResult, ToolResultPayload{Name: tool.Name, Data: data, Summary: toolResult.Summary})

	// One more pass through the loop so the agent can narrate the outcome.
	narration := o.RunTurn(ctx, userID, conv, em)
	summary.Err = narration.Err
	summary.MutationProposed = narration.MutationProposed
	return summary, nil
}

// Reject dismisses a pending mutating action without executing it. It is
// synchronous: no stream is opened. It takes the same per-message lock as
// Confirm so a reject racing a confirm resolves to exactly one outcome.
func (o *Orchestrator) Reject(ctx context.Context, userID, conversationID, messageID string) error {
	unlock := o.lockAction(messageID)
	defer unlock()

	_, msg, tool, err := o.loadPendingAction(ctx, userID, conversationID, messageID)
	if err != nil {
		return err
	}

	if err := o.repo.TransitionActionStatus(ctx, messageID, domain.ActionRejected, nil, nil); err != nil {
		return err
	}

	args, _ := msg.ToolCall.ArgsMap()
	note := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           domain.RoleSystem,
		Content:        "Dismissed: " + tool.Summarize(args),
		CreatedAt:      time.Now(),
	}
	if err := o.repo.AppendMessage(ctx, note); err != nil {
		slog.Warn("failed to append rejection note", "conversation_id", conversationID, "error", err)
	}
	if err := o.repo.TouchConversation(ctx, conversationID, ""); err != nil {
		slog.Warn("failed to touch conversation", "conversation_id", conversationID, "error", err)
	}
	return nil
}
