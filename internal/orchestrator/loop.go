package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avitale/ledgerly/internal/agent"
	"github.com/avitale/ledgerly/internal/domain"
	"github.com/avitale/ledgerly/internal/store"
	"github.com/avitale/ledgerly/internal/tools"
)

const (
	// maxToolRounds bounds pathological agent loops: the turn aborts once
	// depth exceeds this ceiling.
	maxToolRounds = 10

	// selfCorrectionDepthLimit is the depth below which a failed read-only
	// tool call is fed back to the agent instead of surfaced to the user.
	selfCorrectionDepthLimit = 2

	defaultKeepaliveInterval = 10 * time.Second
)

// Orchestrator runs conversation turns against the agent and tool registry.
type Orchestrator struct {
	repo     store.Repository
	agent    agent.Agent
	registry *tools.Registry

	keepaliveInterval time.Duration

	// actionLocks serializes confirm/reject per proposal message.
	actionMu    sync.Mutex
	actionLocks map[string]*actionLock
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithKeepaliveInterval sets how often keepalives are emitted while a
// slow tool executes.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.keepaliveInterval = d
		}
	}
}

// New creates an orchestrator.
func New(repo store.Repository, ag agent.Agent, registry *tools.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:              repo,
		agent:             ag,
		registry:          registry,
		keepaliveInterval: defaultKeepaliveInterval,
		actionLocks:       make(map[string]*actionLock),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// correction is a synthetic, unpersisted exchange fed back to the agent
// after a failed read-only tool call so it can fix its arguments. It never
// reaches the user or the store.
type correction struct {
	call *domain.ToolCall
	errs string
}

func (c *correction) messages(conversationID string) []*domain.Message {
	callMsg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		ToolCall:       c.call,
		ToolResult: &domain.ToolResult{
			Name:    c.call.Name,
			Data:    mustJSON(map[string]string{"error": c.errs}),
			Summary: "tool call failed",
		},
		CreatedAt: time.Now(),
	}
	noteMsg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           domain.RoleSystem,
		Content:        "The previous tool call failed: " + c.errs + ". Fix the arguments and try again, or answer without the tool.",
		CreatedAt:      time.Now(),
	}
	return []*domain.Message{callMsg, noteMsg}
}

// RunTurn drives one turn: it streams agent output, auto-executes
// read-only tools, and stops on text completion, a mutation proposal, or
// an error. The recursion of the original flow is expressed as an
// explicit depth-bounded loop so stack depth and cancellation points stay
// predictable.
func (o *Orchestrator) RunTurn(ctx context.Context, userID string, conv *domain.Conversation, em Emitter) domain.TurnSummary {
	summary := domain.TurnSummary{ConversationID: conv.ID}
	var pending *correction

	for depth := 0; ; depth++ {
		if depth > maxToolRounds {
			summary.Err = fmt.Errorf("too many tool rounds")
			o.emitError(em, "too many tool rounds")
			break
		}

		history, err := o.repo.ListMessages(ctx, conv.ID)
		if err != nil {
			summary.Err = fmt.Errorf("load history: %w", err)
			o.emitError(em, "failed to load conversation history")
			break
		}
		if pending != nil {
			history = append(history, pending.messages(conv.ID)...)
		}

		text, call, err := o.streamGeneration(ctx, conv, history, em)
		if err != nil {
			summary.Err = err
			o.emitError(em, "the assistant is unavailable right now")
			break
		}

		if call == nil {
			msg := o.newAssistantMessage(conv.ID, text)
			if err := o.repo.AppendMessage(ctx, msg); err != nil {
				summary.Err = fmt.Errorf("persist assistant message: %w", err)
				o.emitError(em, "failed to save the reply")
				break
			}
			o.emit(em, EventDone, DonePayload{MessageID: msg.ID})
			break
		}

		tool, resolveErr := o.registry.Resolve(call.Name)
		if resolveErr != nil {
			// Malformed agent output: treat like a transient tool failure.
			if depth < selfCorrectionDepthLimit {
				pending = &correction{call: call, errs: resolveErr.Error()}
				continue
			}
			summary.Err = resolveErr
			o.persistErrorMessage(ctx, conv.ID, text)
			o.emitError(em, "the assistant requested an unknown tool")
			break
		}

		if tool.Mutating {
			msg := o.newAssistantMessage(conv.ID, text)
			msg.ToolCall = call
			msg.ActionStatus = domain.ActionPending
			if err := o.repo.AppendMessage(ctx, msg); err != nil {
				summary.Err = fmt.Errorf("persist action proposal: %w", err)
				o.emitError(em, "failed to save the proposed action")
				break
			}
			args, _ := call.ArgsMap()
			o.emit(em, EventActionProposal, ActionProposalPayload{
				MessageID: msg.ID,
				ToolCall:  call,
				Summary:   tool.Summarize(args),
			})
			summary.MutationProposed = true
			break
		}

		result, summaryText, execErr := o.executeTool(ctx, em, tool, userID, call)
		if execErr != nil {
			// Only correctable failures go back to the agent: a backend
			// outage will not be fixed by different arguments.
			failure := tools.AsFailure(call.Name, execErr)
			if failure.Retryable() && depth < selfCorrectionDepthLimit {
				slog.Debug("read-only tool failed, feeding error back to agent",
					"tool", call.Name, "depth", depth, "error", failure)
				pending = &correction{call: call, errs: failure.Error()}
				continue
			}
			summary.Err = failure
			o.persistErrorMessage(ctx, conv.ID, text)
			o.emitError(em, "a data lookup failed; please try again")
			break
		}
		pending = nil

		msg := o.newAssistantMessage(conv.ID, text)
		msg.ToolCall = call
		msg.ToolResult = &domain.ToolResult{Name: call.Name, Data: result, Summary: summaryText}
		if err := o.repo.AppendMessage(ctx, msg); err != nil {
			summary.Err = fmt.Errorf("persist tool result: %w", err)
			o.emitError(em, "failed to save the tool result")
			break
		}
		o.emit(em, EventToolResult, ToolResultPayload{Name: call.Name, Data: result, Summary: summaryText})
		// Loop: the reloaded history now contains this result, so the agent
		// can comment on it.
	}

	if err := o.repo.TouchConversation(ctx, conv.ID, ""); err != nil {
		slog.Warn("failed to touch conversation", "conversation_id", conv.ID, "error", err)
	}
	o.maybeAutoTitle(conv)

	return summary
}

// streamGeneration requests one generation and forwards text fragments to
// the emitter immediately. It returns the accumulated text and the single
// tool call, if any.
func (o *Orchestrator) streamGeneration(ctx context.Context, conv *domain.Conversation, history []*domain.Message, em Emitter) (string, *domain.ToolCall, error) {
	req := agent.Request{
		System:   agent.BuildSystemPrompt(conv.PageContext, o.registry.All()),
		Messages: history,
		Tools:    o.registry.All(),
	}

	var text strings.Builder
	var call *domain.ToolCall
	for frag, err := range o.agent.Stream(ctx, req) {
		if err != nil {
			return text.String(), nil, fmt.Errorf("agent stream: %w", err)
		}
		if frag == nil {
			continue
		}
		if frag.Text != "" {
			text.WriteString(frag.Text)
			o.emit(em, EventTextDelta, TextDeltaPayload{Text: frag.Text})
		}
		if frag.ToolCall != nil {
			call = frag.ToolCall
		}
	}
	return text.String(), call, nil
}

// executeTool runs an executor while pumping keepalives on the transport,
// since executors may do slow I/O (document rendering, outbound email,
// third-party calls).
func (o *Orchestrator) executeTool(ctx context.Context, em Emitter, tool *tools.Tool, userID string, call *domain.ToolCall) (json.RawMessage, string, error) {
	args, err := call.ArgsMap()
	if err != nil {
		return nil, "", tools.NewFailure(tools.FailureInvalidArgs, call.Name, "arguments are not a JSON object", err)
	}

	stop := o.startKeepalive(ctx, em)
	result, err := tool.Execute(ctx, tools.ExecContext{UserID: userID}, args)
	stop()
	if err != nil {
		return nil, "", tools.AsFailure(call.Name, err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, "", tools.NewFailure(tools.FailureUnavailable, call.Name, "result is not JSON-serializable", err)
	}
	return data, tool.Summarize(args), nil
}

func (o *Orchestrator) startKeepalive(ctx context.Context, em Emitter) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(o.keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := em.Keepalive(); err != nil {
					slog.Debug("keepalive write failed", "error", err)
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (o *Orchestrator) newAssistantMessage(conversationID, content string) *domain.Message {
	return &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Content:        content,
		CreatedAt:      time.Now(),
	}
}

// persistErrorMessage saves whatever narration the turn produced plus a
// short failure note, so the history reflects what the user already saw.
func (o *Orchestrator) persistErrorMessage(ctx context.Context, conversationID, text string) {
	content := strings.TrimSpace(text)
	if content != "" {
		content += "\n\n"
	}
	content += "Something went wrong while looking that up."
	msg := o.newAssistantMessage(conversationID, content)
	if err := o.repo.AppendMessage(ctx, msg); err != nil {
		slog.Warn("failed to persist error message", "conversation_id", conversationID, "error", err)
	}
}

func (o *Orchestrator) emit(em Emitter, event EventType, payload any) {
	if err := em.Emit(event, payload); err != nil {
		slog.Debug("failed to emit stream event", "event", string(event), "error", err)
	}
}

func (o *Orchestrator) emitError(em Emitter, message string) {
	o.emit(em, EventError, ErrorPayload{Message: message})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
