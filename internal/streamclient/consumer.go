package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avitale/ledgerly/internal/domain"
	"github.com/avitale/ledgerly/internal/orchestrator"
)

// State is the consumer's externally visible state.
type State string

const (
	StateIdle                 State = "idle"
	StateStreaming            State = "streaming"
	StateAwaitingConfirmation State = "awaiting-confirmation"
	StateExecuting            State = "executing"
)

// Sink receives stream-derived updates. Every callback has already passed
// the generation check: stale turns never reach the sink.
type Sink interface {
	OnStateChange(state State)
	OnTextDelta(delta string)
	OnToolResult(result orchestrator.ToolResultPayload)
	OnActionProposal(proposal orchestrator.ActionProposalPayload)
	OnError(message string)
	OnTurnEnd(summary domain.TurnSummary)
}

const defaultInactivityTimeout = 45 * time.Second

// Consumer drives turns against the assistant API and consumes their
// event streams. All cross-goroutine state is guarded by mu; the
// generation token makes late callbacks from replaced or stopped turns
// no-ops.
type Consumer struct {
	baseURL    string
	httpClient *http.Client
	sink       Sink
	inactivity time.Duration

	mu         sync.Mutex
	generation int64
	state      State
	text       strings.Builder
	cancel     context.CancelFunc
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(con *Consumer) { con.httpClient = c }
}

// WithInactivityTimeout overrides the stall-detection window.
func WithInactivityTimeout(d time.Duration) Option {
	return func(con *Consumer) { con.inactivity = d }
}

// New creates a consumer for the assistant API at baseURL.
func New(baseURL string, sink Sink, opts ...Option) *Consumer {
	c := &Consumer{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: http.DefaultClient,
		sink:       sink,
		inactivity: defaultInactivityTimeout,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generation returns the current generation token.
func (c *Consumer) Generation() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// CurrentState returns the consumer's state.
func (c *Consumer) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Text returns the narration accumulated during the current turn.
func (c *Consumer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text.String()
}

// Send starts a new turn: any in-flight stream is cancelled, the
// generation token advances, accumulated text resets, and the request is
// issued. Events are delivered to the sink asynchronously.
func (c *Consumer) Send(ctx context.Context, conversationID, message, pageContext string) {
	body := map[string]any{"message": message}
	if pageContext != "" {
		body["page_context"] = pageContext
	}
	path := fmt.Sprintf("/api/chat/conversations/%s/messages", conversationID)
	c.startTurn(ctx, conversationID, path, body, StateStreaming, false)
}

// Confirm confirms a pending action, optionally with argument overrides.
func (c *Consumer) Confirm(ctx context.Context, conversationID, messageID string, overrides map[string]any) {
	body := map[string]any{}
	if len(overrides) > 0 {
		body["overrides"] = overrides
	}
	path := fmt.Sprintf("/api/chat/conversations/%s/messages/%s/confirm", conversationID, messageID)
	c.startTurn(ctx, conversationID, path, body, StateExecuting, true)
}

// Reject dismisses a pending action. Synchronous; no stream is opened.
func (c *Consumer) Reject(ctx context.Context, conversationID, messageID string) error {
	path := fmt.Sprintf("/api/chat/conversations/%s/messages/%s/reject", conversationID, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close reject response body", "error", closeErr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reject failed with status %d", resp.StatusCode)
	}

	c.mu.Lock()
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
	return nil
}

// Stop aborts the in-flight stream and advances the generation token
// without waiting for the server; late events are discarded by the
// generation check.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortLocked()
	c.setStateLocked(StateIdle)
}

// abortLocked cancels the in-flight request and bumps the generation.
func (c *Consumer) abortLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.generation++
}

func (c *Consumer) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.state = state
	c.sink.OnStateChange(state)
}

func (c *Consumer) startTurn(ctx context.Context, conversationID, path string, body map[string]any, initial State, mutationExpected bool) {
	c.mu.Lock()
	c.abortLocked()
	gen := c.generation
	c.text.Reset()
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setStateLocked(initial)
	c.mu.Unlock()

	go c.run(runCtx, gen, conversationID, path, body, mutationExpected)
}

func (c *Consumer) run(ctx context.Context, gen int64, conversationID, path string, body map[string]any, mutationExpected bool) {
	summary := domain.TurnSummary{ConversationID: conversationID}

	payload, err := json.Marshal(body)
	if err != nil {
		c.finish(gen, summary, fmt.Errorf("encode request: %w", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.finish(gen, summary, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.finish(gen, summary, err)
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close stream body", "error", closeErr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		c.finish(gen, summary, fmt.Errorf("turn request failed with status %d", resp.StatusCode))
		return
	}

	// The watchdog treats any received bytes, keepalive comments included,
	// as liveness; a silent connection is cancelled rather than hung on.
	watchdog := time.AfterFunc(c.inactivity, func() {
		c.cancelIfCurrent(gen)
	})
	defer watchdog.Stop()

	parser := NewParser(&activityReader{r: resp.Body, touch: func() {
		watchdog.Reset(c.inactivity)
	}})

	proposalSeen := false
	for {
		evt, err := parser.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A cancelled read is a stop or stall, not a turn failure.
			if ctx.Err() == nil {
				summary.Err = err
			}
			break
		}

		switch orchestrator.EventType(evt.Type) {
		case orchestrator.EventTextDelta:
			var p orchestrator.TextDeltaPayload
			if !decodeTolerant(evt.Data, &p) {
				continue
			}
			c.ifCurrent(gen, func() {
				c.text.WriteString(p.Text)
				c.sink.OnTextDelta(p.Text)
			})
		case orchestrator.EventToolResult:
			var p orchestrator.ToolResultPayload
			if !decodeTolerant(evt.Data, &p) {
				continue
			}
			// On a confirm stream the first tool_result is the mutation's
			// own result; a failed execution emits error instead, so the
			// flag reflects what actually happened.
			if mutationExpected {
				summary.MutationExecuted = true
			}
			c.ifCurrent(gen, func() {
				c.setStateLocked(StateStreaming)
				c.sink.OnToolResult(p)
			})
		case orchestrator.EventActionProposal:
			var p orchestrator.ActionProposalPayload
			if !decodeTolerant(evt.Data, &p) {
				continue
			}
			proposalSeen = true
			summary.MutationProposed = true
			c.ifCurrent(gen, func() {
				c.setStateLocked(StateAwaitingConfirmation)
				c.sink.OnActionProposal(p)
			})
		case orchestrator.EventDone:
			// Terminal; the transport closes right after.
		case orchestrator.EventError:
			var p orchestrator.ErrorPayload
			if !decodeTolerant(evt.Data, &p) {
				p.Message = "turn failed"
			}
			summary.Err = errors.New(p.Message)
			c.ifCurrent(gen, func() {
				c.sink.OnError(p.Message)
			})
		default:
			// Unknown event types are skipped, not fatal.
		}
	}

	if proposalSeen {
		c.endTurn(gen, summary, StateAwaitingConfirmation)
		return
	}
	c.endTurn(gen, summary, StateIdle)
}

// finish reports a turn that failed before any event arrived.
func (c *Consumer) finish(gen int64, summary domain.TurnSummary, err error) {
	summary.Err = err
	c.ifCurrent(gen, func() {
		c.sink.OnError(err.Error())
	})
	c.endTurn(gen, summary, StateIdle)
}

func (c *Consumer) endTurn(gen int64, summary domain.TurnSummary, final State) {
	c.ifCurrent(gen, func() {
		c.setStateLocked(final)
		c.sink.OnTurnEnd(summary)
	})
}

// ifCurrent runs fn under the lock only when gen is still the active
// generation. This is the race guard that makes stop-then-send and
// replaced streams deterministic.
func (c *Consumer) ifCurrent(gen int64, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	fn()
}

func (c *Consumer) cancelIfCurrent(gen int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.cancel == nil {
		return
	}
	slog.Warn("stream stalled, cancelling read")
	c.cancel()
	c.cancel = nil
}

// decodeTolerant unmarshals an event payload, reporting false for
// malformed data so a single corrupt chunk never loses the rest of the
// turn.
func decodeTolerant(data string, v any) bool {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Debug("skipping malformed stream payload", "error", err)
		return false
	}
	return true
}

// activityReader invokes touch on every successful read.
type activityReader struct {
	r     io.Reader
	touch func()
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}
