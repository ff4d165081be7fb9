package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/avitale/ledgerly/internal/agent"
	"github.com/avitale/ledgerly/internal/domain"
	"github.com/avitale/ledgerly/internal/ledger"
	"github.com/avitale/ledgerly/internal/store"
	"github.com/avitale/ledgerly/internal/tools"
)

// memRepo is an in-memory store.Repository for loop tests.
type memRepo struct {
	mu            sync.Mutex
	conversations map[string]*domain.Conversation
	messages      map[string][]*domain.Message
}

func newMemRepo() *memRepo {
	return &memRepo{
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string][]*domain.Message),
	}
}

func (r *memRepo) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[conv.ID] = conv
	return nil
}

func (r *memRepo) GetConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (r *memRepo) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Conversation
	for _, conv := range r.conversations {
		if conv.UserID != userID {
			continue
		}
		if conv.Archived && !includeArchived {
			continue
		}
		cp := *conv
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) TouchConversation(ctx context.Context, conversationID, pageContext string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	conv.UpdatedAt = time.Now()
	if pageContext != "" {
		conv.PageContext = pageContext
	}
	return nil
}

func (r *memRepo) SetConversationTitle(ctx context.Context, conversationID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	conv.Title = title
	return nil
}

func (r *memRepo) RenameConversation(ctx context.Context, userID, conversationID, title string) error {
	return r.SetConversationTitle(ctx, conversationID, title)
}

func (r *memRepo) SetConversationArchived(ctx context.Context, userID, conversationID string, archived bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	conv.Archived = archived
	return nil
}

func (r *memRepo) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conversations, conversationID)
	delete(r.messages, conversationID)
	return nil
}

func (r *memRepo) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], &cp)
	return nil
}

func (r *memRepo) ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[conversationID]
	out := make([]*domain.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func (r *memRepo) GetMessage(ctx context.Context, conversationID, messageID string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages[conversationID] {
		if m.ID == messageID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) TransitionActionStatus(ctx context.Context, messageID string, next domain.ActionStatus, call *domain.ToolCall, result *domain.ToolResult) error {
	if !domain.ActionPending.CanTransitionTo(next) {
		return fmt.Errorf("illegal transition to %q", next)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msgs := range r.messages {
		for _, m := range msgs {
			if m.ID != messageID {
				continue
			}
			if m.ActionStatus != domain.ActionPending {
				return store.ErrNotPending
			}
			m.ActionStatus = next
			if call != nil {
				m.ToolCall = call
			}
			if result != nil {
				m.ToolResult = result
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (r *memRepo) Ping(ctx context.Context) error { return nil }
func (r *memRepo) Close() error                   { return nil }

// lastMessage returns the most recent persisted message of a conversation.
func (r *memRepo) lastMessage(conversationID string) *domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[conversationID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// scriptedAgent replays a fixed sequence of generations. When the script
// runs out it repeats the final entry.
type scriptedAgent struct {
	mu     sync.Mutex
	script [][]*agent.Fragment
	err    error
	calls  int

	// requests records the history sizes seen, for correction assertions.
	requests []agent.Request
}

func (a *scriptedAgent) Stream(ctx context.Context, req agent.Request) iter.Seq2[*agent.Fragment, error] {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	idx := a.calls
	a.calls++
	if idx >= len(a.script) {
		idx = len(a.script) - 1
	}
	frags := a.script[idx]
	err := a.err
	a.mu.Unlock()

	return func(yield func(*agent.Fragment, error) bool) {
		if err != nil {
			yield(nil, err)
			return
		}
		for _, frag := range frags {
			if !yield(frag, nil) {
				return
			}
		}
	}
}

func (a *scriptedAgent) Complete(ctx context.Context, prompt string) (string, error) {
	return `{"title": "Invoice chat"}`, nil
}

// recordedEvent is one emitted stream event.
type recordedEvent struct {
	Type    EventType
	Payload any
}

// recordingEmitter captures events for assertions.
type recordingEmitter struct {
	mu         sync.Mutex
	events     []recordedEvent
	keepalives int
}

func (e *recordingEmitter) Emit(event EventType, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{Type: event, Payload: payload})
	return nil
}

func (e *recordingEmitter) Keepalive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keepalives++
	return nil
}

func (e *recordingEmitter) types() []EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventType, len(e.events))
	for i, evt := range e.events {
		out[i] = evt.Type
	}
	return out
}

func textFrag(text string) *agent.Fragment {
	return &agent.Fragment{Text: text}
}

func callFrag(name, args string) *agent.Fragment {
	return &agent.Fragment{ToolCall: &domain.ToolCall{Name: name, Args: json.RawMessage(args)}}
}

type loopFixture struct {
	repo   *memRepo
	agent  *scriptedAgent
	ledger *ledger.MemoryLedger
	orch   *Orchestrator
	conv   *domain.Conversation
	em     *recordingEmitter
}

func newLoopFixture(t *testing.T, script [][]*agent.Fragment) *loopFixture {
	t.Helper()
	repo := newMemRepo()
	conv := &domain.Conversation{ID: "c1", UserID: "u1", Title: "Billing", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := repo.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	ag := &scriptedAgent{script: script}
	l := ledger.NewMemoryEmpty()
	return &loopFixture{
		repo:   repo,
		agent:  ag,
		ledger: l,
		orch:   New(repo, ag, tools.NewRegistry(l)),
		conv:   conv,
		em:     &recordingEmitter{},
	}
}

func assertEventTypes(t *testing.T, em *recordingEmitter, want ...EventType) {
	t.Helper()
	got := em.types()
	if len(got) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected events %v, got %v", want, got)
		}
	}
}

func TestRunTurnTextOnly(t *testing.T) {
	f := newLoopFixture(t, [][]*agent.Fragment{
		{textFrag("You have "), textFrag("two overdue invoices.")},
	})

	summary := f.orch.RunTurn(context.Background(), "u1", f.conv, f.em)
	if summary.Err != nil {
		t.Fatalf("RunTurn failed: %v", summary.Err)
	}
	if summary.MutationProposed || summary.MutationExecuted {
		t.Error("Expected no mutation flags on a text-only turn")
	}
	if summary.EntitiesStale() {
		t.Error("Expected text-only turn to leave entities fresh")
	}

	assertEventTypes(t, f.em, EventTextDelta, EventTextDelta, EventDone)

	msg := f.repo.lastMessage("c1")
	if msg == nil || msg.Role != domain.RoleAssistant {
		t.Fatalf("Expected persisted assistant message, got %#v", msg)
	}
	if msg.Content != "You have two overdue invoices." {
		t.Errorf("Expected accumulated text persisted, got %q", msg.Content)
	}

	done, ok := f.em.events[len(f.em.events)-1].Payload.(DonePayload)
	if !ok || done.MessageID != msg.ID {
		t.Errorf("Expected done payload bearing the message id %s, got %#v", msg.ID, f.em.events[len(f.em.events)-1].Payload)
	}
}

func TestRunTurnReadOnlyToolThenNarration(t *testing.T) {
	f := newLoopFixture(t, [][]*agent.Fragment{
		{textFrag("Let me check."), callFrag("list_clients", `{}`)},
		{textFrag("You have one client.")},
	})
	f.ledger.AddClient(tools.Client{Name: "Acme"})

	summary := f.orch.RunTurn(context.Background(), "u1", f.conv, f.em)
	if summary.Err != nil {
		t.Fatalf("RunTurn failed: %v", summary.Err)
	}
	if summary.EntitiesStale() {
		t.Error("Expected read-only turn to leave entities fresh")
	}

	assertEventTypes(t, f.em, EventTextDelta, EventToolResult, EventTextDelta, EventDone)

	result, ok := f.em.events[1].Payload.(ToolResultPayload)
	if !ok {
		t.Fatalf("Expected ToolResultPayload, got %#v", f.em.events[1].Payload)
	}
	if result.Name != "list_clients" {
		t.Errorf("Expected list_clients result, got %s", result.Name)
	}
	if result.Summary != "List clients" {
		t.Errorf("Expected summary, got %q", result.Summary)
	}

	// The agent's second generation must see the tool result in history.
	if len(f.agent.requests) != 2 {
		t.Fatalf("Expected 2 generations, got %d", len(f.agent.requests))
	}
	second := f.agent.requests[1].Messages
	last := second[len(second)-1]
	if last.ToolResult == nil || last.ToolResult.Name != "list_clients" {
		t.Errorf("Expected tool result in second generation's history, got %#v", last)
	}
}

func TestRunTurnMutatingToolPausesForConfirmation(t *testing.T) {
	f := newLoopFixture(t, [][]*agent.Fragment{
		{textFrag("I can email that invoice."), callFrag("send_invoice_email", `{"invoice_id":"inv-1","to":"billing@acme.example"}`)},
	})

	summary := f.orch.RunTurn(context.Background(), "u1", f.conv, f.em)
	if summary.Err != nil {
		t.Fatalf("RunTurn failed: %v", summary.Err)
	}
	if !summary.MutationProposed {
		t.Error("Expected MutationProposed")
	}
	if summary.MutationExecuted {
		t.Error("Expected no execution before confirmation")
	}

	assertEventTypes(t, f.em, EventTextDelta, EventActionProposal)

	proposal, ok := f.em.events[1].Payload.(ActionProposalPayload)
	if !ok {
		t.Fatalf("Expected ActionProposalPayload, got %#v", f.em.events[1].Payload)
	}
	if proposal.ToolCall == nil || proposal.ToolCall.Name != "send_invoice_email" {
		t.Errorf("Expected proposed tool call, got %#v", proposal.ToolCall)
	}
	if proposal.Summary != "Email invoice inv-1 to billing@acme.example" {
		t.Errorf("Unexpected summary %q", proposal.Summary)
	}

	msg := f.repo.lastMessage("c1")
	if msg.ActionStatus != domain.ActionPending {
		t.Errorf("Expected pending status persisted, got %q", msg.ActionStatus)
	}
	if proposal.MessageID != msg.ID {
		t.Errorf("Expected proposal to reference persisted message")
	}

	// The nothing-executed-yet invariant: the ledger saw no email.
	if len(f.ledger.SentEmails()) != 0 {
		t.Error("Expected no email before confirmation")
	}
}

func TestRunTurnSelfCorrectsFailedLookup(t *testing.T) {
	f := newLoopFixture(t, [][]*agent.Fragment{
		{callFrag("get_invoice", `{"invoice_id":"bogus"}`)},
		{callFrag("list_invoices", `{}`)},
		{textFrag("Here they are.")},
	})
	f.ledger.AddInvoice(tools.Invoice{ClientID: "c1", Status: "sent", Total: 100})

	summary := f.orch.RunTurn(context.Background(), "u1", f.conv, f.em)
	if summary.Err != nil {
		t.Fatalf("Expected corrected turn to succeed, got %v", summary.Err)
	}

	// The failed lookup never reaches the stream; the corrected one does.
	assertEventTypes(t, f.em, EventToolResult, EventTextDelta, EventDone)

	// The correction exchange is fed to the agent but never persisted.
	if len(f.agent.requests) != 3 {
		t.Fatalf("Expected 3 generations, got %d", len(f.agent.requests))
	}
	retry := f.agent.requests[1].Messages
	foundNote := false
	for _, m := range retry {
		if m.Role == domain.RoleSystem && m.Content != "" {
			foundNote = true
		}
	}
	if !foundNote {
		t.Error("Expected correction note in retry history")
	}

	msgs, _ := f.repo.ListMessages(context.Background(), "c1")
	for _, m := range msgs {
		if m.ToolCall != nil && m.ToolCall.Name == "get_invoice" {
			t.Error("Expected failed call to stay out of the persisted history")
		}
	}
}

func TestRunTurnSelfCorrectionGivesUp(t *testing.T) {
	// Every generation asks for the same missing invoice; after the
	// correction budget the turn fails to the user.
	f := newLoopFixture(t, [][]*agent.Fragment{
		{callFrag("get_invoice", `{"invoice_id":"bogus"}`)},
	})

	summary := f.orch.RunTurn(context.Background(), "u1", f.conv, f.em)
	if summary.Err == nil {
		t.Fatal("Expected turn error after exhausted corrections")
	}

	types := f.em.types()
	if len(types) == 0 || types[len(types)-1] != EventError {
		t.Fatalf("Expected terminal error event, got %v", types)
	}

	// A fallback assistant message is persisted so the history reflects
	// what the user saw.
	msg := f.repo.lastMessage("c1")
	if msg == nil || msg.Role != domain.RoleAssistant {
		t.Fatalf("Expected persisted fallback message, got %#v", msg)
	}
}

// outageLedger fails every list with an unavailable backend.
type outageLedger struct {
	*ledger.MemoryLedger
}

func (o *outageLedger) ListClients(ctx context.Context, userID string) ([]tools.Client, error) {
	return nil, tools.NewFailure(tools.FailureUnavailable, "list_clients", "ledger backend unreachable", nil)
}

func TestRunTurnBackendOutageFailsWithoutRetry(t *testing.T) {
	// An unavailable backend cannot be fixed by rephrasing the call, so
	// the loop must fail the turn instead of burning correction rounds.
	repo := newMemRepo()
	conv := &domain.Conversation{ID: "c1", UserID: "u1", Title: "Billing", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := repo.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	ag := &scriptedAgent{script: [][]*agent.Fragment{
		{callFrag("list_clients", `{}`)},
	}}
	orch := New(repo, ag, tools.NewRegistry(&outageLedger{MemoryLedger: ledger.NewMemoryEmpty()}))
	em := &recordingEmitter{}

	summary := orch.RunTurn(context.Background(), "u1", conv, em)
	if summary.Err == nil {
		t.Fatal("Expected turn error for an unreachable backend")
	}
	var failure *tools.Failure
	if !errors.As(summary.Err, &failure) || failure.Kind != tools.FailureUnavailable {
		t.Fatalf("Expected unavailable failure, got %v", summary.Err)
	}
	if got := ag.callCount(); got != 1 {
		t.Errorf("Expected a single generation with no correction rounds, got %d", got)
	}
	assertEventTypes(t, em, EventError)
}

func TestRunTurnUnknownToolSelfCorrects(t *testing.T) {
	f := newLoopFixture(t, [][]*agent.Fragment{
		{callFrag("teleport_money", `{}`)},
		{textFrag("Sorry, I cannot do that.")},
	})

	summary := f.orch.RunTurn(context.Background(), "u1", f.conv, f.em)
	if summary.Err != nil {
		t.Fatalf("Expected corrected turn to succeed, got %v", summary.Err)
	}
	assertEventTypes(t, f.em, EventTextDelta, EventDone)
}

func TestRunTurnDepthBound(t *testing.T) {
	// The agent keeps calling a read-only tool forever; the loop must cut
	// it off instead of spinning.
	f := newLoopFixture(t, [][]*agent.Fragment{
		{callFrag("list_clients", `{}`)},
	})

	summary := f.orch.RunTurn(context.Background(), "u1", f.conv, f.em)
	if summary.Err == nil {
		t.Fatal("Expected depth bound to fail the turn")
	}

	if f.agent.callCount() > maxToolRounds+1 {
		t.Errorf("Expected at most %d generations, got %d", maxToolRounds+1, f.agent.callCount())
	}
	types := f.em.types()
	if types[len(types)-1] != EventError {
		t.Fatalf("Expected terminal error event, got %v", types)
	}
}

func TestRunTurnAgentFailure(t *testing.T) {
	f := newLoopFixture(t, [][]*agent.Fragment{{}})
	f.agent.err = errors.New("model overloaded")

	summary := f.orch.RunTurn(context.Background(), "u1", f.conv, f.em)
	if summary.Err == nil {
		t.Fatal("Expected turn error when the agent fails")
	}
	assertEventTypes(t, f.em, EventError)
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
