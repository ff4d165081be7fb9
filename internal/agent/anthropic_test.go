package agent

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/avitale/ledgerly/internal/domain"
	"github.com/avitale/ledgerly/internal/tools"
)

func textBlock(text string) anthropic.ContentBlockUnion {
	return anthropic.ContentBlockUnion{Type: "text", Text: text}
}

func toolUseBlock(name, input string) anthropic.ContentBlockUnion {
	return anthropic.ContentBlockUnion{Type: "tool_use", Name: name, Input: json.RawMessage(input)}
}

func TestExtractToolCallNone(t *testing.T) {
	call, err := extractToolCall([]anthropic.ContentBlockUnion{textBlock("just words")})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if call != nil {
		t.Fatalf("Expected no tool call, got %+v", call)
	}
}

func TestExtractToolCallSingle(t *testing.T) {
	blocks := []anthropic.ContentBlockUnion{
		textBlock("let me check"),
		toolUseBlock("list_invoices", `{"status":"overdue"}`),
	}

	call, err := extractToolCall(blocks)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if call == nil {
		t.Fatal("Expected a tool call")
	}
	if call.Name != "list_invoices" {
		t.Errorf("Expected tool name list_invoices, got %q", call.Name)
	}
	if string(call.Args) != `{"status":"overdue"}` {
		t.Errorf("Expected args preserved verbatim, got %s", call.Args)
	}
}

func TestExtractToolCallEmptyInput(t *testing.T) {
	call, err := extractToolCall([]anthropic.ContentBlockUnion{toolUseBlock("revenue_summary", "")})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(call.Args) != "{}" {
		t.Errorf("Expected empty input normalized to {}, got %q", call.Args)
	}
}

func TestExtractToolCallMultiple(t *testing.T) {
	blocks := []anthropic.ContentBlockUnion{
		toolUseBlock("list_invoices", "{}"),
		toolUseBlock("list_clients", "{}"),
	}

	if _, err := extractToolCall(blocks); !errors.Is(err, ErrMultipleToolCalls) {
		t.Fatalf("Expected ErrMultipleToolCalls, got %v", err)
	}
}

// paramJSON renders a wire message for substring assertions, which keeps
// the tests independent of the SDK's parameter struct layout.
func paramJSON(t *testing.T, p anthropic.MessageParam) string {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal message param: %v", err)
	}
	return string(b)
}

func TestConvertHistoryPlainExchange(t *testing.T) {
	msgs := []*domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "Who owes me money?"},
		{ID: "m2", Role: domain.RoleAssistant, Content: "Acme does."},
	}

	chat, err := convertHistory(msgs)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(chat) != 2 {
		t.Fatalf("Expected 2 wire messages, got %d", len(chat))
	}
	if chat[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("Expected first role user, got %q", chat[0].Role)
	}
	if chat[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("Expected second role assistant, got %q", chat[1].Role)
	}
	if !strings.Contains(paramJSON(t, chat[1]), "Acme does.") {
		t.Error("Expected assistant text to survive conversion")
	}
}

func TestConvertHistoryToolExchange(t *testing.T) {
	msgs := []*domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "List overdue invoices"},
		{
			ID:      "m2",
			Role:    domain.RoleAssistant,
			Content: "Checking.",
			ToolCall: &domain.ToolCall{
				Name: "list_invoices",
				Args: json.RawMessage(`{"overdue_only":true}`),
			},
			ToolResult: &domain.ToolResult{
				Name:    "list_invoices",
				Data:    json.RawMessage(`[{"number":7}]`),
				Summary: "1 invoice",
			},
			ActionStatus: domain.ActionExecuted,
		},
	}

	chat, err := convertHistory(msgs)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	// user text, assistant tool_use, user tool_result
	if len(chat) != 3 {
		t.Fatalf("Expected 3 wire messages, got %d", len(chat))
	}

	use := paramJSON(t, chat[1])
	if !strings.Contains(use, `"tool_use"`) || !strings.Contains(use, `"call_m2"`) {
		t.Errorf("Expected assistant tool_use block with derived id, got %s", use)
	}
	if !strings.Contains(use, "Checking.") {
		t.Errorf("Expected assistant narration alongside the call, got %s", use)
	}

	result := paramJSON(t, chat[2])
	if chat[2].Role != anthropic.MessageParamRoleUser {
		t.Errorf("Expected tool result carried as user role, got %q", chat[2].Role)
	}
	if !strings.Contains(result, `"tool_result"`) || !strings.Contains(result, `"call_m2"`) {
		t.Errorf("Expected tool_result block echoing the call id, got %s", result)
	}
	if !strings.Contains(result, `[{\"number\":7}]`) && !strings.Contains(result, `[{"number":7}]`) {
		t.Errorf("Expected result payload in tool_result content, got %s", result)
	}
}

func TestConvertHistoryPendingProposal(t *testing.T) {
	msgs := []*domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "Send it"},
		{
			ID:   "m2",
			Role: domain.RoleAssistant,
			ToolCall: &domain.ToolCall{
				Name: "send_invoice_email",
				Args: json.RawMessage(`{"invoice_id":"inv-1"}`),
			},
			ActionStatus: domain.ActionPending,
		},
	}

	chat, err := convertHistory(msgs)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(chat) != 3 {
		t.Fatalf("Expected 3 wire messages, got %d", len(chat))
	}
	result := paramJSON(t, chat[2])
	if !strings.Contains(result, "awaiting user confirmation") {
		t.Errorf("Expected synthetic pending result, got %s", result)
	}
	if strings.Contains(result, `"is_error":true`) {
		t.Error("Expected pending result not to be marked as an error")
	}
}

func TestConvertHistoryRejectedProposal(t *testing.T) {
	msgs := []*domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "Archive Acme"},
		{
			ID:   "m2",
			Role: domain.RoleAssistant,
			ToolCall: &domain.ToolCall{
				Name: "archive_client",
				Args: json.RawMessage(`{"client_id":"c1"}`),
			},
			ActionStatus: domain.ActionRejected,
		},
	}

	chat, err := convertHistory(msgs)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	result := paramJSON(t, chat[2])
	if !strings.Contains(result, "rejected this action") {
		t.Errorf("Expected rejection notice in synthetic result, got %s", result)
	}
	if !strings.Contains(result, `"is_error":true`) {
		t.Errorf("Expected rejected result marked as error, got %s", result)
	}
}

func TestConvertHistorySystemNote(t *testing.T) {
	msgs := []*domain.Message{
		{ID: "m1", Role: domain.RoleSystem, Content: "The user dismissed the proposed archive_client action."},
	}

	chat, err := convertHistory(msgs)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(chat) != 1 {
		t.Fatalf("Expected 1 wire message, got %d", len(chat))
	}
	if chat[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("Expected system note carried as user role, got %q", chat[0].Role)
	}
	if !strings.Contains(paramJSON(t, chat[0]), "[note] The user dismissed") {
		t.Error("Expected note prefix on system content")
	}
}

func TestConvertHistoryAttachments(t *testing.T) {
	msgs := []*domain.Message{
		{
			ID:      "m1",
			Role:    domain.RoleUser,
			Content: "See the contract",
			Attachments: []domain.Attachment{
				{Name: "contract.pdf", URL: "https://files.example/contract.pdf"},
			},
		},
	}

	chat, err := convertHistory(msgs)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(paramJSON(t, chat[0]), "[attachment: contract.pdf]") {
		t.Error("Expected attachment reference appended to user content")
	}
}

func TestConvertHistorySkipsEmptyMessages(t *testing.T) {
	msgs := []*domain.Message{
		nil,
		{ID: "m1", Role: domain.RoleUser, Content: ""},
		{ID: "m2", Role: domain.RoleAssistant, Content: ""},
		{ID: "m3", Role: domain.RoleSystem, Content: ""},
		{ID: "m4", Role: domain.RoleUser, Content: "hello"},
	}

	chat, err := convertHistory(msgs)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(chat) != 1 {
		t.Fatalf("Expected only the non-empty message, got %d", len(chat))
	}
}

func TestConvertHistoryMalformedArgs(t *testing.T) {
	msgs := []*domain.Message{
		{
			ID:   "m1",
			Role: domain.RoleAssistant,
			ToolCall: &domain.ToolCall{
				Name: "list_invoices",
				Args: json.RawMessage(`{broken`),
			},
			ActionStatus: domain.ActionExecuted,
		},
	}

	if _, err := convertHistory(msgs); err == nil {
		t.Fatal("Expected an error for malformed tool call args")
	}
}

func TestConvertToolDecls(t *testing.T) {
	toolset := []*tools.Tool{
		{
			Name:        "get_invoice",
			Description: "Fetch one invoice.",
			Schema: tools.Schema{
				Properties: map[string]any{
					"invoice_id": map[string]any{"type": "string"},
				},
				Required: []string{"invoice_id"},
			},
		},
	}

	decls := convertToolDecls(toolset)
	if len(decls) != 1 {
		t.Fatalf("Expected 1 declaration, got %d", len(decls))
	}
	tool := decls[0].OfTool
	if tool == nil {
		t.Fatal("Expected a custom tool declaration")
	}
	if tool.Name != "get_invoice" {
		t.Errorf("Expected name get_invoice, got %q", tool.Name)
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "invoice_id" {
		t.Errorf("Expected required [invoice_id], got %v", tool.InputSchema.Required)
	}
	if _, ok := tool.InputSchema.Properties.(map[string]any); !ok {
		t.Errorf("Expected schema properties to carry through, got %T", tool.InputSchema.Properties)
	}
}

func TestBuildParams(t *testing.T) {
	ag, err := NewAnthropicAgent("test-key", "claude-3-5-haiku-latest")
	if err != nil {
		t.Fatalf("NewAnthropicAgent: %v", err)
	}

	req := Request{
		System:   "You are a billing assistant.",
		Messages: []*domain.Message{{ID: "m1", Role: domain.RoleUser, Content: "hi"}},
		Tools:    []*tools.Tool{{Name: "list_invoices", Description: "List invoices."}},
	}

	params, err := ag.buildParams(req)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("Expected configured model, got %q", params.Model)
	}
	if len(params.System) != 1 || params.System[0].Text != "You are a billing assistant." {
		t.Errorf("Expected system prompt carried through, got %+v", params.System)
	}
	if len(params.Messages) != 1 {
		t.Errorf("Expected 1 message, got %d", len(params.Messages))
	}
	if len(params.Tools) != 1 {
		t.Errorf("Expected 1 tool declaration, got %d", len(params.Tools))
	}
}

func TestBuildParamsEmptyHistory(t *testing.T) {
	ag, err := NewAnthropicAgent("test-key", "")
	if err != nil {
		t.Fatalf("NewAnthropicAgent: %v", err)
	}

	if _, err := ag.buildParams(Request{}); err == nil {
		t.Fatal("Expected an error for an empty history")
	}
}

func TestNewAnthropicAgentRequiresKey(t *testing.T) {
	if _, err := NewAnthropicAgent("   ", ""); err == nil {
		t.Fatal("Expected an error for a blank API key")
	}
}
