package agent

import (
	"strings"
	"testing"

	"github.com/avitale/ledgerly/internal/tools"
)

func TestBuildSystemPromptListsTools(t *testing.T) {
	toolset := []*tools.Tool{
		{Name: "list_invoices", Description: "List the user's invoices."},
		{Name: "record_payment", Description: "Record a payment against an invoice.", Mutating: true},
	}

	prompt := BuildSystemPrompt("", toolset)

	if !strings.Contains(prompt, "- list_invoices: List the user's invoices.") {
		t.Errorf("Expected read-only tool line in prompt, got:\n%s", prompt)
	}
	if !strings.Contains(prompt, "- record_payment (requires confirmation): Record a payment against an invoice.") {
		t.Errorf("Expected confirmation marker on mutating tool, got:\n%s", prompt)
	}
	if strings.Contains(prompt, "currently viewing") {
		t.Error("Expected no page-context section without page context")
	}
}

func TestBuildSystemPromptPageContext(t *testing.T) {
	prompt := BuildSystemPrompt("  Invoice #42 detail page  ", nil)

	if !strings.Contains(prompt, "What the user is currently viewing:\nInvoice #42 detail page") {
		t.Errorf("Expected trimmed page context section, got:\n%s", prompt)
	}
	if strings.Contains(prompt, "Available tools") {
		t.Error("Expected no tools section for an empty tool set")
	}
}

func TestBuildSystemPromptBlankContextOmitted(t *testing.T) {
	prompt := BuildSystemPrompt("   \n\t", nil)
	if strings.Contains(prompt, "currently viewing") {
		t.Error("Expected whitespace-only page context to be omitted")
	}
}
