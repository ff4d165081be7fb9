package agent

import (
	"strings"

	"github.com/avitale/ledgerly/internal/tools"
)

const basePrompt = `You are Ledgerly's billing assistant. You help the user manage
clients, invoices, quotes and payments by answering questions and calling the
available tools.

Rules:
- Use at most one tool call per turn.
- Data-retrieval tools run immediately; tools that change data are proposed to
  the user for confirmation, so describe clearly what you intend before calling
  one.
- Never invent invoice numbers, amounts or email addresses; look them up first.
- Keep answers short and concrete. Amounts include their currency.`

// BuildSystemPrompt assembles the system prompt from the page context the
// user was viewing and the declared tool set.
func BuildSystemPrompt(pageContext string, toolset []*tools.Tool) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	if len(toolset) > 0 {
		sb.WriteString("\n\nAvailable tools:\n")
		for _, t := range toolset {
			sb.WriteString("- ")
			sb.WriteString(t.Name)
			if t.Mutating {
				sb.WriteString(" (requires confirmation)")
			}
			sb.WriteString(": ")
			sb.WriteString(t.Description)
			sb.WriteString("\n")
		}
	}

	if ctx := strings.TrimSpace(pageContext); ctx != "" {
		sb.WriteString("\nWhat the user is currently viewing:\n")
		sb.WriteString(ctx)
		sb.WriteString("\n")
	}

	return sb.String()
}
