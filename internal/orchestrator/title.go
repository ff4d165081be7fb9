package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avitale/ledgerly/internal/domain"
)

const titleTimeout = 15 * time.Second

// maybeAutoTitle replaces a placeholder conversation title once a full
// exchange exists. Best-effort and non-blocking: failures are logged and
// the placeholder stays.
func (o *Orchestrator) maybeAutoTitle(conv *domain.Conversation) {
	if !conv.HasPlaceholderTitle() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()

		messages, err := o.repo.ListMessages(ctx, conv.ID)
		if err != nil {
			slog.Warn("auto-title: failed to load messages", "conversation_id", conv.ID, "error", err)
			return
		}
		userText, assistantText := firstExchange(messages)
		if userText == "" || assistantText == "" {
			return
		}

		title, err := o.generateTitle(ctx, userText, assistantText)
		if err != nil {
			slog.Warn("auto-title: generation failed", "conversation_id", conv.ID, "error", err)
			title = fallbackTitle(userText)
		}
		if title == "" {
			return
		}
		if err := o.repo.SetConversationTitle(ctx, conv.ID, title); err != nil {
			slog.Warn("auto-title: failed to store title", "conversation_id", conv.ID, "error", err)
		}
	}()
}

func firstExchange(messages []*domain.Message) (userText, assistantText string) {
	for _, msg := range messages {
		switch {
		case msg.Role == domain.RoleUser && userText == "":
			userText = msg.Content
		case msg.Role == domain.RoleAssistant && userText != "" && assistantText == "" && msg.Content != "":
			assistantText = msg.Content
		}
	}
	return userText, assistantText
}

func (o *Orchestrator) generateTitle(ctx context.Context, userText, assistantText string) (string, error) {
	prompt := fmt.Sprintf(`Generate a short title (max 60 characters) for this billing-assistant conversation.

User: %s
Assistant: %s

Respond with ONLY a JSON object, no markdown: {"title": "your title here"}`,
		truncate(userText, 500), truncate(assistantText, 500))

	response, err := o.agent.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}

	var result struct {
		Title string `json:"title"`
	}
	cleaned := strings.TrimSpace(response)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &result); err != nil {
		return "", fmt.Errorf("parse title response: %w", err)
	}
	return truncate(strings.TrimSpace(result.Title), 80), nil
}

// fallbackTitle derives a title from the first user line when the model
// can't be reached.
func fallbackTitle(userText string) string {
	line := strings.TrimSpace(strings.SplitN(userText, "\n", 2)[0])
	return truncate(line, 60)
}

// truncate cuts to max runes, never splitting a multi-byte character.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
