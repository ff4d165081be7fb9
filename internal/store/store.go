// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/avitale/ledgerly/internal/domain"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotPending is returned when an action-status transition is attempted
// on a message that is not currently pending. This is the guard that keeps
// a confirmed mutation from executing twice.
var ErrNotPending = errors.New("message action is not pending")

// Repository defines the interface for persisting conversations and messages.
type Repository interface {
	// CreateConversation persists a new conversation.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation retrieves a conversation owned by userID.
	GetConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error)

	// ListConversations returns the user's conversations, most recent first.
	ListConversations(ctx context.Context, userID string, includeArchived bool) ([]*domain.Conversation, error)

	// TouchConversation bumps updated_at and optionally refreshes the
	// page-context blob (empty pageContext leaves the stored one alone).
	TouchConversation(ctx context.Context, conversationID, pageContext string) error

	// SetConversationTitle replaces the conversation title.
	SetConversationTitle(ctx context.Context, conversationID, title string) error

	// RenameConversation renames a conversation owned by userID.
	RenameConversation(ctx context.Context, userID, conversationID, title string) error

	// SetConversationArchived flips the archived flag.
	SetConversationArchived(ctx context.Context, userID, conversationID string, archived bool) error

	// DeleteConversation removes a conversation and its messages.
	DeleteConversation(ctx context.Context, userID, conversationID string) error

	// AppendMessage persists a message at the end of its conversation.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns all messages of a conversation in creation order.
	ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)

	// GetMessage retrieves one message of a conversation.
	GetMessage(ctx context.Context, conversationID, messageID string) (*domain.Message, error)

	// TransitionActionStatus atomically moves a message's action status from
	// pending to next. A non-nil call replaces the stored tool call, so the
	// persisted arguments match what actually ran after confirm-time
	// overrides; a non-nil result is stored alongside. Returns ErrNotPending
	// if the message is not currently pending.
	TransitionActionStatus(ctx context.Context, messageID string, next domain.ActionStatus, call *domain.ToolCall, result *domain.ToolResult) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
