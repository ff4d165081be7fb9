// Package domain contains core domain types for the Ledgerly assistant.
package domain

import (
	"time"
)

// PlaceholderTitle is the title given to a conversation before the first
// exchange has been summarized into a real one.
const PlaceholderTitle = "New conversation"

// Conversation groups the messages of one assistant chat for one user.
type Conversation struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	PageContext string    `json:"page_context,omitempty"`
	Archived    bool      `json:"archived"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasPlaceholderTitle reports whether the conversation still carries the
// title it was created with.
func (c *Conversation) HasPlaceholderTitle() bool {
	return c.Title == "" || c.Title == PlaceholderTitle
}
