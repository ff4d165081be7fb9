package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/avitale/ledgerly/internal/domain"
	"github.com/avitale/ledgerly/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		page_context TEXT,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT,
		attachments_json TEXT,
		tool_call_json TEXT,
		tool_result_json TEXT,
		action_status TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		seq INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withBusyRetry runs fn, retrying with exponential backoff when SQLite
// reports a lock conflict. 100ms, 200ms, 400ms.
func withBusyRetry(op string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("sqlite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxRetries, err)
}

// CreateConversation persists a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	query := `
		INSERT INTO conversations (id, user_id, title, page_context, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	var pageContext interface{}
	if conv.PageContext != "" {
		pageContext = conv.PageContext
	}

	return withBusyRetry("create conversation", func() error {
		_, err := s.db.ExecContext(ctx, query,
			conv.ID, conv.UserID, conv.Title, pageContext, boolToInt(conv.Archived),
			conv.CreatedAt.Unix(), conv.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
}

// GetConversation retrieves a conversation owned by userID.
func (s *SQLiteStore) GetConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	query := `
		SELECT id, user_id, title, page_context, archived, created_at, updated_at
		FROM conversations WHERE id = ? AND user_id = ?`

	row := s.db.QueryRowContext(ctx, query, conversationID, userID)
	conv, err := scanConversation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return conv, nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]*domain.Conversation, error) {
	query := `
		SELECT id, user_id, title, page_context, archived, created_at, updated_at
		FROM conversations WHERE user_id = ?`
	if !includeArchived {
		query += ` AND archived = 0`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var convs []*domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

func scanConversation(scan func(dest ...any) error) (*domain.Conversation, error) {
	var conv domain.Conversation
	var pageContext sql.NullString
	var archived int
	var createdAt, updatedAt int64

	if err := scan(&conv.ID, &conv.UserID, &conv.Title, &pageContext, &archived, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	conv.PageContext = pageContext.String
	conv.Archived = archived != 0
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)
	return &conv, nil
}

// TouchConversation bumps updated_at; a non-empty pageContext refreshes the
// stored context blob as well.
func (s *SQLiteStore) TouchConversation(ctx context.Context, conversationID, pageContext string) error {
	query := `UPDATE conversations SET updated_at = ?`
	args := []interface{}{time.Now().Unix()}
	if pageContext != "" {
		query += `, page_context = ?`
		args = append(args, pageContext)
	}
	query += ` WHERE id = ?`
	args = append(args, conversationID)

	return withBusyRetry("touch conversation", func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetConversationTitle replaces the conversation title.
func (s *SQLiteStore) SetConversationTitle(ctx context.Context, conversationID, title string) error {
	return withBusyRetry("set conversation title", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
			title, time.Now().Unix(), conversationID,
		)
		if err != nil {
			return fmt.Errorf("set title: %w", err)
		}
		return requireRow(result)
	})
}

// RenameConversation renames a conversation owned by userID.
func (s *SQLiteStore) RenameConversation(ctx context.Context, userID, conversationID, title string) error {
	return withBusyRetry("rename conversation", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
			title, time.Now().Unix(), conversationID, userID,
		)
		if err != nil {
			return fmt.Errorf("rename conversation: %w", err)
		}
		return requireRow(result)
	})
}

// SetConversationArchived flips the archived flag.
func (s *SQLiteStore) SetConversationArchived(ctx context.Context, userID, conversationID string, archived bool) error {
	return withBusyRetry("archive conversation", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE conversations SET archived = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
			boolToInt(archived), time.Now().Unix(), conversationID, userID,
		)
		if err != nil {
			return fmt.Errorf("archive conversation: %w", err)
		}
		return requireRow(result)
	})
}

// DeleteConversation removes a conversation and its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	return withBusyRetry("delete conversation", func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM conversations WHERE id = ? AND user_id = ?`,
			conversationID, userID,
		)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if err := requireRow(result); err != nil {
			return err
		}
		// ON DELETE CASCADE needs foreign_keys on; delete explicitly so the
		// messages go regardless of pragma state.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("delete conversation messages: %w", err)
		}
		return nil
	})
}

// AppendMessage persists a message at the end of its conversation.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	attachments, err := marshalNullable(msg.Attachments, len(msg.Attachments) > 0)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	toolCall, err := marshalNullable(msg.ToolCall, msg.ToolCall != nil)
	if err != nil {
		return fmt.Errorf("encode tool call: %w", err)
	}
	toolResult, err := marshalNullable(msg.ToolResult, msg.ToolResult != nil)
	if err != nil {
		return fmt.Errorf("encode tool result: %w", err)
	}

	query := `
		INSERT INTO messages (id, conversation_id, role, content, attachments_json,
			tool_call_json, tool_result_json, action_status, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?))`

	return withBusyRetry("append message", func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
			attachments, toolCall, toolResult, string(msg.ActionStatus),
			msg.CreatedAt.Unix(), msg.ConversationID,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// ListMessages returns all messages of a conversation in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, attachments_json,
		       tool_call_json, tool_result_json, action_status, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// GetMessage retrieves one message of a conversation.
func (s *SQLiteStore) GetMessage(ctx context.Context, conversationID, messageID string) (*domain.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, attachments_json,
		       tool_call_json, tool_result_json, action_status, created_at
		FROM messages WHERE id = ? AND conversation_id = ?`

	row := s.db.QueryRowContext(ctx, query, messageID, conversationID)
	msg, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	return msg, nil
}

func scanMessage(scan func(dest ...any) error) (*domain.Message, error) {
	var msg domain.Message
	var role, actionStatus string
	var content, attachments, toolCall, toolResult sql.NullString
	var createdAt int64

	if err := scan(&msg.ID, &msg.ConversationID, &role, &content,
		&attachments, &toolCall, &toolResult, &actionStatus, &createdAt); err != nil {
		return nil, err
	}

	msg.Role = domain.Role(role)
	msg.Content = content.String
	msg.ActionStatus = domain.ActionStatus(actionStatus)
	msg.CreatedAt = time.Unix(createdAt, 0)

	if attachments.Valid {
		if err := json.Unmarshal([]byte(attachments.String), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if toolCall.Valid {
		msg.ToolCall = &domain.ToolCall{}
		if err := json.Unmarshal([]byte(toolCall.String), msg.ToolCall); err != nil {
			return nil, fmt.Errorf("decode tool call: %w", err)
		}
	}
	if toolResult.Valid {
		msg.ToolResult = &domain.ToolResult{}
		if err := json.Unmarshal([]byte(toolResult.String), msg.ToolResult); err != nil {
			return nil, fmt.Errorf("decode tool result: %w", err)
		}
	}

	return &msg, nil
}

// TransitionActionStatus atomically moves a message's action status from
// pending to next. The WHERE action_status = 'pending' guard is what makes
// a duplicate confirm or reject fail instead of double-applying. The tool
// call is rewritten in the same statement when overrides changed it.
func (s *SQLiteStore) TransitionActionStatus(ctx context.Context, messageID string, next domain.ActionStatus, call *domain.ToolCall, result *domain.ToolResult) error {
	if !domain.ActionPending.CanTransitionTo(next) {
		return fmt.Errorf("illegal action status transition to %q", next)
	}

	toolCall, err := marshalNullable(call, call != nil)
	if err != nil {
		return fmt.Errorf("encode tool call: %w", err)
	}
	toolResult, err := marshalNullable(result, result != nil)
	if err != nil {
		return fmt.Errorf("encode tool result: %w", err)
	}

	query := `
		UPDATE messages SET action_status = ?,
			tool_call_json = COALESCE(?, tool_call_json),
			tool_result_json = COALESCE(?, tool_result_json)
		WHERE id = ? AND action_status = ?`

	return withBusyRetry("transition action status", func() error {
		res, err := s.db.ExecContext(ctx, query,
			string(next), toolCall, toolResult, messageID, string(domain.ActionPending))
		if err != nil {
			return fmt.Errorf("update action status: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotPending
		}
		return nil
	})
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalNullable(v any, present bool) (interface{}, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
