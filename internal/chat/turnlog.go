package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TurnLogEvent is one audit record of a conversation turn.
type TurnLogEvent struct {
	Timestamp      string         `json:"ts"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	EventType      string         `json:"event_type"`
	Content        string         `json:"content,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// TurnLogger writes turn audit events as NDJSON, one file per user and
// conversation. Writes happen on a background goroutine behind a bounded
// queue; when the queue is full, events are dropped rather than blocking
// the request path.
type TurnLogger struct {
	dir    string
	queue  chan TurnLogEvent
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewTurnLogger creates the logger and starts its writer goroutine. A nil
// return with nil error means logging is disabled.
func NewTurnLogger(enabled bool, dir string, queueSize int) (*TurnLogger, error) {
	if !enabled {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create turn log directory: %w", err)
	}
	if queueSize <= 0 {
		queueSize = 1000
	}

	tl := &TurnLogger{
		dir:   dir,
		queue: make(chan TurnLogEvent, queueSize),
		done:  make(chan struct{}),
	}
	tl.wg.Add(1)
	go tl.writeLoop()
	return tl, nil
}

// Log enqueues an event. Safe on a nil receiver so call sites don't need
// enabled checks.
func (tl *TurnLogger) Log(event TurnLogEvent) {
	if tl == nil {
		return
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case tl.queue <- event:
	default:
		slog.Warn("turn log queue full, dropping event",
			"conversation_id", event.ConversationID, "event_type", event.EventType)
	}
}

func (tl *TurnLogger) writeLoop() {
	defer tl.wg.Done()
	for {
		select {
		case event := <-tl.queue:
			tl.writeEvent(event)
		case <-tl.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case event := <-tl.queue:
					tl.writeEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (tl *TurnLogger) writeEvent(event TurnLogEvent) {
	dir := filepath.Join(tl.dir, event.UserID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("turn log: failed to create user directory", "error", err)
		return
	}
	path := filepath.Join(dir, event.ConversationID+".ndjson")

	line, err := json.Marshal(event)
	if err != nil {
		slog.Warn("turn log: failed to marshal event", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("turn log: failed to open file", "path", path, "error", err)
		return
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			slog.Warn("turn log: failed to close file", "path", path, "error", closeErr)
		}
	}()
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("turn log: failed to write event", "path", path, "error", err)
	}
}

// Close stops the writer after draining queued events. Safe on nil.
func (tl *TurnLogger) Close() error {
	if tl == nil {
		return nil
	}
	tl.closed.Do(func() { close(tl.done) })
	tl.wg.Wait()
	return nil
}
