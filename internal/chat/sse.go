package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/avitale/ledgerly/internal/orchestrator"
)

// SSEEmitter writes orchestrator events to an HTTP response as
// server-sent events, flushing after every write. Writes are serialized
// because keepalives come from a separate goroutine.
type SSEEmitter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEEmitter prepares the response for streaming and returns the
// emitter, or an error when the writer does not support flushing.
// A positive retryDelay is sent as the stream's reconnection hint.
func NewSSEEmitter(w http.ResponseWriter, retryDelay time.Duration) (*SSEEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if retryDelay > 0 {
		fmt.Fprintf(w, "retry: %d\n\n", retryDelay.Milliseconds())
	}
	flusher.Flush()

	return &SSEEmitter{w: w, flusher: flusher}, nil
}

// Emit writes one typed event.
func (e *SSEEmitter) Emit(event orchestrator.EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := writeSSE(e.w, string(event), string(data)); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// Keepalive writes an SSE comment line; clients reset their inactivity
// timers on it but surface nothing.
func (e *SSEEmitter) Keepalive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := io.WriteString(e.w, ": keepalive\n\n"); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
