// Package agent implements the language-model client the orchestration
// loop converses with.
package agent

import (
	"context"
	"errors"
	"iter"

	"github.com/avitale/ledgerly/internal/domain"
	"github.com/avitale/ledgerly/internal/tools"
)

// ErrMultipleToolCalls is returned when the model emits more than one
// function call in a single turn. Only one call per turn is supported;
// extras are a loud failure rather than silently dropped.
var ErrMultipleToolCalls = errors.New("agent emitted more than one tool call in a turn")

// Request is one generation request: the full prior history plus a system
// prompt and the declared tool set.
type Request struct {
	System   string
	Messages []*domain.Message
	Tools    []*tools.Tool
}

// Fragment is one incremental piece of a generation. Exactly one field is
// set: Text for a narration delta, ToolCall for the turn's function call.
// A tool-call fragment, if any, is always the final fragment.
type Fragment struct {
	Text     string
	ToolCall *domain.ToolCall
}

// Agent is the generation interface the orchestration loop depends on.
type Agent interface {
	// Stream requests an incremental generation. The returned iterator
	// yields fragments in production order and stops after the first error.
	Stream(ctx context.Context, req Request) iter.Seq2[*Fragment, error]

	// Complete performs a small non-streaming completion, used for
	// best-effort chores like conversation titling.
	Complete(ctx context.Context, prompt string) (string, error)
}
