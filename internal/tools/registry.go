// Package tools implements the assistant's tool registry: a fixed mapping
// from tool name to executor, partitioned into read-only and mutating sets.
// The partition is decided at registration time and is the sole authority
// for whether a call needs user confirmation.
package tools

import (
	"context"
	"fmt"
	"sort"
)

// Schema describes a tool's arguments as a JSON schema fragment.
type Schema struct {
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required,omitempty"`
}

// Tool binds a name to its executor and metadata.
type Tool struct {
	Name        string
	Description string
	Schema      Schema
	Mutating    bool

	execute   func(ctx context.Context, ec ExecContext, args map[string]any) (any, error)
	summarize func(args map[string]any) string
}

// Execute runs the tool with validated arguments and an execution context.
func (t *Tool) Execute(ctx context.Context, ec ExecContext, args map[string]any) (any, error) {
	return t.execute(ctx, ec, args)
}

// Summarize produces a short human-readable description of what the call
// will do. It never fails the turn: a panicking or missing summarizer
// falls back to the raw tool name.
func (t *Tool) Summarize(args map[string]any) (summary string) {
	defer func() {
		if r := recover(); r != nil {
			summary = t.Name
		}
	}()
	if t.summarize == nil {
		return t.Name
	}
	if s := t.summarize(args); s != "" {
		return s
	}
	return t.Name
}

// ErrUnknownTool is returned by Resolve for names outside the registry.
type ErrUnknownTool struct{ Name string }

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// Registry holds the fixed tool set. It is built once at startup and
// read-only afterwards, so no locking is needed.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry builds the full tool set against the given ledger.
func NewRegistry(ledger Ledger) *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	r.registerReadOnly(ledger)
	r.registerMutating(ledger)
	return r
}

func (r *Registry) add(t *Tool) {
	if _, dup := r.tools[t.Name]; dup {
		panic(fmt.Sprintf("duplicate tool registration: %s", t.Name))
	}
	r.tools[t.Name] = t
}

// Resolve returns the named tool or an *ErrUnknownTool.
func (r *Registry) Resolve(name string) (*Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, &ErrUnknownTool{Name: name}
	}
	return t, nil
}

// IsMutating reports whether the named tool requires confirmation.
// Unknown names report false; Resolve is the authority for existence.
func (r *Registry) IsMutating(name string) bool {
	t, ok := r.tools[name]
	return ok && t.Mutating
}

// All returns the registered tools sorted by name, for declaration to the
// agent and for diagnostics.
func (r *Registry) All() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// argString extracts a string argument, empty when absent or mistyped.
func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// argBool extracts a bool argument.
func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// argFloat extracts a numeric argument. JSON numbers decode as float64.
func argFloat(args map[string]any, key string) float64 {
	v, _ := args[key].(float64)
	return v
}

// requireString returns an invalid_args failure when the key is missing.
func requireString(tool string, args map[string]any, key string) (string, error) {
	v := argString(args, key)
	if v == "" {
		return "", NewFailure(FailureInvalidArgs, tool, fmt.Sprintf("missing required argument %q", key), nil)
	}
	return v, nil
}
