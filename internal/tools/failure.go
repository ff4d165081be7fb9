package tools

import (
	"errors"
	"fmt"
)

// FailureKind classifies executor failures so the orchestration loop can
// tell a retryable problem from a fatal one.
type FailureKind string

const (
	// FailureInvalidArgs means the arguments did not satisfy the tool's
	// schema. The agent can usually fix this on a retry.
	FailureInvalidArgs FailureKind = "invalid_args"
	// FailureNotFound means a referenced entity does not exist.
	FailureNotFound FailureKind = "not_found"
	// FailureUnavailable means a downstream dependency failed. Transient,
	// but not correctable by changing the call's arguments.
	FailureUnavailable FailureKind = "unavailable"
)

// Failure is the typed error raised by tool executors.
type Failure struct {
	Kind    FailureKind
	Tool    string
	Message string
	Cause   error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s: %s (%s)", f.Tool, f.Message, f.Kind)
	if f.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, f.Cause)
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Cause }

// Retryable reports whether feeding the failure back to the agent for a
// corrected call is worthwhile. Bad arguments and missing entities are;
// an unavailable backend is not, since no rephrasing reaches it.
func (f *Failure) Retryable() bool {
	return f.Kind == FailureInvalidArgs || f.Kind == FailureNotFound
}

// NewFailure constructs a typed executor failure.
func NewFailure(kind FailureKind, tool, message string, cause error) *Failure {
	return &Failure{Kind: kind, Tool: tool, Message: message, Cause: cause}
}

// AsFailure extracts a *Failure from err, wrapping unknown errors as
// unavailable so callers always see the typed form.
func AsFailure(tool string, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return NewFailure(FailureUnavailable, tool, "executor failed", err)
}
