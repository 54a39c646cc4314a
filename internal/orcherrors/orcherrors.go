// Package orcherrors defines the orchestrator's error taxonomy. Every error
// surfaced by the router, planner, executor, or tool client is a *Error
// carrying a stable Code so callers can classify failures without a separate
// side table, and a Cause chain compatible with errors.Is/errors.As.
package orcherrors

import (
	"errors"
	"fmt"
)

// Code names one of the error classes from the orchestrator's error
// handling design.
type Code string

const (
	// CodeAmbiguousFlow indicates the router found no tag dominant enough to
	// classify the query and no context extractor fired. Returned to the
	// caller immediately; no run is created.
	CodeAmbiguousFlow Code = "ambiguous_flow"
	// CodePlanError indicates the planner rejected its own output (non-DAG
	// edges, dangling placeholder, unresolved required argument). Returned
	// to the caller immediately; no run is created.
	CodePlanError Code = "plan_error"
	// CodeTimeout indicates a tool process did not respond within its
	// declared timeout. Retryable.
	CodeTimeout Code = "timeout"
	// CodeToolError indicates the tool's JSON-RPC response carried an error
	// object. Retryable only when the tool's manifest marks the code
	// transient; see WithRetryable.
	CodeToolError Code = "tool_error"
	// CodeSpawnError indicates the tool binary could not be started.
	// Retryable.
	CodeSpawnError Code = "spawn_error"
	// CodeProtocolError indicates the tool's stdout line was not valid
	// JSON-RPC, or the response id did not match the request. Fatal.
	CodeProtocolError Code = "protocol_error"
	// CodeMissingArtifact indicates a placeholder or artifact reference
	// pointed at a node or filename that produced no such artifact. Fatal.
	CodeMissingArtifact Code = "missing_artifact"
	// CodeAgentTimeout indicates an agent's supervising timer fired before
	// the agent returned. Fatal by default.
	CodeAgentTimeout Code = "agent_timeout"
	// CodeAgentError indicates an agent returned an error. Fatal by default;
	// an agent implementation may opt into Retryable via WithRetryable.
	CodeAgentError Code = "agent_error"
	// CodeCancelled is not a failure class; it marks a Run or NodeRun that
	// ended because of an external cancellation signal.
	CodeCancelled Code = "cancelled"
)

// Error is the orchestrator's structured error type. It implements error,
// errors.Unwrap, and carries its own retry classification so the executor
// never needs a parallel lookup table to decide whether to retry.
type Error struct {
	Code      Code
	Message   string
	Cause     error
	retryable *bool // nil defers to the Code's default classification
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf constructs an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that chains an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithRetryable returns a copy of e with an explicit retry classification,
// overriding the Code's default. Used by the Tool Client when a tool's
// manifest marks a specific error code as transient (or not).
func (e *Error) WithRetryable(retryable bool) *Error {
	cp := *e
	cp.retryable = &retryable
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the causal chain to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Retryable reports whether the executor may re-dispatch a node that failed
// with this error, subject to the node's retry budget.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	switch e.Code {
	case CodeTimeout, CodeSpawnError:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is (or wraps) a retryable *Error.
func IsRetryable(err error) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Retryable()
	}
	return false
}

// CodeOf extracts the Code from err, or "" if err does not wrap an *Error.
func CodeOf(err error) Code {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}
