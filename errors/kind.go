package errors

import (
	"fmt"
)

// Kind classifies an error for callers that need to react to it: control
// surfaces map kinds to status codes, the orchestrator decides whether a
// failure is fatal to the owning agent.
type Kind string

const (
	Validation            Kind = "validation"
	PolicyViolation       Kind = "policy_violation"
	ToolExecution         Kind = "tool_execution"
	ToolTimeout           Kind = "tool_timeout"
	ToolServerUnavailable Kind = "tool_server_unavailable"
	Storage               Kind = "storage"
	NotPending            Kind = "not_pending"
)

// Error is an error tagged with a Kind.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// E creates a kinded error with file and line number information.
func E(kind Kind, format string, a ...interface{}) error {
	return &Error{Kind: kind, msg: fmt.Sprintf("[%s] %s", caller(2), fmt.Sprintf(format, a...))}
}

// WrapKind tags err with kind, adding context and file and line number.
// If err is nil, WrapKind returns nil.
func WrapKind(kind Kind, err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, msg: fmt.Sprintf("[%s] %s", caller(2), fmt.Sprintf(format, a...)), err: err}
}

// KindOf returns the kind of the outermost kinded error in err's chain, or
// the empty Kind if there is none.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.err
	}
	return false
}

// Fatal reports whether err should fail the agent whose turn produced it
// rather than being handed back to the model as a tool failure.
func Fatal(err error) bool {
	return IsKind(err, ToolServerUnavailable) || IsKind(err, Storage)
}
