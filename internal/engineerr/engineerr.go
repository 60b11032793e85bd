// Package engineerr defines the engine's error taxonomy as a closed set of
// kinds rather than a hierarchy of error types, matching how the rest of
// this codebase treats tagged variants (see tools.Result, cron.ScheduleKind).
package engineerr

import "fmt"

// Kind is one of the error kinds from the engine's error taxonomy.
type Kind string

const (
	ConfigMissing    Kind = "config_missing"
	TransientIO      Kind = "transient_io"
	PermanentIO      Kind = "permanent_io"
	ValidationError  Kind = "validation_error"
	PolicyDenied     Kind = "policy_denied"
	Timeout          Kind = "timeout"
	UnknownTool      Kind = "unknown_tool"
)

// Error is an engine error carrying one of the Kind constants.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // optional wrapped cause
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// UserMessage renders a short, actionable, stack-trace-free line for the
// given kind — the engine never leaks raw errors to end users (spec §7).
func UserMessage(kind Kind, detail string) string {
	switch kind {
	case ConfigMissing:
		return "⚠️ Not configured: " + detail
	case Timeout:
		return "⚠️ Timed out: " + detail
	case PolicyDenied:
		return "⚠️ " + detail
	case ValidationError:
		return "⚠️ " + detail
	default:
		return "⚠️ I couldn't complete your request."
	}
}
