package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Kind classifies a failure so callers can react to it without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConfigurationMissing
	KindGuardrail
	KindBackend
	KindToolExecution
	KindIterationBudget
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConfigurationMissing:
		return "configuration_missing"
	case KindGuardrail:
		return "guardrail"
	case KindBackend:
		return "backend"
	case KindToolExecution:
		return "tool_execution"
	case KindIterationBudget:
		return "iteration_budget"
	}
	return "unknown"
}

// Error is a classified error. Msg is meant for the end user, Err carries the cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

// E creates a classified error with a user-facing message.
func E(kind Kind, format string, a ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...)}
}

// WrapKind classifies err under kind. If err is nil, WrapKind returns nil.
func WrapKind(kind Kind, err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...), Err: err}
}

// KindOf returns the Kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether any error in err's chain is classified as kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// UserMessage returns the message of the outermost classified error, or err.Error().
func UserMessage(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
