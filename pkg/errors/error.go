// Package errors carries the service's coded errors. Each *Error maps to an
// ErrorCode, which fixes the HTTP status and the envelope code in responses.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// stackDepth bounds the frames recorded per error.
const stackDepth = 10

// Error is a coded error with optional details and the stack where it was made.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Err     error
	Stack   string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Message()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// build is shared by the constructors so the recorded stack starts at their caller.
func build(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: msg,
		Err:     cause,
		Details: make(map[string]interface{}),
		Stack:   captureStack(4),
	}
}

// New creates an error carrying the code's default message.
func New(code ErrorCode) *Error {
	return build(code, code.Message(), nil)
}

// Newf creates an error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return build(code, fmt.Sprintf(format, args...), nil)
}

// Wrap attaches code to err. An *Error is recoded in place.
func Wrap(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		e.Code = code
		return e
	}
	return build(code, err.Error(), err)
}

// Wrapf wraps err under a new message, keeping it as the cause.
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return build(code, fmt.Sprintf(format, args...), err)
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithDetail sets one entry of the response details.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// find returns the first *Error in err's chain.
func find(err error) (*Error, bool) {
	var e *Error
	if err == nil || !stderrors.As(err, &e) {
		return nil, false
	}
	return e, true
}

// GetCode returns the code in err's chain. nil is Success and uncoded errors
// are InternalServerError.
func GetCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	if e, ok := find(err); ok {
		return e.Code
	}
	return InternalServerError
}

// GetError returns the *Error in err's chain, wrapping uncoded errors as internal.
func GetError(err error) *Error {
	if e, ok := find(err); ok {
		return e
	}
	return Wrap(err, InternalServerError)
}

// Is reports whether err's chain carries code.
func Is(err error, code ErrorCode) bool {
	e, ok := find(err)
	return ok && e.Code == code
}

func captureStack(skip int) string {
	var pcs [stackDepth]uintptr
	n := runtime.Callers(skip, pcs[:])
	if n == 0 {
		return ""
	}
	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for more := true; more; {
		var frame runtime.Frame
		frame, more = frames.Next()
		if strings.HasPrefix(frame.Function, "runtime.") {
			continue
		}
		fmt.Fprintf(&b, "\n\t%s:%d %s", frame.File, frame.Line, frame.Function)
	}
	return b.String()
}

// ValidationError creates a validation error with details
func ValidationError(field, reason string) *Error {
	return New(ValidationFailed).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

// Violation describes one rejected request field.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationErrors creates one validation error carrying every violation found.
func ValidationErrors(violations []Violation) *Error {
	return New(ValidationFailed).
		WithMessagef("request validation failed with %d violation(s)", len(violations)).
		WithDetail("violations", violations)
}

// UnsupportedLanguage creates the error returned for unknown language identifiers.
func UnsupportedLanguage(language string) *Error {
	return Newf(LanguageNotSupported, "language %q is not supported", language).
		WithDetail("language", language)
}
