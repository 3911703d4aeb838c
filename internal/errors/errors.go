package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for categorizing errors
const (
	ErrConfig         = "CONFIG"
	ErrSSH            = "SSH"
	ErrExec           = "EXEC"
	ErrGatewayConn    = "GATEWAY_CONN"
	ErrTargetConn     = "TARGET_CONN"
	ErrGatewaySession = "GATEWAY_SESSION"
	ErrTargetSession  = "TARGET_SESSION"
	ErrPromptTimeout  = "PROMPT_TIMEOUT"
	ErrCommandTimeout = "COMMAND_TIMEOUT"
	ErrExitMarker     = "EXIT_MARKER"
	ErrInvalidCommand = "INVALID_COMMAND"
	ErrCredential     = "CREDENTIAL"
	ErrNotFound       = "NOT_FOUND"
)

// Error represents a structured error with code, message, suggestion, and optional cause.
// Formatted as:
//
//	✗ <What failed>
//
//	  <Why it failed - technical details>
//
//	  <How to fix it - actionable steps>
//
// Transcript optionally carries the partial shell output captured before the
// failure, so timeouts and session defects stay diagnosable.
type Error struct {
	Code       string
	Message    string
	Suggestion string
	Cause      error
	Transcript string
}

// New creates a new structured error with the given code, message, and suggestion.
func New(code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
	}
}

// Wrap wraps an existing error with a message, defaulting to ErrSSH code.
func Wrap(err error, message string) *Error {
	return &Error{
		Code:    ErrSSH,
		Message: message,
		Cause:   err,
	}
}

// WrapWithCode wraps an existing error with a specific code, message, and suggestion.
func WrapWithCode(err error, code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
		Cause:      err,
	}
}

// WithTranscript returns the error with the captured shell output attached.
func (e *Error) WithTranscript(transcript string) *Error {
	e.Transcript = transcript
	return e
}

// Error implements the error interface with formatted output.
func (e *Error) Error() string {
	var b strings.Builder

	// First line: failure symbol + main message
	b.WriteString(fmt.Sprintf("✗ %s\n", e.Message))

	// Include cause if present (why it failed)
	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Cause.Error()))
	}

	// Include suggestion if present (how to fix)
	if e.Suggestion != "" {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Suggestion))
	}

	return b.String()
}

// Unwrap returns the underlying cause for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode checks if an error is a structured Error with the given code.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var bhErr *Error
	if errors.As(err, &bhErr) {
		return bhErr.Code == code
	}
	return false
}

// IsAnyCode checks if an error is a structured Error with one of the given codes.
func IsAnyCode(err error, codes ...string) bool {
	for _, code := range codes {
		if IsCode(err, code) {
			return true
		}
	}
	return false
}

// TranscriptOf extracts the captured shell output from a structured error,
// or "" if none was attached.
func TranscriptOf(err error) string {
	var bhErr *Error
	if errors.As(err, &bhErr) {
		return bhErr.Transcript
	}
	return ""
}
