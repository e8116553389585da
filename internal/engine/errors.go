package engine

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by a Resources implementation when no script
// exists for the requested baseName or module identifier.
var ErrNotFound = errors.New("script not found")

// ErrConnectionClosed is resumed into scripts whose connection went away
// while they were waiting on it.
var ErrConnectionClosed = NewRuntimeError(ErrCodeConnectionClosed, "connection closed")

// RuntimeError is a failure value delivered into a script through the
// normal resume channel.
//
// Runtime errors are never thrown at the scheduler's callers. They are
// values the script's own logic can inspect:
//   - Module not found: an imported identifier has no script
//   - Outbound failed: the network collaborator reported an error
//   - Connection closed: a client round trip can no longer complete
//   - No connection: a connection-only operation ran outside a connection
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// BaseName identifies the scheduling key the failure occurred under.
	BaseName string

	// PendingKey identifies the suspension the failure was delivered to.
	PendingKey string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeModuleNotFound indicates a required module has no script.
	ErrCodeModuleNotFound RuntimeErrorCode = "MODULE_NOT_FOUND"

	// ErrCodeModuleLoad indicates a required module exists but failed to load.
	ErrCodeModuleLoad RuntimeErrorCode = "MODULE_LOAD_FAILED"

	// ErrCodeOutboundFailed indicates an outbound call failed.
	ErrCodeOutboundFailed RuntimeErrorCode = "OUTBOUND_FAILED"

	// ErrCodeConnectionClosed indicates the owning connection is gone.
	ErrCodeConnectionClosed RuntimeErrorCode = "CONNECTION_CLOSED"

	// ErrCodeNoConnection indicates a connection operation outside a connection.
	ErrCodeNoConnection RuntimeErrorCode = "NO_CONNECTION"

	// ErrCodeUnsupported indicates the operation has no backing service.
	ErrCodeUnsupported RuntimeErrorCode = "UNSUPPORTED"
)

// NewRuntimeError creates a RuntimeError with the given code and message.
func NewRuntimeError(code RuntimeErrorCode, message string) *RuntimeError {
	return &RuntimeError{Code: code, Message: message}
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.BaseName != "" && e.PendingKey != "" {
		msg = fmt.Sprintf("%s (base=%s, key=%s)", msg, e.BaseName, e.PendingKey)
	} else if e.BaseName != "" {
		msg = fmt.Sprintf("%s (base=%s)", msg, e.BaseName)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Is matches runtime errors by code and message, so errors.Is(err,
// ErrConnectionClosed) holds for any copy carrying extra context.
func (e *RuntimeError) Is(target error) bool {
	t, ok := target.(*RuntimeError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == e.Message
}

// NewModuleNotFoundError creates the failure resumed into a script whose
// import names a module with no script.
func NewModuleNotFoundError(baseName, identifier, pendingKey string) *RuntimeError {
	return &RuntimeError{
		Code:       ErrCodeModuleNotFound,
		Message:    fmt.Sprintf("module %q not found", identifier),
		BaseName:   baseName,
		PendingKey: pendingKey,
		Details:    map[string]string{"module": identifier},
	}
}

// NewOutboundError wraps a network failure for delivery into a script.
func NewOutboundError(baseName, pendingKey string, err error) *RuntimeError {
	return &RuntimeError{
		Code:       ErrCodeOutboundFailed,
		Message:    "outbound call failed",
		BaseName:   baseName,
		PendingKey: pendingKey,
		Err:        err,
	}
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsModuleNotFound returns true if the error is a module-not-found failure.
// Uses errors.As to handle wrapped errors.
func IsModuleNotFound(err error) bool {
	return hasCode(err, ErrCodeModuleNotFound)
}

// IsOutboundFailure returns true if the error is an outbound call failure.
func IsOutboundFailure(err error) bool {
	return hasCode(err, ErrCodeOutboundFailed)
}

// IsConnectionClosed returns true if the error reports a closed connection.
func IsConnectionClosed(err error) bool {
	return hasCode(err, ErrCodeConnectionClosed)
}

// InvariantError reports scheduler corruption: double registration of a
// pending key, resuming a key that was never registered, popping an empty
// context stack, reversing an initialization state, and similar.
//
// Invariant errors are raised with panic and are never recovered by the
// scheduler.
type InvariantError struct {
	Op      string
	Message string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in %s: %s", e.Op, e.Message)
}

func invariant(op, format string, args ...any) {
	panic(&InvariantError{Op: op, Message: fmt.Sprintf(format, args...)})
}

// IsInvariantError returns true if v (an error or a recovered panic value)
// is an InvariantError.
func IsInvariantError(v any) bool {
	err, ok := v.(error)
	if !ok {
		return false
	}
	var ie *InvariantError
	return errors.As(err, &ie)
}
