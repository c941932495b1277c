// Package errors provides structured error types for plx.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error codes for plx operations. The prefix before the underscore names the
// error kind; KindOf relies on it.
const (
	// Input errors
	CodeInputInvalid      = "INPUT_001" // Bad flag or argument value
	CodeInputQuery        = "INPUT_002" // Malformed query expression
	CodeInputUnknownField = "INPUT_003" // Unknown field in an update
	CodeInputMissing      = "INPUT_004" // Required value missing

	// Lookup errors
	CodeNotFoundRun     = "NOTFOUND_001" // Run missing locally or remotely
	CodeNotFoundProject = "NOTFOUND_002" // Project missing
	CodeNotFoundPath    = "NOTFOUND_003" // Artifact or file missing

	// Permission errors
	CodePermissionDenied = "PERM_001" // 401/403 from the API

	// Remote API errors
	CodeAPITransient = "API_001" // Retryable network or 5xx failure
	CodeAPIRemote    = "API_002" // Non-retryable failure or retries exhausted

	// Lifecycle errors
	CodeLifecycleTransition = "LIFECYCLE_001" // Status transition not allowed
	CodeLifecycleState      = "LIFECYCLE_002" // Op not valid in the current state

	// Executor errors
	CodeExecutorUnavailable = "EXEC_001" // Preflight failed
	CodeExecutorUnknown     = "EXEC_002" // Unknown executor kind
	CodeExecutorFailed      = "EXEC_003" // Workload exited unsuccessfully

	// IO errors
	CodeIOFileNotFound = "IO_001" // File not found
	CodeIOPermission   = "IO_002" // Permission denied
	CodeIOReadError    = "IO_004" // Read error
	CodeIOWriteError   = "IO_005" // Write error
	CodeIOAggregate    = "IO_006" // Some items of a bulk operation failed

	// Cancellation
	CodeCancelled = "CANCEL_001" // User-initiated interrupt

	// Internal
	CodeInternal = "INTERNAL_001" // Unexpected internal failure
)

// Kind is the error taxonomy bucket an error belongs to.
type Kind string

const (
	KindNone                Kind = ""
	KindInvalidInput        Kind = "InvalidInput"
	KindNotFound            Kind = "NotFound"
	KindPermissionDenied    Kind = "PermissionDenied"
	KindTransientAPIError   Kind = "TransientAPIError"
	KindRemoteFailure       Kind = "RemoteFailure"
	KindInvalidTransition   Kind = "InvalidTransition"
	KindExecutorUnavailable Kind = "ExecutorUnavailable"
	KindLocalIOError        Kind = "LocalIOError"
	KindCancelled           Kind = "Cancelled"
	KindInternal            Kind = "Internal"
)

var kindByPrefix = map[string]Kind{
	"INPUT":     KindInvalidInput,
	"NOTFOUND":  KindNotFound,
	"PERM":      KindPermissionDenied,
	"LIFECYCLE": KindInvalidTransition,
	"EXEC":      KindExecutorUnavailable,
	"IO":        KindLocalIOError,
	"CANCEL":    KindCancelled,
	"INTERNAL":  KindInternal,
}

// Error is the structured error type for plx operations.
type Error struct {
	Code    string         `json:"code"`              // Error code (e.g., "NOTFOUND_001")
	Message string         `json:"message"`           // Human-readable message
	Details map[string]any `json:"details,omitempty"` // Context (uuid, op, path...)
	Cause   error          `json:"-"`                 // Wrapped error (not serialized)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Kind returns the taxonomy bucket of the error code.
func (e *Error) Kind() Kind {
	prefix, _, _ := strings.Cut(e.Code, "_")
	if prefix == "API" {
		if e.Code == CodeAPITransient {
			return KindTransientAPIError
		}
		return KindRemoteFailure
	}
	if k, ok := kindByPrefix[prefix]; ok {
		return k
	}
	return KindInternal
}

// WithDetail adds a detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// MarshalJSON implements json.Marshaler with cause error message.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new Error.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with an Error.
func Wrap(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted Error.
func Wrapf(code string, err error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// --- Input Errors ---

// InvalidInput creates an error for a bad flag or argument.
func InvalidInput(format string, args ...any) *Error {
	return Newf(CodeInputInvalid, format, args...)
}

// InvalidQuery creates an error for a malformed query expression.
func InvalidQuery(query, reason string) *Error {
	return Newf(CodeInputQuery, "invalid query %q: %s", query, reason).
		WithDetail("query", query)
}

// UnknownField creates an error for an update naming an unsupported field.
func UnknownField(field string) *Error {
	return Newf(CodeInputUnknownField, "unknown field: %s", field).
		WithDetail("field", field)
}

// --- Lookup Errors ---

// RunNotFound creates an error for a missing run.
func RunNotFound(uuid string) *Error {
	return Newf(CodeNotFoundRun, "run not found: %s", uuid).
		WithDetail("uuid", uuid)
}

// --- Lifecycle Errors ---

// InvalidTransition creates an error for a rejected status transition.
func InvalidTransition(uuid, from, to string) *Error {
	return Newf(CodeLifecycleTransition, "run %s cannot transition from %s to %s", uuid, from, to).
		WithDetail("uuid", uuid).
		WithDetail("from", from).
		WithDetail("to", to)
}

// InvalidState creates an error for an op that the current status does not allow.
func InvalidState(uuid, op, status string) *Error {
	return Newf(CodeLifecycleState, "cannot %s run %s in status %s", op, uuid, status).
		WithDetail("uuid", uuid).
		WithDetail("op", op).
		WithDetail("status", status)
}

// --- Executor Errors ---

// ExecutorUnavailable creates an error for a failed executor preflight.
func ExecutorUnavailable(kind, reason string) *Error {
	return Newf(CodeExecutorUnavailable, "%s executor is not available: %s", kind, reason).
		WithDetail("executor", kind)
}

// --- IO Errors ---

// IOFileNotFound creates an error for missing file.
func IOFileNotFound(path string) *Error {
	return Newf(CodeIOFileNotFound, "file not found: %s", path).
		WithDetail("path", path)
}

// IOPermissionDenied creates an error for permission issues.
func IOPermissionDenied(path string, err error) *Error {
	return Wrap(CodeIOPermission, "permission denied", err).
		WithDetail("path", path)
}

// IOReadError creates an error for read failures.
func IOReadError(path string, err error) *Error {
	return Wrap(CodeIOReadError, "failed to read "+path, err).
		WithDetail("path", path)
}

// IOWriteError creates an error for write failures.
func IOWriteError(path string, err error) *Error {
	return Wrap(CodeIOWriteError, "failed to write "+path, err).
		WithDetail("path", path)
}

// Aggregate joins per-item failures of a bulk operation. It returns nil when
// errs holds no error.
func Aggregate(op string, total int, errs []error) error {
	joined := errors.Join(errs...)
	if joined == nil {
		return nil
	}
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	return Wrapf(CodeIOAggregate, joined, "%s: %d of %d item(s) failed", op, failed, total).
		WithDetail("failed", failed).
		WithDetail("total", total)
}

// Cancelled creates an error for a user interrupt during op.
func Cancelled(op, uuid string) *Error {
	msg := fmt.Sprintf("%s was canceled", op)
	if uuid != "" {
		msg = fmt.Sprintf("%s on run %s was canceled", op, uuid)
	}
	return New(CodeCancelled, msg).WithDetail("uuid", uuid)
}

// HasCode checks if an error is an Error with the given code.
// It handles wrapped errors by unwrapping to find an Error.
func HasCode(err error, code string) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code == code
	}
	return false
}

// Code returns the error code if err is an Error, empty string otherwise.
func Code(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}

// KindOf classifies err. Context cancellation counts as Cancelled even when
// it was never wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind()
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// Is reports whether err belongs to kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode maps an error to the process exit code: 0 success, 1 user-visible
// failure, 2 unexpected internal error.
func ExitCode(err error) int {
	switch KindOf(err) {
	case KindNone:
		return 0
	case KindInternal:
		return 2
	default:
		return 1
	}
}
