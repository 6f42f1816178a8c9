// Package errors provides the error types used across scanpipe.
// Errors carry a Kind so callers can branch on the failure category
// without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Base Error Type
// =============================================================================

// Error is the base error type for all scanpipe errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "store.PutReport")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota

	// KindValidation marks a bad submission (rejected upload, malformed
	// form data). Surfaced synchronously at ingestion, never enqueued.
	KindValidation

	// KindUnsupportedFormat marks raw input no parser can identify.
	KindUnsupportedFormat

	// KindMissingDependency marks a pipeline stage whose upstream
	// artifact does not exist.
	KindMissingDependency

	// KindIncompleteInput marks a report compilation attempted without
	// all required category sections.
	KindIncompleteInput

	// KindConflict marks a write that would clobber existing state
	// (duplicate scan_id, second report for the same scan).
	KindConflict

	// KindNotFound marks an unknown scan_id. A normal query outcome,
	// not an internal failure.
	KindNotFound

	// KindTimeout marks an exceeded execution budget.
	KindTimeout

	// KindExternal marks a failed call to the text-completion service
	// or another external collaborator.
	KindExternal

	// KindDispatch marks a submission that was persisted but could not
	// be published to the queue.
	KindDispatch

	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindMissingDependency:
		return "missing_dependency"
	case KindIncompleteInput:
		return "incomplete_input"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindExternal:
		return "external"
	case KindDispatch:
		return "dispatch"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// =============================================================================
// API Error
// =============================================================================

// APIError represents an error returned by an HTTP collaborator
// (the text-completion service).
type APIError struct {
	// StatusCode is the HTTP status code
	StatusCode int `json:"status_code"`

	// Message is the error message from the service
	Message string `json:"message"`

	// Body is the raw response body, kept for diagnosis
	Body string `json:"body,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", http.StatusText(e.StatusCode), e.Message)
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op first, then Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with an operation name.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// =============================================================================
// Error Checkers
// =============================================================================

// GetKind returns the Kind of the error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsAPIError checks if err is an APIError and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return GetKind(err) == KindValidation
}

// IsUnsupportedFormat checks if the error is an unsupported-format error.
func IsUnsupportedFormat(err error) bool {
	return GetKind(err) == KindUnsupportedFormat
}

// IsMissingDependency checks if the error is a missing-dependency error.
func IsMissingDependency(err error) bool {
	return GetKind(err) == KindMissingDependency
}

// IsIncompleteInput checks if the error is an incomplete-input error.
func IsIncompleteInput(err error) bool {
	return GetKind(err) == KindIncompleteInput
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return GetKind(err) == KindConflict
}

// IsNotFound checks if the error is a not-found error.
func IsNotFound(err error) bool {
	if GetKind(err) == KindNotFound {
		return true
	}
	if apiErr, ok := IsAPIError(err); ok {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return GetKind(err) == KindTimeout
}

// IsDispatch checks if the error is a dispatch error.
func IsDispatch(err error) bool {
	return GetKind(err) == KindDispatch
}

// IsRetryable reports whether retrying the operation could succeed.
// Validation, format, and conflict errors are permanent; timeouts and
// server-side failures of the external collaborator are not.
func IsRetryable(err error) bool {
	switch GetKind(err) {
	case KindTimeout, KindExternal, KindDispatch:
		return true
	}
	if apiErr, ok := IsAPIError(err); ok {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		// Retry on 5xx errors (except 501 Not Implemented)
		return apiErr.StatusCode >= 500 && apiErr.StatusCode != 501
	}
	return false
}

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrNotFound is returned when no record exists for a scan_id.
	ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}

	// ErrAlreadyExists is returned when a scan_id is reused.
	ErrAlreadyExists = &Error{Kind: KindConflict, Message: "already exists"}

	// ErrReportAlreadyExists is returned on a second report write for
	// the same scan_id. Reports are write-once.
	ErrReportAlreadyExists = &Error{Kind: KindConflict, Message: "report already exists"}

	// ErrTimeout is returned when an operation exceeds its budget.
	ErrTimeout = &Error{Kind: KindTimeout, Message: "operation timed out"}

	// ErrInvalidConfig is returned for invalid configuration.
	ErrInvalidConfig = &Error{Kind: KindValidation, Message: "invalid configuration"}
)
