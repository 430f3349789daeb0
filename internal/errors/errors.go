// Package errors provides structured error types for essaylake.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategorySnapshot   ErrorCategory = "SNAPSHOT"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidFilter = "INVALID_FILTER"

	// Snapshot codes
	CodeSnapshotNotFound   = "SNAPSHOT_NOT_FOUND"
	CodeIncompleteSnapshot = "INCOMPLETE_SNAPSHOT"

	// Storage codes
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeListFailed     = "LIST_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeDecodeFailed   = "DECODE_FAILED"

	// Query codes
	CodeBuildFailed     = "BUILD_FAILED"
	CodeExecutionFailed = "EXECUTION_FAILED"
	CodeTransientIO     = "TRANSIENT_IO"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Sentinels for errors.Is matching. Matching compares category and code only.
var (
	ErrSnapshotNotFound   = New(ErrCategorySnapshot, CodeSnapshotNotFound, "no data available")
	ErrIncompleteSnapshot = New(ErrCategorySnapshot, CodeIncompleteSnapshot, "incomplete snapshot")
	ErrQueryExecution     = New(ErrCategoryQuery, CodeExecutionFailed, "query execution failed")
	ErrInvalidFilter      = New(ErrCategoryValidation, CodeInvalidFilter, "invalid filter")
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// GetDetails extracts the details map from an error chain.
func GetDetails(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// isRetryable reports whether a code denotes a transient failure. Snapshot
// errors are never retried: a missing or partial triplet stays that way until
// ingestion writes a new one.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeListFailed:
		return true
	case category == ErrCategoryQuery && code == CodeTransientIO:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(message string) *Error {
	return New(ErrCategoryValidation, CodeInvalidFilter, message)
}

func NewSnapshotNotFound(dir, prefix string) *Error {
	return New(ErrCategorySnapshot, CodeSnapshotNotFound, "no data available").
		WithDetails(map[string]interface{}{"dir": dir, "prefix": prefix})
}

func NewIncompleteSnapshot(timestamp string, missing []string) *Error {
	return New(ErrCategorySnapshot, CodeIncompleteSnapshot,
		fmt.Sprintf("snapshot %s is missing tables %v", timestamp, missing)).
		WithDetails(map[string]interface{}{"timestamp": timestamp, "missing": missing})
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewQueryExecutionError(message string, cause error) *Error {
	return Wrap(ErrCategoryQuery, CodeExecutionFailed, message, cause)
}

func NewQueryError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryQuery, code, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
