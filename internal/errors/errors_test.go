package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := New(ErrCategorySnapshot, CodeSnapshotNotFound, "no data available")
	expected := "[SNAPSHOT:SNAPSHOT_NOT_FOUND] no data available"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("no such table: essays")
	err := NewQueryExecutionError("query failed", cause)
	expected := "[QUERY:EXECUTION_FAILED] query failed: no such table: essays"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := NewStorageError(CodeDownloadFailed, "download", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestError_IsSentinels(t *testing.T) {
	notFound := NewSnapshotNotFound("/data", "dump")
	if !errors.Is(notFound, ErrSnapshotNotFound) {
		t.Error("NewSnapshotNotFound should match ErrSnapshotNotFound")
	}
	if errors.Is(notFound, ErrIncompleteSnapshot) {
		t.Error("not-found should not match incomplete")
	}

	incomplete := NewIncompleteSnapshot("20250101", []string{"schools"})
	if !errors.Is(fmt.Errorf("wrapped: %w", incomplete), ErrIncompleteSnapshot) {
		t.Error("wrapped incomplete snapshot should match ErrIncompleteSnapshot")
	}

	exec := NewQueryExecutionError("boom", fmt.Errorf("disk I/O error"))
	if !errors.Is(exec, ErrQueryExecution) {
		t.Error("execution error should match ErrQueryExecution")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeDownloadFailed, true},
		{ErrCategoryStorage, CodeListFailed, true},
		{ErrCategoryStorage, CodeObjectNotFound, false},
		{ErrCategorySnapshot, CodeSnapshotNotFound, false},
		{ErrCategorySnapshot, CodeIncompleteSnapshot, false},
		{ErrCategoryQuery, CodeExecutionFailed, false},
		{ErrCategoryQuery, CodeTransientIO, true},
		{ErrCategoryValidation, CodeInvalidFilter, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := NewValidationError("limit must be positive")
	if GetCategory(err) != ErrCategoryValidation {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryValidation)
	}
	if GetCode(err) != CodeInvalidFilter {
		t.Errorf("got %q, want %q", GetCode(err), CodeInvalidFilter)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" || GetCode(fmt.Errorf("plain")) != "" {
		t.Error("plain errors should return empty category and code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryValidation, CodeInvalidFilter, "bad range")
	detailed := err.WithDetails(map[string]interface{}{"field": "word_count"})

	if detailed.Details["field"] != "word_count" {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}

	incomplete := NewIncompleteSnapshot("20250102", []string{"prompts"})
	if GetDetails(incomplete)["timestamp"] != "20250102" {
		t.Error("incomplete snapshot should carry its timestamp")
	}
}
