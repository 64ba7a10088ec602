package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrLocalStore, Message: "commit failed", Err: errors.New("disk full")},
			want:     "[LOCAL_STORE] commit failed: disk full",
		},
		{
			name:     "not found error",
			appError: &AppError{Code: ErrNotFound, Message: "record not found"},
			want:     "[NOT_FOUND] record not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap verifies error wrapping keeps the chain intact.
func TestWrap(t *testing.T) {
	underlying := errors.New("connection reset")
	err := Wrap(ErrTransient, "remote insert failed", underlying)

	if err.Code != ErrTransient {
		t.Errorf("Wrap() code = %q, want %q", err.Code, ErrTransient)
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should find the wrapped error")
	}
	if err.Unwrap() != underlying {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), underlying)
	}
}

// TestIs verifies error code checking through wrapping layers.
func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", New(ErrNotFound, "x"), ErrNotFound, true},
		{"non-matching AppError", New(ErrNotFound, "x"), ErrInternal, false},
		{"wrapped by fmt", fmt.Errorf("ctx: %w", New(ErrDuplicate, "x")), ErrDuplicate, true},
		{"inner AppError", Wrap(ErrLocalStore, "outer", New(ErrInvalid, "inner")), ErrInvalid, true},
		{"standard error", errors.New("plain"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestKindOf verifies classification used by the retry policy.
func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"app error", New(ErrPermanent, "bad row"), ErrPermanent},
		{"deadline", context.DeadlineExceeded, ErrTransient},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrTransient},
		{"plain", errors.New("boom"), ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestIsRetryable verifies only transient failures are retryable.
func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New(ErrTransient, "timeout")) {
		t.Error("transient error should be retryable")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Error("deadline should be retryable")
	}
	for _, code := range []ErrorCode{ErrPermanent, ErrNotFound, ErrDuplicate, ErrInvalid} {
		if IsRetryable(New(code, "x")) {
			t.Errorf("%s should not be retryable", code)
		}
	}
}

// TestHelpers verifies the NotFound and Duplicate shortcuts.
func TestHelpers(t *testing.T) {
	if !IsNotFound(Newf(ErrNotFound, "row %s", "abc")) {
		t.Error("IsNotFound should match")
	}
	if !IsDuplicate(Wrap(ErrDuplicate, "insert", nil)) {
		t.Error("IsDuplicate should match")
	}
	if IsNotFound(New(ErrDuplicate, "x")) {
		t.Error("IsNotFound should not match duplicate")
	}
}

// TestErrorCodes_areUppercase verifies error codes follow naming convention.
func TestErrorCodes_areUppercase(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrDuplicate,
		ErrLocalStore, ErrMigration, ErrTransient, ErrPermanent,
		ErrConflict, ErrResolution, ErrSyncBusy, ErrNotConfigured,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		str := string(code)
		if str != strings.ToUpper(str) {
			t.Errorf("ErrorCode %q should be uppercase", str)
		}
		if seen[code] {
			t.Errorf("ErrorCode %q is duplicated", code)
		}
		seen[code] = true
	}
}
