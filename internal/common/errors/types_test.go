package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name: "basic error",
			appError: &AppError{
				Type:    ErrTypeConfig,
				Message: "limits file is invalid",
			},
			want: "config: limits file is invalid",
		},
		{
			name: "error with code",
			appError: &AppError{
				Type:    ErrTypeRateLimit,
				Message: "rate limit exceeded for trading",
				Code:    "QUOTA_EXCEEDED",
			},
			want: "rate_limit: rate limit exceeded for trading: code=QUOTA_EXCEEDED",
		},
		{
			name: "error with cause",
			appError: &AppError{
				Type:    ErrTypeStoreUnavailable,
				Message: "counter store unavailable during incr",
				Cause:   errors.New("dial tcp: connection refused"),
			},
			want: "store_unavailable: counter store unavailable during incr: cause=dial tcp: connection refused",
		},
		{
			name: "context keys are sorted",
			appError: &AppError{
				Type:    ErrTypeValidation,
				Message: "field validation failed",
				Context: map[string]interface{}{
					"value": "",
					"field": "type",
				},
			},
			want: "validation: field validation failed: context={field=type, value=}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.appError.Error()
			if got != tt.want {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_WithContextAndCode(t *testing.T) {
	appError := ValidationError("validation failed")

	result := appError.WithContext("field", "key").WithCode("BAD_KEY")
	if result != appError {
		t.Error("WithContext/WithCode should return the same instance")
	}
	if appError.Context["field"] != "key" {
		t.Errorf("Context[field] = %v, want key", appError.Context["field"])
	}
	if appError.Code != "BAD_KEY" {
		t.Errorf("Code = %v, want BAD_KEY", appError.Code)
	}
}

func TestQuotaExceeded(t *testing.T) {
	err := QuotaExceeded("auth", 300*time.Second)

	if err.Type != ErrTypeRateLimit {
		t.Errorf("Type = %v, want %v", err.Type, ErrTypeRateLimit)
	}

	retry, ok := RetryAfterOf(err)
	if !ok || retry != 300*time.Second {
		t.Errorf("RetryAfterOf() = %v, %v, want 5m0s, true", retry, ok)
	}

	wrapped := fmt.Errorf("consume: %w", err)
	if retry, ok := RetryAfterOf(wrapped); !ok || retry != 300*time.Second {
		t.Errorf("RetryAfterOf(wrapped) = %v, %v", retry, ok)
	}

	if _, ok := RetryAfterOf(ValidationError("x")); ok {
		t.Error("RetryAfterOf should ignore non rate limit errors")
	}
}

func TestUnknownLimiterCategory(t *testing.T) {
	err := UnknownLimiterCategory("nope")

	if err.Type != ErrTypeNotFound {
		t.Errorf("Type = %v, want %v", err.Type, ErrTypeNotFound)
	}
	if err.Message != `limiter category "nope" not found` {
		t.Errorf("Message = %v", err.Message)
	}
}

func TestStoreUnavailable(t *testing.T) {
	cause := errors.New("i/o timeout")
	err := StoreUnavailable("peek", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
	if !IsType(fmt.Errorf("wrapped: %w", err), ErrTypeStoreUnavailable) {
		t.Error("IsType should see through wrapping")
	}
}

func TestIsType(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		errType ErrorType
		want    bool
	}{
		{"matching type", ConfigError("test"), ErrTypeConfig, true},
		{"non-matching type", ConfigError("test"), ErrTypeRateLimit, false},
		{"non-app error", errors.New("regular error"), ErrTypeConfig, false},
		{"nil error", nil, ErrTypeConfig, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsType(tt.err, tt.errType); got != tt.want {
				t.Errorf("IsType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"app error", ConfigError("test"), ErrTypeConfig},
		{"regular error", errors.New("regular error"), ErrTypeInternal},
		{"nil error", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetType(tt.err); got != tt.want {
				t.Errorf("GetType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", ValidationError("type is required"), http.StatusBadRequest},
		{"unknown category", UnknownLimiterCategory("x"), http.StatusBadRequest},
		{"quota", QuotaExceeded("ip", time.Second), http.StatusTooManyRequests},
		{"store", StoreUnavailable("delete", nil), http.StatusServiceUnavailable},
		{"internal", InternalError("boom", nil), http.StatusInternalServerError},
		{"plain", errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMessage(t *testing.T) {
	if got := Message(nil); got != "" {
		t.Errorf("Message(nil) = %q", got)
	}
	if got := Message(fmt.Errorf("ctx: %w", ValidationError("field 'key' is required"))); got != "field 'key' is required" {
		t.Errorf("Message(wrapped) = %q", got)
	}
	if got := Message(errors.New("plain")); got != "plain" {
		t.Errorf("Message(plain) = %q", got)
	}
}
