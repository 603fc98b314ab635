package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeArrayAuthFailed, "login rejected", http.StatusUnauthorized),
			want: "ARRAY_AUTH_FAILED: login rejected",
		},
		{
			name: "with wrapped error",
			err:  Wrap(fmt.Errorf("connection reset"), CodeArrayPageFetchFailed, "page fetch failed", 0),
			want: "ARRAY_PAGE_FETCH_FAILED: page fetch failed: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap(inner, "CODE", "msg", 500)

	if !errors.Is(appErr, inner) {
		t.Error("errors.Is should match inner error")
	}
}

func TestIsAppError(t *testing.T) {
	appErr := Unprocessable(CodeDeleteRefused, "volume is mapped to a host")
	wrapped := fmt.Errorf("delete v1: %w", appErr)

	got, ok := IsAppError(wrapped)
	if !ok {
		t.Fatal("IsAppError should return true for wrapped AppError")
	}
	if got.Code != CodeDeleteRefused {
		t.Errorf("Code = %q, want %q", got.Code, CodeDeleteRefused)
	}
	if got.HTTPStatus != http.StatusUnprocessableEntity {
		t.Errorf("HTTPStatus = %d, want 422", got.HTTPStatus)
	}
}

func TestIsAppError_PlainError(t *testing.T) {
	if _, ok := IsAppError(errors.New("plain")); ok {
		t.Error("IsAppError should return false for non-AppError")
	}
}

func TestWithParams(t *testing.T) {
	err := Internal(CodeParseFailed, "unterminated stanza").
		WithParams(map[string]interface{}{"line": 42})

	if err.Params["line"] != 42 {
		t.Errorf("Params[line] = %v, want 42", err.Params["line"])
	}

	// nil receiver and empty params are no-ops
	var nilErr *AppError
	if nilErr.WithParams(map[string]interface{}{"k": "v"}) != nil {
		t.Error("WithParams on nil receiver should return nil")
	}
}
